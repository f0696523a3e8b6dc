// event.go — Change analyses, persisted change events, and the diff wire row.
package types

import "time"

// EventType labels what kind of change a ChangeEvent records. For field-level
// updates the first matching label wins in the order listed here.
type EventType string

const (
	EventPriceChanged        EventType = "price_changed"
	EventDisclaimerChanged   EventType = "disclaimer_changed"
	EventAvailabilityChanged EventType = "availability_changed"
	EventImageChanged        EventType = "image_changed"
	EventUpdated             EventType = "updated"
	EventCreated             EventType = "created"
	EventRemoved             EventType = "removed"
)

// Severity ranks a change event. Critical events must route to an immediate
// channel (slack_immediate or email), never to a batch.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SeverityRank orders severities for sorting; higher is more urgent.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Channel is a notification destination class.
type Channel string

const (
	ChannelSlackImmediate  Channel = "slack_immediate"
	ChannelSlackBatchHour  Channel = "slack_batch_hourly"
	ChannelSlackBatchDaily Channel = "slack_batch_daily"
	ChannelEmail           Channel = "email"
)

// Immediate reports whether the channel delivers without batching.
func (c Channel) Immediate() bool {
	return c == ChannelSlackImmediate || c == ChannelEmail
}

// FieldChange is one row of the diff payload attached to a change event.
// Wire keys are fixed; the dashboard and the notifier both consume this shape.
type FieldChange struct {
	Field        string `json:"field"`
	OldValue     any    `json:"oldValue"`
	NewValue     any    `json:"newValue"`
	IsMeaningful bool   `json:"isMeaningful"`
}

// ChangeAnalysis is the detector's in-memory verdict for one entity: what
// changed, how urgent, and where it routes. Nil analysis means noise only.
// The driver persists it as a ChangeEvent.
type ChangeAnalysis struct {
	TenantSlug string
	PageID     string
	EntityKind EntityKind
	EntityID   string
	EntityName string // display title at analysis time
	EventType  EventType
	Severity   Severity
	Channel    Channel // assigned by the router, empty until routed
	Summary    string
	Diff       []FieldChange
	Meaningful []string // meaningful field names in diff order
}

// ChangeEvent is the persisted, routed change record for one entity.
// NotifiedAt doubles as the at-least-once dispatch dedup key: nil means the
// notification has not been confirmed delivered yet.
type ChangeEvent struct {
	ID          string        `json:"id" db:"id"`
	TenantSlug  string        `json:"tenant_slug" db:"tenant_slug"`
	ImportRunID string        `json:"import_run_id" db:"import_run_id"`
	EntityKind  EntityKind    `json:"entity_kind" db:"entity_kind"`
	EntityID    string        `json:"entity_id" db:"entity_id"`
	EntityName  string        `json:"entity_name" db:"entity_name"`
	EventType   EventType     `json:"event_type" db:"event_type"`
	Severity    Severity      `json:"severity" db:"severity"`
	Channel     Channel       `json:"channel" db:"channel"`
	Summary     string        `json:"summary" db:"summary"`
	Diff        []FieldChange `json:"diff" db:"-"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	NotifiedAt  *time.Time    `json:"notified_at,omitempty" db:"notified_at"`
}
