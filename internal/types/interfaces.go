// interfaces.go — Ports implemented outside the pipeline core.
// The repository, object store, and renderer are external collaborators; the
// pipeline only ever sees these interfaces. Concrete implementations live in
// internal/store and internal/render, mocks live next to the tests that need
// them.
package types

import (
	"context"
	"encoding/json"
	"time"
)

// ============================================
// Repository
// ============================================

// UpsertResult reports what an entity upsert found. Prev is the stored
// field map before the write (nil on create) so the detector can diff
// without a second round trip.
type UpsertResult struct {
	EntityID        string
	Created         bool
	Prev            map[string]any
	PrevFingerprint string
}

// PageStore is the source-page slice of the repository.
type PageStore interface {
	// PagesToCheck returns a tenant's non-removed pages for scheduling.
	PagesToCheck(ctx context.Context, tenant string, now time.Time) ([]SourcePage, error)
	// UpdatePage applies an atomic partial update to one page row.
	UpdatePage(ctx context.Context, pageID string, upd PageUpdate) error
	// UpsertPage registers a page, keyed (tenant, url); no-op on conflict.
	UpsertPage(ctx context.Context, page SourcePage) (created bool, err error)
	// RenderCounts returns a tenant's render usage and the global total for
	// one month ("2006-01").
	RenderCounts(ctx context.Context, tenant, month string) (RenderCounts, error)
	// IncrementRenderCount bumps the tenant and global counters for month.
	IncrementRenderCount(ctx context.Context, tenant, month string) error
}

// EntityStore persists extracted entities, keyed (tenant, external_key).
type EntityStore interface {
	UpsertProduct(ctx context.Context, p *Product) (UpsertResult, error)
	UpsertOffer(ctx context.Context, o *Offer) (UpsertResult, error)
	UpsertBanner(ctx context.Context, b *Banner) (UpsertResult, error)
	// EntitiesOnPage maps live external keys to entity ids for one page and
	// kind; the driver uses it for removal detection.
	EntitiesOnPage(ctx context.Context, pageID string, kind EntityKind) (map[string]string, error)
	EntityFieldMap(ctx context.Context, kind EntityKind, entityID string) (map[string]any, error)
	MarkEntityRemoved(ctx context.Context, kind EntityKind, entityID string, at time.Time) error
	SetCurrentVersion(ctx context.Context, kind EntityKind, entityID, versionID, fingerprint string) error
}

// EventStore persists versions, change events, and import runs.
type EventStore interface {
	InsertVersion(ctx context.Context, v *Version) error
	InsertChangeEvent(ctx context.Context, ev *ChangeEvent) error
	MarkNotified(ctx context.Context, eventIDs []string, at time.Time) error
	// UnnotifiedEvents returns events still awaiting dispatch on a channel,
	// oldest first.
	UnnotifiedEvents(ctx context.Context, channel Channel, limit int) ([]ChangeEvent, error)
	InsertImportRun(ctx context.Context, run *ImportRun) error
	FinishImportRun(ctx context.Context, run *ImportRun) error
	RecentImportRuns(ctx context.Context, limit int) ([]ImportRun, error)
}

// Repository is the full persistence port.
type Repository interface {
	PageStore
	EntityStore
	EventStore
}

// ============================================
// Object store
// ============================================

// ObjectStore is a flat key/blob store for discovery caches and design
// captures. Absent keys surface as an error matching errors.Is against the
// implementation's not-found sentinel.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ============================================
// Renderer
// ============================================

// InterceptedResponse is one JSON response captured by the renderer's
// network interception while a page loaded.
type InterceptedResponse struct {
	URL         string          `json:"url"`
	Status      int             `json:"status"`
	ContentType string          `json:"content_type"`
	Body        json.RawMessage `json:"body"`
	At          time.Time       `json:"at"`
}

// BrowserSession is one page lifetime on the external rendering service.
// Sessions are single-use: Navigate once, then read.
type BrowserSession interface {
	Navigate(ctx context.Context, url string) error
	WaitForLoad(ctx context.Context, timeout time.Duration) error
	// Evaluate runs a JS expression and returns its JSON-serialized result.
	Evaluate(ctx context.Context, expr string) (json.RawMessage, error)
	CaptureScreenshot(ctx context.Context) ([]byte, error)
	// InterceptedJSON drains the network-interception buffer.
	InterceptedJSON() []InterceptedResponse
	Close(ctx context.Context) error
}

// Renderer opens browser sessions. Implementations budget nothing; the
// scheduler decides whether a render is allowed before a session is opened.
type Renderer interface {
	Open(ctx context.Context, tenant string) (BrowserSession, error)
}
