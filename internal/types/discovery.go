// discovery.go — Discovery-cache wire structures.
// These are the tenant-scoped records persisted as discoveries/{tenant}.json
// in the object store. JSON keys are camelCase; the file is shared with the
// offline discovery tooling, so the shape is a wire contract, not just an
// internal convenience.
package types

import "time"

// Extraction layers. L1 (offline research tooling) never runs on the hot
// path; the orchestrator picks between the other three.
const (
	LayerFastPath  = "L2_FAST_PATH" // cached selectors / cached APIs
	LayerAdaptive  = "L3_ADAPTIVE"  // at least one selector was LLM-repaired
	LayerDiscovery = "L4_DISCOVERY" // no usable cache, full discovery
)

// ============================================
// Selectors
// ============================================

// SelectorConfig is the cached CSS selector for one semantic slot plus its
// health counters. SuccessRate is an exponential moving average in [0,1]
// (multiplier 0.9); FailureCount is consecutive failures and resets to zero
// on any success, while the rate decays smoothly.
type SelectorConfig struct {
	Selector     string    `json:"selector"`
	Semantic     string    `json:"semantic"` // slot vocabulary: "title", "price", "availability", ...
	LastVerified time.Time `json:"lastVerified"`
	SuccessRate  float64   `json:"successRate"`
	FailureCount int       `json:"failureCount"`
	HitCount     int       `json:"hitCount"`
	RepairCount  int       `json:"repairCount"`
}

// Healthy reports whether the selector still earns fast-path trust.
func (s SelectorConfig) Healthy() bool { return s.SuccessRate > 0.5 }

// ============================================
// Cached JSON APIs
// ============================================

// CachedAPI records a discovered JSON endpoint and its field mappings.
// AvgResponseTimeMs is an EMA (0.9 old, 0.1 new). IsHealthy is recomputed
// after every call: unhealthy iff MissCount > 3 and the last failure is more
// recent than the last success.
type CachedAPI struct {
	URL           string            `json:"url"`
	EntityKind    EntityKind        `json:"entityKind"`
	ItemsPath     string            `json:"itemsPath"`          // gojq path to the entity array
	FieldPaths    map[string]string `json:"fieldPaths"`         // semantic slot -> gojq path within an item
	HitCount      int               `json:"hitCount"`
	MissCount     int               `json:"missCount"`
	AvgResponseMs float64           `json:"avgResponseTimeMs"`
	LastSuccess   time.Time         `json:"lastSuccess"`
	LastFailure   time.Time         `json:"lastFailure"`
	IsHealthy     bool              `json:"isHealthy"`
}

// ============================================
// Extraction stats
// ============================================

// ExtractionStats summarizes one batch extraction over a single DOM.
// Success means fewer than half the attempted slots failed. Layer is L3 as
// soon as any selector was repaired during the batch.
type ExtractionStats struct {
	URL               string    `json:"url,omitempty"`
	PageType          PageType  `json:"pageType,omitempty"`
	SelectorsUsed     int       `json:"selectorsUsed"`
	SelectorsFailed   int       `json:"selectorsFailed"`
	SelectorsRepaired int       `json:"selectorsRepaired"`
	LLMCalls          int       `json:"llmCalls"`
	DurationMs        int64     `json:"durationMs"`
	Layer             string    `json:"layer"`
	Success           bool      `json:"success"`
	At                time.Time `json:"at"`
}

// DiscoveryAggregates are the rolling totals recomputed as stats are added.
// AvgExtractionMs is an EMA (0.9 old, 0.1 new) so one slow render does not
// dominate the average.
type DiscoveryAggregates struct {
	TotalExtractions      int       `json:"totalExtractions"`
	SuccessfulExtractions int       `json:"successfulExtractions"`
	FailedExtractions     int       `json:"failedExtractions"`
	SuccessRate           float64   `json:"successRate"`
	AvgExtractionMs       float64   `json:"avgExtractionTimeMs"`
	LastExtraction        time.Time `json:"lastExtraction"`
}

// ============================================
// Persisted cache document
// ============================================

// TenantDiscovery is the full per-tenant cache document. Selectors are keyed
// page type -> semantic slot; APIs are keyed by endpoint URL. Recent holds at
// most the last 100 extraction stats, oldest first.
type TenantDiscovery struct {
	Tenant     string                                 `json:"tenant"`
	Selectors  map[PageType]map[string]SelectorConfig `json:"selectors"`
	APIs       map[string]CachedAPI                   `json:"apis"`
	Recent     []ExtractionStats                      `json:"recentExtractions"`
	Aggregates DiscoveryAggregates                    `json:"aggregates"`
	UpdatedAt  time.Time                              `json:"updatedAt"`
}

// CacheHealth is the orchestrator's view of a tenant cache, used for the
// fast-path / discovery routing decision and surfaced on the ops API.
type CacheHealth struct {
	HasCache         bool      `json:"hasCache"`
	SelectorCount    int       `json:"selectorCount"`
	HealthySelectors int       `json:"healthySelectorCount"`
	APICount         int       `json:"apiCount"`
	HealthyAPIs      int       `json:"healthyApiCount"`
	SuccessRate      float64   `json:"successRate"`
	LastExtraction   time.Time `json:"lastExtraction"`
}

// Ratio returns healthy selectors over total selectors, 0 when empty.
func (h CacheHealth) Ratio() float64 {
	if h.SelectorCount == 0 {
		return 0
	}
	return float64(h.HealthySelectors) / float64(h.SelectorCount)
}
