// metrics.go — Prometheus collectors for the pipeline.
// One Metrics value is built at startup and shared; label cardinality is
// bounded by the tenant roster (13 sites) and small enums, never by URL.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the pipeline emits.
type Metrics struct {
	ChecksTotal       *prometheus.CounterVec   // tenant, outcome: changed|unchanged|error|skipped
	FetchSeconds      *prometheus.HistogramVec // tenant
	RendersTotal      *prometheus.CounterVec   // tenant
	RenderDenials     *prometheus.CounterVec   // tenant, reason: rate_limit|hash_unchanged|tenant_budget|global_budget
	BudgetWarnings    *prometheus.CounterVec   // tenant, scope: tenant|global
	ExtractionsTotal  *prometheus.CounterVec   // tenant, layer
	SelectorRepairs   *prometheus.CounterVec   // tenant, outcome: repaired|failed
	LLMCalls          *prometheus.CounterVec   // tenant, kind: repair|vision
	LLMSeconds        *prometheus.HistogramVec // kind
	APIProbes         *prometheus.CounterVec   // tenant, outcome: hit|miss
	ChangeEvents      *prometheus.CounterVec   // tenant, severity
	Notifications     *prometheus.CounterVec   // channel, outcome: sent|failed
	CachePersists     *prometheus.CounterVec   // tenant, outcome: ok|error
	DesignCaptures    *prometheus.CounterVec   // tenant, outcome: stored|unchanged|error
	QueueDepth        prometheus.Gauge
	PagesSeeded       *prometheus.CounterVec // tenant
	ImportRunSeconds  *prometheus.HistogramVec // tenant
}

// NewMetrics registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "scheduler", Name: "checks_total",
			Help: "Cheap checks performed, by outcome.",
		}, []string{"tenant", "outcome"}),
		FetchSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oemwatch", Subsystem: "fetch", Name: "duration_seconds",
			Help:    "Cheap-check fetch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant"}),
		RendersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "render", Name: "renders_total",
			Help: "Full renders dispatched.",
		}, []string{"tenant"}),
		RenderDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "render", Name: "denials_total",
			Help: "Render requests denied, by reason.",
		}, []string{"tenant", "reason"}),
		BudgetWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "render", Name: "budget_warnings_total",
			Help: "Renders permitted above the 80% budget watermark.",
		}, []string{"tenant", "scope"}),
		ExtractionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "extract", Name: "extractions_total",
			Help: "Batch extractions, by layer.",
		}, []string{"tenant", "layer"}),
		SelectorRepairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "extract", Name: "selector_repairs_total",
			Help: "LLM selector repairs attempted, by outcome.",
		}, []string{"tenant", "outcome"}),
		LLMCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "llm", Name: "calls_total",
			Help: "LLM requests, by kind.",
		}, []string{"tenant", "kind"}),
		LLMSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oemwatch", Subsystem: "llm", Name: "duration_seconds",
			Help:    "LLM request latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"kind"}),
		APIProbes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "extract", Name: "api_probes_total",
			Help: "Cached JSON endpoint probes, by outcome.",
		}, []string{"tenant", "outcome"}),
		ChangeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "detect", Name: "change_events_total",
			Help: "Change events emitted, by severity.",
		}, []string{"tenant", "severity"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "alert", Name: "notifications_total",
			Help: "Notification posts, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		CachePersists: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "cache", Name: "persists_total",
			Help: "Discovery-cache writes to the object store.",
		}, []string{"tenant", "outcome"}),
		DesignCaptures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "design", Name: "captures_total",
			Help: "Design-capture attempts, by outcome.",
		}, []string{"tenant", "outcome"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "oemwatch", Subsystem: "scheduler", Name: "queue_depth",
			Help: "Crawl jobs currently queued.",
		}),
		PagesSeeded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oemwatch", Subsystem: "seed", Name: "pages_total",
			Help: "Source pages registered by the sitemap seeder.",
		}, []string{"tenant"}),
		ImportRunSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oemwatch", Subsystem: "pipeline", Name: "import_run_seconds",
			Help:    "Wall time of one tenant import run.",
			Buckets: []float64{1, 5, 15, 60, 300, 900},
		}, []string{"tenant"}),
	}
}

// NewTestMetrics returns collectors on a throwaway registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
