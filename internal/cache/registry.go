// registry.go — Process-wide discovery cache, one document per tenant.
// All selector and API health state lives here; the extractor mutates it
// through update closures that run under the tenant's lock, so EMA updates
// are read-modify-write without races. Readers get deep copies (snapshot
// reads) and can hold them across I/O safely.
//
// Lock ordering: Registry.mu (tenant map) before entry.mu (one document).
// Nothing downstream is called while either is held.
package cache

import (
	"sync"
	"time"

	"github.com/forecourt/oemwatch/internal/types"
)

// statWindow is how many recent extraction stats each tenant retains.
const statWindow = 100

// Registry holds every tenant's discovery document. Zero value is not
// usable; call NewRegistry.
type Registry struct {
	mu      sync.Mutex
	tenants map[string]*entry
	now     func() time.Time // injected for tests
}

type entry struct {
	mu  sync.Mutex
	doc types.TenantDiscovery
	// totalAppended counts stats ever appended, surviving ring eviction.
	totalAppended int
	dirty         bool // needs persisting
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tenants: make(map[string]*entry),
		now:     time.Now,
	}
}

func (r *Registry) entryFor(tenant string, create bool) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tenants[tenant]
	if !ok && create {
		e = &entry{doc: emptyDoc(tenant)}
		r.tenants[tenant] = e
	}
	return e
}

func emptyDoc(tenant string) types.TenantDiscovery {
	return types.TenantDiscovery{
		Tenant:    tenant,
		Selectors: make(map[types.PageType]map[string]types.SelectorConfig),
		APIs:      make(map[string]types.CachedAPI),
	}
}

// Has reports whether the tenant has any cached document.
func (r *Registry) Has(tenant string) bool {
	e := r.entryFor(tenant, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.doc.Selectors) > 0 || len(e.doc.APIs) > 0
}

// Snapshot returns a deep copy of the tenant's document and whether one
// exists.
func (r *Registry) Snapshot(tenant string) (types.TenantDiscovery, bool) {
	e := r.entryFor(tenant, false)
	if e == nil {
		return emptyDoc(tenant), false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyDoc(e.doc), true
}

// Replace installs a whole document, used by hydration and discovery seeding.
func (r *Registry) Replace(doc types.TenantDiscovery) {
	e := r.entryFor(doc.Tenant, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = copyDoc(doc)
	if e.doc.Selectors == nil {
		e.doc.Selectors = make(map[types.PageType]map[string]types.SelectorConfig)
	}
	if e.doc.APIs == nil {
		e.doc.APIs = make(map[string]types.CachedAPI)
	}
	e.totalAppended = len(e.doc.Recent)
	e.dirty = true
}

// ============================================
// Selectors
// ============================================

// Selector returns a copy of one slot's cached selector.
func (r *Registry) Selector(tenant string, pt types.PageType, slot string) (types.SelectorConfig, bool) {
	e := r.entryFor(tenant, false)
	if e == nil {
		return types.SelectorConfig{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, ok := e.doc.Selectors[pt][slot]
	return sc, ok
}

// Selectors returns a copy of all selectors for one page type.
func (r *Registry) Selectors(tenant string, pt types.PageType) map[string]types.SelectorConfig {
	e := r.entryFor(tenant, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]types.SelectorConfig, len(e.doc.Selectors[pt]))
	for k, v := range e.doc.Selectors[pt] {
		out[k] = v
	}
	return out
}

// SetSelector installs or replaces one slot's selector.
func (r *Registry) SetSelector(tenant string, pt types.PageType, slot string, sc types.SelectorConfig) {
	e := r.entryFor(tenant, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	byType, ok := e.doc.Selectors[pt]
	if !ok {
		byType = make(map[string]types.SelectorConfig)
		e.doc.Selectors[pt] = byType
	}
	byType[slot] = sc
	e.touch(r.now())
}

// UpdateSelector applies fn to one slot's selector under the tenant lock.
// fn receives the current value (zero value if absent) and returns the new
// one; this is the read-modify-write path for EMA updates.
func (r *Registry) UpdateSelector(tenant string, pt types.PageType, slot string, fn func(types.SelectorConfig) types.SelectorConfig) {
	e := r.entryFor(tenant, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	byType, ok := e.doc.Selectors[pt]
	if !ok {
		byType = make(map[string]types.SelectorConfig)
		e.doc.Selectors[pt] = byType
	}
	byType[slot] = fn(byType[slot])
	e.touch(r.now())
}

// ============================================
// Cached APIs
// ============================================

// APIs returns copies of the tenant's cached endpoints.
func (r *Registry) APIs(tenant string) map[string]types.CachedAPI {
	e := r.entryFor(tenant, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]types.CachedAPI, len(e.doc.APIs))
	for k, v := range e.doc.APIs {
		out[k] = copyAPI(v)
	}
	return out
}

// SetAPI installs or replaces one endpoint record.
func (r *Registry) SetAPI(tenant string, api types.CachedAPI) {
	e := r.entryFor(tenant, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	api.IsHealthy = apiHealthy(api)
	e.doc.APIs[api.URL] = copyAPI(api)
	e.touch(r.now())
}

// RecordAPICall folds one probe outcome into an endpoint's health counters.
// Health is recomputed after every call: unhealthy iff the endpoint has
// missed more than three times and its last failure is newer than its last
// success.
func (r *Registry) RecordAPICall(tenant, url string, ok bool, took time.Duration, at time.Time) {
	e := r.entryFor(tenant, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	api, present := e.doc.APIs[url]
	if !present {
		return
	}
	ms := float64(took.Milliseconds())
	if ok {
		api.HitCount++
		api.LastSuccess = at
	} else {
		api.MissCount++
		api.LastFailure = at
	}
	if api.AvgResponseMs == 0 {
		api.AvgResponseMs = ms
	} else {
		api.AvgResponseMs = 0.9*api.AvgResponseMs + 0.1*ms
	}
	api.IsHealthy = apiHealthy(api)
	e.doc.APIs[url] = api
	e.touch(r.now())
}

func apiHealthy(api types.CachedAPI) bool {
	return !(api.MissCount > 3 && api.LastFailure.After(api.LastSuccess))
}

// ============================================
// Extraction stats
// ============================================

// AppendStats records one batch extraction into the ring buffer and
// recomputes the aggregates.
func (r *Registry) AppendStats(tenant string, st types.ExtractionStats) {
	e := r.entryFor(tenant, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.doc.Recent = append(e.doc.Recent, st)
	if len(e.doc.Recent) > statWindow {
		// Drop the oldest; copy down so the backing array does not pin
		// evicted entries.
		copy(e.doc.Recent, e.doc.Recent[1:])
		e.doc.Recent = e.doc.Recent[:statWindow]
	}
	e.totalAppended++

	ag := &e.doc.Aggregates
	ag.TotalExtractions++
	if st.Success {
		ag.SuccessfulExtractions++
	} else {
		ag.FailedExtractions++
	}
	ag.SuccessRate = float64(ag.SuccessfulExtractions) / float64(ag.TotalExtractions)
	ms := float64(st.DurationMs)
	if ag.AvgExtractionMs == 0 {
		ag.AvgExtractionMs = ms
	} else {
		ag.AvgExtractionMs = 0.9*ag.AvgExtractionMs + 0.1*ms
	}
	if st.At.After(ag.LastExtraction) {
		ag.LastExtraction = st.At
	}
	e.touch(r.now())
}

// TotalAppended returns how many stats were ever appended for tenant,
// including ones the ring has evicted.
func (r *Registry) TotalAppended(tenant string) int {
	e := r.entryFor(tenant, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalAppended
}

// ============================================
// Health summary
// ============================================

// Health summarizes one tenant's cache for the orchestrator's layer
// decision and the ops API.
func (r *Registry) Health(tenant string) types.CacheHealth {
	e := r.entryFor(tenant, false)
	if e == nil {
		return types.CacheHealth{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	h := types.CacheHealth{
		SuccessRate:    e.doc.Aggregates.SuccessRate,
		LastExtraction: e.doc.Aggregates.LastExtraction,
	}
	for _, byType := range e.doc.Selectors {
		for _, sc := range byType {
			h.SelectorCount++
			if sc.Healthy() {
				h.HealthySelectors++
			}
		}
	}
	for _, api := range e.doc.APIs {
		h.APICount++
		if api.IsHealthy {
			h.HealthyAPIs++
		}
	}
	h.HasCache = h.SelectorCount > 0 || h.APICount > 0
	return h
}

// TenantSlugs lists tenants with a cache entry, for shutdown flushes.
func (r *Registry) TenantSlugs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tenants))
	for slug := range r.tenants {
		out = append(out, slug)
	}
	return out
}

// touch stamps the document and marks it dirty. Caller holds e.mu.
func (e *entry) touch(now time.Time) {
	e.doc.UpdatedAt = now
	e.dirty = true
}

// ============================================
// Deep copies
// ============================================

func copyDoc(d types.TenantDiscovery) types.TenantDiscovery {
	out := d
	out.Selectors = make(map[types.PageType]map[string]types.SelectorConfig, len(d.Selectors))
	for pt, byType := range d.Selectors {
		m := make(map[string]types.SelectorConfig, len(byType))
		for k, v := range byType {
			m[k] = v
		}
		out.Selectors[pt] = m
	}
	out.APIs = make(map[string]types.CachedAPI, len(d.APIs))
	for k, v := range d.APIs {
		out.APIs[k] = copyAPI(v)
	}
	out.Recent = make([]types.ExtractionStats, len(d.Recent))
	copy(out.Recent, d.Recent)
	return out
}

func copyAPI(a types.CachedAPI) types.CachedAPI {
	out := a
	if a.FieldPaths != nil {
		out.FieldPaths = make(map[string]string, len(a.FieldPaths))
		for k, v := range a.FieldPaths {
			out.FieldPaths[k] = v
		}
	}
	return out
}
