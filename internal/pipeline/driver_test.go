// driver_test.go — Job flow branches: change, no-change, retries, budget
// denial, discovery, removals, and the tick/run lifecycle.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/detect"
	"github.com/forecourt/oemwatch/internal/extract"
	"github.com/forecourt/oemwatch/internal/fetch"
	"github.com/forecourt/oemwatch/internal/registry"
	"github.com/forecourt/oemwatch/internal/schedule"
	"github.com/forecourt/oemwatch/internal/telemetry"
	"github.com/forecourt/oemwatch/internal/types"
)

// ============================================
// Fakes
// ============================================

// fakeRepo is an in-memory types.Repository recording every write.
type fakeRepo struct {
	mu              sync.Mutex
	pages           []types.SourcePage
	pageUpdates     map[string]types.PageUpdate
	renderCounts    types.RenderCounts
	renderIncs      int
	upsertResults   map[string]types.UpsertResult
	entitiesOnPage  map[types.EntityKind]map[string]string
	fieldMaps       map[string]map[string]any
	removed         []string
	versions        []*types.Version
	currentVersions map[string]string
	events          []*types.ChangeEvent
	openedRuns      []*types.ImportRun
	finishedRuns    []*types.ImportRun
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		pageUpdates:     make(map[string]types.PageUpdate),
		upsertResults:   make(map[string]types.UpsertResult),
		fieldMaps:       make(map[string]map[string]any),
		currentVersions: make(map[string]string),
	}
}

func (f *fakeRepo) PagesToCheck(context.Context, string, time.Time) ([]types.SourcePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.SourcePage(nil), f.pages...), nil
}

func (f *fakeRepo) UpdatePage(_ context.Context, pageID string, upd types.PageUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageUpdates[pageID] = upd
	return nil
}

func (f *fakeRepo) UpsertPage(context.Context, types.SourcePage) (bool, error) { return false, nil }

func (f *fakeRepo) RenderCounts(context.Context, string, string) (types.RenderCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renderCounts, nil
}

func (f *fakeRepo) IncrementRenderCount(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renderIncs++
	return nil
}

func (f *fakeRepo) upsert(key string) (types.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.upsertResults[key]; ok {
		return res, nil
	}
	return types.UpsertResult{EntityID: "ent-" + key, Created: true}, nil
}

func (f *fakeRepo) UpsertProduct(_ context.Context, p *types.Product) (types.UpsertResult, error) {
	return f.upsert(p.ExternalKey)
}
func (f *fakeRepo) UpsertOffer(_ context.Context, o *types.Offer) (types.UpsertResult, error) {
	return f.upsert(o.ExternalKey)
}
func (f *fakeRepo) UpsertBanner(_ context.Context, b *types.Banner) (types.UpsertResult, error) {
	return f.upsert(b.ExternalKey)
}

func (f *fakeRepo) EntitiesOnPage(_ context.Context, _ string, kind types.EntityKind) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.entitiesOnPage[kind] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRepo) EntityFieldMap(_ context.Context, _ types.EntityKind, entityID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fieldMaps[entityID], nil
}

func (f *fakeRepo) MarkEntityRemoved(_ context.Context, _ types.EntityKind, entityID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, entityID)
	return nil
}

func (f *fakeRepo) SetCurrentVersion(_ context.Context, _ types.EntityKind, entityID, versionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentVersions[entityID] = versionID
	return nil
}

func (f *fakeRepo) InsertVersion(_ context.Context, v *types.Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions = append(f.versions, v)
	return nil
}

func (f *fakeRepo) InsertChangeEvent(_ context.Context, ev *types.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRepo) MarkNotified(context.Context, []string, time.Time) error { return nil }
func (f *fakeRepo) UnnotifiedEvents(context.Context, types.Channel, int) ([]types.ChangeEvent, error) {
	return nil, nil
}

func (f *fakeRepo) InsertImportRun(_ context.Context, run *types.ImportRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openedRuns = append(f.openedRuns, run)
	return nil
}

func (f *fakeRepo) FinishImportRun(_ context.Context, run *types.ImportRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishedRuns = append(f.finishedRuns, run)
	return nil
}

func (f *fakeRepo) RecentImportRuns(context.Context, int) ([]types.ImportRun, error) { return nil, nil }

// fakeChecker pops canned results per call.
type fakeChecker struct {
	mu      sync.Mutex
	calls   int
	results []fetch.Result
	errs    []error
}

func (f *fakeChecker) Check(context.Context, string, map[string]string) (fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	var res fetch.Result
	var err error
	if i < len(f.results) {
		res = f.results[i]
	} else if len(f.results) > 0 {
		res = f.results[len(f.results)-1]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return res, err
}

// fakeSession serves one DOM string.
type fakeSession struct {
	dom    string
	closed bool
}

func (s *fakeSession) Navigate(context.Context, string) error           { return nil }
func (s *fakeSession) WaitForLoad(context.Context, time.Duration) error { return nil }
func (s *fakeSession) Evaluate(context.Context, string) (json.RawMessage, error) {
	raw, _ := json.Marshal(s.dom)
	return raw, nil
}
func (s *fakeSession) CaptureScreenshot(context.Context) ([]byte, error) { return nil, nil }
func (s *fakeSession) InterceptedJSON() []types.InterceptedResponse     { return nil }
func (s *fakeSession) Close(context.Context) error                      { s.closed = true; return nil }

// fakeRenderer hands out fakeSessions.
type fakeRenderer struct {
	mu    sync.Mutex
	dom   string
	opens int
	err   error
}

func (f *fakeRenderer) Open(context.Context, string) (types.BrowserSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.err != nil {
		return nil, f.err
	}
	return &fakeSession{dom: f.dom}, nil
}

// fakeExtractor pops canned results per call.
type fakeExtractor struct {
	mu      sync.Mutex
	calls   int
	results []extract.Result
}

func (f *fakeExtractor) Extract(context.Context, types.Tenant, types.SourcePage, string) (extract.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.results) {
		return f.results[i], nil
	}
	if len(f.results) > 0 {
		return f.results[len(f.results)-1], nil
	}
	return extract.Result{Stats: types.ExtractionStats{Success: true}}, nil
}

// fakeDiscoverer records whether a pass ran and seeded.
type fakeDiscoverer struct {
	mu     sync.Mutex
	passes int
	seeded int
}

func (f *fakeDiscoverer) Discover(context.Context, types.Tenant, types.SourcePage, types.BrowserSession) (extract.DiscoveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passes++
	return extract.DiscoveryResult{Selectors: map[string]string{"product_item": ".model-card"}}, nil
}

func (f *fakeDiscoverer) SeedCache(extract.DiscoveryResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded++
}

// fakeAlerter collects dispatched events.
type fakeAlerter struct {
	mu         sync.Mutex
	dispatched []types.ChangeEvent
	ticks      int
}

func (f *fakeAlerter) Dispatch(_ context.Context, ev types.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, ev)
}

func (f *fakeAlerter) Tick(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
}

// ============================================
// Harness
// ============================================

type harness struct {
	driver     *Driver
	repo       *fakeRepo
	checker    *fakeChecker
	renderer   *fakeRenderer
	extractor  *fakeExtractor
	discoverer *fakeDiscoverer
	alerts     *fakeAlerter
}

func scheduleCfg() config.ScheduleConfig {
	return config.ScheduleConfig{
		TickIntervalSec:          60,
		Workers:                  2,
		MaxRenderIntervalMinutes: 120,
		BackoffAfterDays:         7,
		BackoffMultiplier:        0.5,
		TenantMonthlyRenderCap:   1000,
		GlobalMonthlyRenderCap:   10_000,
		BudgetWarnRatio:          0.8,
		AutoDiscovery:            true,
		RenderPolicy:             "tenant",
	}
}

func newHarness(t *testing.T, reg *registry.Registry) *harness {
	t.Helper()
	h := &harness{
		repo:       newFakeRepo(),
		checker:    &fakeChecker{},
		renderer:   &fakeRenderer{dom: "<html><body>rendered</body></html>"},
		extractor:  &fakeExtractor{},
		discoverer: &fakeDiscoverer{},
		alerts:     &fakeAlerter{},
	}
	h.driver = New(zap.NewNop(), scheduleCfg(), Deps{
		Registry:   reg,
		Repo:       h.repo,
		Checker:    h.checker,
		Renderer:   h.renderer,
		Extractor:  h.extractor,
		Discoverer: h.discoverer,
		Detector:   detect.New(),
		Alerts:     h.alerts,
		Metrics:    telemetry.NewTestMetrics(),
	})
	h.driver.retryDelay = time.Millisecond
	return h
}

func testPage() types.SourcePage {
	return types.SourcePage{
		ID:              "page-1",
		TenantSlug:      "toyota-au",
		URL:             "https://toyota.example/models",
		PageType:        types.PageCategory,
		Status:          types.PageActive,
		NormFingerprint: "fp-old",
	}
}

func testJob(page types.SourcePage) *schedule.Job {
	return &schedule.Job{
		Tenant: types.Tenant{Slug: "toyota-au", Name: "Toyota AU", BaseURL: "https://toyota.example"},
		Page:   page,
	}
}

func corolla() *types.Product {
	return &types.Product{
		TenantSlug:  "toyota-au",
		PageID:      "page-1",
		ExternalKey: "corolla",
		Title:       "Corolla",
		Price:       types.Price{Amount: 32990, Currency: "AUD"},
	}
}

// ============================================
// Job flow
// ============================================

func TestChangedPageCreatesEntityAndDispatchesEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checker.results = []fetch.Result{{Fingerprint: "fp-new", Normalized: "<html/>"}}
	h.extractor.results = []extract.Result{{
		Items: extract.Items{Products: []*types.Product{corolla()}},
		Stats: types.ExtractionStats{Success: true},
	}}

	h.driver.process(context.Background(), testJob(testPage()))

	if len(h.repo.events) != 1 {
		t.Fatalf("events = %d, want 1", len(h.repo.events))
	}
	ev := h.repo.events[0]
	if ev.EventType != types.EventCreated || ev.Severity != types.SeverityCritical {
		t.Errorf("event = %s/%s, want created/critical", ev.EventType, ev.Severity)
	}
	if !ev.Channel.Immediate() {
		t.Errorf("created product routed to %s, want an immediate channel", ev.Channel)
	}
	if len(h.alerts.dispatched) != 1 {
		t.Errorf("dispatched = %d, want 1", len(h.alerts.dispatched))
	}
	if len(h.repo.versions) != 1 {
		t.Fatalf("versions = %d, want 1", len(h.repo.versions))
	}
	if got := h.repo.currentVersions["ent-corolla"]; got != h.repo.versions[0].ID {
		t.Errorf("current version = %q, want %q", got, h.repo.versions[0].ID)
	}

	upd, ok := h.repo.pageUpdates["page-1"]
	if !ok {
		t.Fatal("page bookkeeping never written")
	}
	if upd.ConsecutiveNoChange == nil || *upd.ConsecutiveNoChange != 0 {
		t.Error("changed page must reset the no-change counter")
	}
	if upd.LastRenderedAt == nil || h.repo.renderIncs != 1 {
		t.Errorf("render bookkeeping: stamped=%v incs=%d", upd.LastRenderedAt != nil, h.repo.renderIncs)
	}
}

func TestUnchangedPageSkipsExtraction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checker.results = []fetch.Result{{Fingerprint: "fp-old", Normalized: "<html/>"}}
	page := testPage()
	page.ConsecutiveNoChange = 4

	h.driver.process(context.Background(), testJob(page))

	if h.extractor.calls != 0 {
		t.Errorf("extractor called %d times on an unchanged page", h.extractor.calls)
	}
	if h.renderer.opens != 0 {
		t.Errorf("renderer opened %d sessions on an unchanged page", h.renderer.opens)
	}
	upd := h.repo.pageUpdates["page-1"]
	if upd.ConsecutiveNoChange == nil || *upd.ConsecutiveNoChange != 5 {
		t.Error("unchanged page must increment the no-change counter")
	}
	if upd.LastChangedAt != nil {
		t.Error("unchanged page must not stamp last_changed_at")
	}
}

func TestTransientFailureRetriesThenRecovers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	transient := fmt.Errorf("%w: HTTP 503", fetch.ErrTransient)
	h.checker.errs = []error{transient, transient, nil}
	h.checker.results = []fetch.Result{{}, {}, {Fingerprint: "fp-old", Normalized: "<html/>"}}

	h.driver.process(context.Background(), testJob(testPage()))

	if h.checker.calls != 3 {
		t.Errorf("check attempts = %d, want 3", h.checker.calls)
	}
	if _, ok := h.repo.pageUpdates["page-1"]; !ok {
		t.Error("recovered check must still write bookkeeping")
	}
}

func TestExhaustedTransientLeavesPageUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	transient := fmt.Errorf("%w: timeout", fetch.ErrTransient)
	h.checker.errs = []error{transient, transient, transient}

	h.driver.process(context.Background(), testJob(testPage()))

	if h.checker.calls != 3 {
		t.Errorf("check attempts = %d, want 3", h.checker.calls)
	}
	if len(h.repo.pageUpdates) != 0 {
		t.Error("exhausted transient failure must not touch the page row")
	}
}

func TestPermanentAndBlockedFailuresFlipStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want types.PageStatus
	}{
		{fmt.Errorf("%w: HTTP 404", fetch.ErrPermanent), types.PageError},
		{fmt.Errorf("%w: HTTP 403", fetch.ErrBlocked), types.PageBlocked},
	}
	for _, tc := range cases {
		h := newHarness(t, nil)
		h.checker.errs = []error{tc.err}

		h.driver.process(context.Background(), testJob(testPage()))

		if h.checker.calls != 1 {
			t.Errorf("%v: retried a non-transient failure", tc.err)
		}
		upd := h.repo.pageUpdates["page-1"]
		if upd.Status == nil || *upd.Status != tc.want {
			t.Errorf("%v: status = %v, want %s", tc.err, upd.Status, tc.want)
		}
		if upd.ErrorMessage == nil || *upd.ErrorMessage == "" {
			t.Errorf("%v: error message not recorded", tc.err)
		}
	}
}

func TestBudgetDenialSkipsBrowserOnlyTenant(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.repo.renderCounts = types.RenderCounts{Tenant: 1000, Global: 5000}
	h.checker.results = []fetch.Result{{Fingerprint: "fp-new", Normalized: "<html/>"}}
	job := testJob(testPage())
	job.Tenant.RequiresBrowser = true

	h.driver.runs.open(context.Background(), "toyota-au", 1)
	h.driver.process(context.Background(), job)

	if h.renderer.opens != 0 {
		t.Error("denied render must not open a session")
	}
	if h.extractor.calls != 0 {
		t.Error("browser-only tenant must not extract from the cheap shell")
	}
	if _, ok := h.repo.pageUpdates["page-1"]; !ok {
		t.Error("denied render still advances bookkeeping")
	}
	if len(h.repo.finishedRuns) != 1 || h.repo.finishedRuns[0].BudgetDenials != 1 {
		t.Fatalf("run must record the denial: %+v", h.repo.finishedRuns)
	}
}

func TestDiscoverySeedsCacheAndReextracts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checker.results = []fetch.Result{{Fingerprint: "fp-new", Normalized: "<html/>"}}
	h.extractor.results = []extract.Result{
		{NeedsDiscovery: true, Stats: types.ExtractionStats{Success: false}},
		{
			Items: extract.Items{Products: []*types.Product{corolla()}},
			Stats: types.ExtractionStats{Success: true},
		},
	}

	h.driver.process(context.Background(), testJob(testPage()))

	if h.discoverer.passes != 1 || h.discoverer.seeded != 1 {
		t.Errorf("discovery passes=%d seeded=%d, want 1/1", h.discoverer.passes, h.discoverer.seeded)
	}
	if h.extractor.calls != 2 {
		t.Errorf("extract calls = %d, want a re-extract after seeding", h.extractor.calls)
	}
	if len(h.repo.events) != 1 {
		t.Errorf("events = %d, want the created event from the re-extract", len(h.repo.events))
	}
}

func TestVanishedEntityEmitsRemovedEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checker.results = []fetch.Result{{Fingerprint: "fp-new", Normalized: "<html/>"}}
	h.extractor.results = []extract.Result{{Stats: types.ExtractionStats{Success: true}}}
	h.repo.entitiesOnPage = map[types.EntityKind]map[string]string{
		types.KindProduct: {"corolla": "ent-1"},
	}
	h.repo.fieldMaps["ent-1"] = map[string]any{"title": "Corolla", "price_amount": 32990.0}

	h.driver.process(context.Background(), testJob(testPage()))

	if len(h.repo.removed) != 1 || h.repo.removed[0] != "ent-1" {
		t.Fatalf("removed = %v, want [ent-1]", h.repo.removed)
	}
	if len(h.repo.events) != 1 {
		t.Fatalf("events = %d, want 1", len(h.repo.events))
	}
	ev := h.repo.events[0]
	if ev.EventType != types.EventRemoved || ev.EntityName != "Corolla" {
		t.Errorf("event = %s for %q, want removed Corolla", ev.EventType, ev.EntityName)
	}
	if !ev.Channel.Immediate() {
		t.Errorf("removed product routed to %s, want an immediate channel", ev.Channel)
	}
}

func TestFailedExtractionNeverRemovesEntities(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.checker.results = []fetch.Result{{Fingerprint: "fp-new", Normalized: "<html/>"}}
	h.extractor.results = []extract.Result{{Stats: types.ExtractionStats{Success: false}}}
	h.repo.entitiesOnPage = map[types.EntityKind]map[string]string{
		types.KindProduct: {"corolla": "ent-1"},
	}

	h.driver.process(context.Background(), testJob(testPage()))

	if len(h.repo.removed) != 0 {
		t.Errorf("failed extraction removed %v", h.repo.removed)
	}
}

// ============================================
// Tick and run lifecycle
// ============================================

func writeRoster(t *testing.T) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	roster := `tenants:
  - slug: toyota-au
    name: Toyota Australia
    base_url: https://toyota.example
`
	if err := os.WriteFile(path, []byte(roster), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Load(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestTickEnqueuesDuePagesOnceAndFinishesRun(t *testing.T) {
	t.Parallel()

	reg := writeRoster(t)
	h := newHarness(t, reg)
	h.repo.pages = []types.SourcePage{
		{ID: "p1", TenantSlug: "toyota-au", URL: "https://toyota.example/", PageType: types.PageHomepage, Status: types.PageActive, NormFingerprint: "fp"},
		{ID: "p2", TenantSlug: "toyota-au", URL: "https://toyota.example/models", PageType: types.PageCategory, Status: types.PageActive, NormFingerprint: "fp"},
	}
	h.checker.results = []fetch.Result{{Fingerprint: "fp", Normalized: "<html/>"}}
	ctx := context.Background()

	h.driver.Tick(ctx)
	if got := h.driver.queue.Len(); got != 2 {
		t.Fatalf("queued = %d, want 2", got)
	}
	// A second tick must not duplicate queued pages.
	h.driver.Tick(ctx)
	if got := h.driver.queue.Len(); got != 2 {
		t.Fatalf("queued after second tick = %d, want 2", got)
	}
	if h.alerts.ticks != 2 {
		t.Errorf("alert ticks = %d, want 2", h.alerts.ticks)
	}
	if len(h.repo.openedRuns) != 1 {
		t.Fatalf("opened runs = %d, want 1", len(h.repo.openedRuns))
	}

	for job := h.driver.queue.TryPop(); job != nil; job = h.driver.queue.TryPop() {
		h.driver.process(ctx, job)
	}

	if len(h.repo.finishedRuns) != 1 {
		t.Fatalf("finished runs = %d, want 1", len(h.repo.finishedRuns))
	}
	run := h.repo.finishedRuns[0]
	if run.Status != types.RunCompleted || run.PagesChecked != 2 {
		t.Errorf("run = %s with %d pages, want completed/2", run.Status, run.PagesChecked)
	}
	if run.FinishedAt == nil {
		t.Error("finished run must be stamped")
	}
}

func TestInFlightPageIsNotReenqueued(t *testing.T) {
	t.Parallel()

	reg := writeRoster(t)
	h := newHarness(t, reg)
	h.repo.pages = []types.SourcePage{
		{ID: "p1", TenantSlug: "toyota-au", URL: "https://toyota.example/offers", PageType: types.PageOffers, Status: types.PageActive, NormFingerprint: "fp"},
	}
	h.checker.results = []fetch.Result{{Fingerprint: "fp", Normalized: "<html/>"}}
	ctx := context.Background()

	h.driver.Tick(ctx)
	job := h.driver.queue.TryPop()
	if job == nil {
		t.Fatal("expected a queued job")
	}

	// A slow crawl can span a tick: while the job is popped but unfinished,
	// its page row is still stale. The tick must not start a second crawl
	// for the same page or open an overlapping run.
	h.driver.Tick(ctx)
	if got := h.driver.queue.Len(); got != 0 {
		t.Fatalf("in-flight page re-enqueued, queued = %d, want 0", got)
	}
	if len(h.repo.openedRuns) != 1 {
		t.Fatalf("opened runs = %d, want 1", len(h.repo.openedRuns))
	}

	h.driver.process(ctx, job)
	h.driver.queue.Finish(job.Page.URL)

	// With the crawl finished the next tick picks the page up again.
	h.driver.Tick(ctx)
	if got := h.driver.queue.Len(); got != 1 {
		t.Errorf("finished page not re-enqueued, queued = %d, want 1", got)
	}
}

func TestErroredJobTurnsRunPartial(t *testing.T) {
	t.Parallel()

	reg := writeRoster(t)
	h := newHarness(t, reg)
	h.repo.pages = []types.SourcePage{
		{ID: "p1", TenantSlug: "toyota-au", URL: "https://toyota.example/gone", PageType: types.PageOther, Status: types.PageActive},
	}
	h.checker.errs = []error{fmt.Errorf("%w: HTTP 404", fetch.ErrPermanent)}
	ctx := context.Background()

	h.driver.Tick(ctx)
	for job := h.driver.queue.TryPop(); job != nil; job = h.driver.queue.TryPop() {
		h.driver.process(ctx, job)
	}

	if len(h.repo.finishedRuns) != 1 {
		t.Fatalf("finished runs = %d, want 1", len(h.repo.finishedRuns))
	}
	run := h.repo.finishedRuns[0]
	if run.Status != types.RunPartial || run.PagesErrored != 1 {
		t.Errorf("run = %s errored=%d, want partial/1", run.Status, run.PagesErrored)
	}
	if len(run.ErrorJSON) == 0 {
		t.Error("run must carry the error detail payload")
	}
	var details []string
	if err := json.Unmarshal(run.ErrorJSON, &details); err != nil || len(details) != 1 {
		t.Errorf("error payload = %s", run.ErrorJSON)
	}
}

func TestPriorityOrdersOffersFirst(t *testing.T) {
	t.Parallel()

	if priorityFor(types.PageOffers) <= priorityFor(types.PageHomepage) {
		t.Error("offers must outrank the homepage")
	}
	if priorityFor(types.PageHomepage) <= priorityFor(types.PageVehicle) {
		t.Error("homepage must outrank detail pages")
	}
}
