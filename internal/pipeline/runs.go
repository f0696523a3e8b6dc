// runs.go — Import-run bookkeeping for the driver.
// One run row covers one tenant's batch of due pages. The tracker opens the
// row when the tick enqueues the batch, accumulates per-job counters as
// workers finish, and stamps the final status when the last job lands. A
// tick that finds more due pages while a run is still draining folds them
// into the open run instead of opening a second one.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/telemetry"
	"github.com/forecourt/oemwatch/internal/types"
)

// jobStats is what one finished job contributes to its run.
type jobStats struct {
	changed  bool
	errored  bool
	rendered bool
	denials  int
	upserts  int
	events   int
	llmCalls int
	errDetail string // page URL + error, collected into ErrorJSON
}

// runTracker owns the open import runs, one per tenant at most.
type runTracker struct {
	log     *zap.Logger
	repo    types.EventStore
	metrics *telemetry.Metrics
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*tenantRun
}

type tenantRun struct {
	run     *types.ImportRun
	pending int
	errors  []string
}

func newRunTracker(log *zap.Logger, repo types.EventStore, metrics *telemetry.Metrics) *runTracker {
	return &runTracker{
		log:     log.Named("runs"),
		repo:    repo,
		metrics: metrics,
		now:     time.Now,
		active:  make(map[string]*tenantRun),
	}
}

// open registers pages new jobs against the tenant's run, creating the row
// when none is open.
func (t *runTracker) open(ctx context.Context, tenant string, pages int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.active[tenant]; ok {
		tr.pending += pages
		return
	}
	run := &types.ImportRun{
		ID:         uuid.NewString(),
		TenantSlug: tenant,
		Status:     types.RunRunning,
		StartedAt:  t.now(),
	}
	if err := t.repo.InsertImportRun(ctx, run); err != nil {
		// The run row is observability, not correctness: crawl anyway.
		t.log.Error("open import run", zap.String("tenant", tenant), zap.Error(err))
	}
	t.active[tenant] = &tenantRun{run: run, pending: pages}
}

// runID returns the tenant's open run id, empty when none is open.
func (t *runTracker) runID(tenant string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.active[tenant]; ok {
		return tr.run.ID
	}
	return ""
}

// complete folds one job's counters into the run and finalizes the row when
// the batch has drained.
func (t *runTracker) complete(ctx context.Context, tenant string, s jobStats) {
	t.mu.Lock()
	tr, ok := t.active[tenant]
	if !ok {
		t.mu.Unlock()
		return
	}
	run := tr.run
	run.PagesChecked++
	if s.changed {
		run.PagesChanged++
	}
	if s.errored {
		run.PagesErrored++
	}
	if s.rendered {
		run.PagesRendered++
	}
	run.BudgetDenials += s.denials
	run.EntitiesUpserted += s.upserts
	run.EventsEmitted += s.events
	run.LLMCalls += s.llmCalls
	if s.errDetail != "" {
		tr.errors = append(tr.errors, s.errDetail)
	}
	tr.pending--
	if tr.pending > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.active, tenant)
	t.mu.Unlock()

	run.Status = types.RunCompleted
	if run.PagesErrored > 0 {
		run.Status = types.RunPartial
	}
	if len(tr.errors) > 0 {
		run.ErrorJSON, _ = json.Marshal(tr.errors)
	}
	finished := t.now()
	run.FinishedAt = &finished
	if err := t.repo.FinishImportRun(ctx, run); err != nil {
		t.log.Error("finish import run", zap.String("run", run.ID), zap.Error(err))
	}
	if t.metrics != nil {
		t.metrics.ImportRunSeconds.WithLabelValues(tenant).
			Observe(finished.Sub(run.StartedAt).Seconds())
	}
	t.log.Info("import run finished",
		zap.String("tenant", tenant),
		zap.String("run", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("pages", run.PagesChecked),
		zap.Int("changed", run.PagesChanged),
		zap.Int("events", run.EventsEmitted))
}
