// driver.go — The crawl driver: tick loop, job queue, worker pool.
// Every tick the driver walks the tenant roster, asks the scheduler which
// pages are due, and enqueues a job per page; workers drain the queue in
// parallel. Pages never overlap: the queue dedups by URL across queued and
// in-flight jobs (the lease is released only after process returns) and a
// keyed lock guards each page's bookkeeping write. The driver is also the budget
// spender — it checks render budgets before opening a session and increments
// the counters after one closes.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/design"
	"github.com/forecourt/oemwatch/internal/detect"
	"github.com/forecourt/oemwatch/internal/extract"
	"github.com/forecourt/oemwatch/internal/fetch"
	"github.com/forecourt/oemwatch/internal/registry"
	"github.com/forecourt/oemwatch/internal/schedule"
	"github.com/forecourt/oemwatch/internal/telemetry"
	"github.com/forecourt/oemwatch/internal/types"
)

// Collaborator slices. Concrete implementations live in their own packages;
// the driver only needs these calls, and the tests fake them.

// Checker performs the cheap HTTP check.
type Checker interface {
	Check(ctx context.Context, url string, headers map[string]string) (fetch.Result, error)
}

// Extractor runs the layered extraction over a DOM.
type Extractor interface {
	Extract(ctx context.Context, tenant types.Tenant, page types.SourcePage, domHTML string) (extract.Result, error)
}

// Discoverer runs an L4 pass against a live session and seeds the cache.
type Discoverer interface {
	Discover(ctx context.Context, tenant types.Tenant, page types.SourcePage, session types.BrowserSession) (extract.DiscoveryResult, error)
	SeedCache(res extract.DiscoveryResult)
}

// Alerter takes persisted events and owns their delivery.
type Alerter interface {
	Dispatch(ctx context.Context, ev types.ChangeEvent)
	Tick(ctx context.Context)
}

// Capturer decides and performs design captures on open sessions. May be nil.
type Capturer interface {
	Due(ctx context.Context, tenant string, pt types.PageType) (bool, error)
	CapturePage(ctx context.Context, tenant types.Tenant, page types.SourcePage, session types.BrowserSession) (design.Outcome, error)
}

// Deps bundles the driver's collaborators.
type Deps struct {
	Registry   *registry.Registry
	Repo       types.Repository
	Checker    Checker
	Renderer   types.Renderer
	Extractor  Extractor
	Discoverer Discoverer
	Detector   *detect.Detector
	Alerts     Alerter
	Capturer   Capturer
	Metrics    *telemetry.Metrics
}

// Driver runs the crawl pipeline.
type Driver struct {
	log       *zap.Logger
	cfg       config.ScheduleConfig
	deps      Deps
	scheduler *schedule.Scheduler
	queue     *schedule.Queue
	locks     *schedule.KeyedLocks
	runs      *runTracker

	now        func() time.Time
	retryDelay time.Duration // base delay between transient-fetch retries
}

// New wires a Driver.
func New(log *zap.Logger, cfg config.ScheduleConfig, deps Deps) *Driver {
	return &Driver{
		log:        log.Named("pipeline"),
		cfg:        cfg,
		deps:       deps,
		scheduler:  schedule.New(cfg),
		queue:      schedule.NewQueue(),
		locks:      schedule.NewKeyedLocks(),
		runs:       newRunTracker(log, deps.Repo, deps.Metrics),
		now:        time.Now,
		retryDelay: time.Second,
	}
}

// Run starts the worker pool and the tick loop and blocks until ctx is done
// and the queue has drained.
func (d *Driver) Run(ctx context.Context) error {
	g := &errgroup.Group{}
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.workerLoop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		d.tickLoop(ctx)
		return nil
	})
	return g.Wait()
}

// tickLoop runs one scheduling pass per tick and closes the queue on
// shutdown so blocked workers exit.
func (d *Driver) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval())
	defer ticker.Stop()

	d.Tick(ctx) // immediate first pass so a restart does not idle a full tick
	for {
		select {
		case <-ctx.Done():
			d.queue.Close()
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick enqueues every due page across the roster, then runs the alert
// dispatcher's periodic work.
func (d *Driver) Tick(ctx context.Context) {
	now := d.now()
	for _, tenant := range d.deps.Registry.Tenants() {
		pages, err := d.deps.Repo.PagesToCheck(ctx, tenant.Slug, now)
		if err != nil {
			d.log.Error("list pages", zap.String("tenant", tenant.Slug), zap.Error(err))
			continue
		}
		var due []types.SourcePage
		for _, page := range pages {
			if d.queue.Contains(page.URL) {
				continue
			}
			if dec := d.scheduler.ShouldCheck(tenant, &page, now); dec.ShouldCheck {
				due = append(due, page)
			}
		}
		if len(due) == 0 {
			continue
		}
		d.runs.open(ctx, tenant.Slug, len(due))
		for _, page := range due {
			d.queue.Push(&schedule.Job{
				Tenant:      tenant,
				Page:        page,
				Priority:    priorityFor(page.PageType),
				ScheduledAt: now,
			})
		}
		d.log.Debug("pages enqueued",
			zap.String("tenant", tenant.Slug), zap.Int("due", len(due)))
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.QueueDepth.Set(float64(d.queue.Len()))
	}
	d.deps.Alerts.Tick(ctx)
}

// workerLoop drains the queue until it closes.
func (d *Driver) workerLoop(ctx context.Context) {
	for {
		job := d.queue.Pop()
		if job == nil {
			return
		}
		d.process(ctx, job)
		d.queue.Finish(job.Page.URL)
		if d.deps.Metrics != nil {
			d.deps.Metrics.QueueDepth.Set(float64(d.queue.Len()))
		}
	}
}

// QueueDepth reports the number of queued jobs, for the status API.
func (d *Driver) QueueDepth() int {
	return d.queue.Len()
}

// priorityFor ranks page types in the queue. Offer and homepage changes are
// the time-sensitive ones; everything else drains behind them.
func priorityFor(pt types.PageType) int {
	switch pt {
	case types.PageOffers:
		return 3
	case types.PageHomepage:
		return 2
	default:
		return 1
	}
}
