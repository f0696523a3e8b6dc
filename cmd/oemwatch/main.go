// main.go — Entry point for the oemwatch monitoring service.
// Boot order: config, logger, roster, stores, pipeline collaborators, ops
// server, then the driver loop. Shutdown is signal-driven and graceful: the
// driver drains its queue, the persister flushes the discovery caches, and
// the ops server stops accepting.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/alert"
	"github.com/forecourt/oemwatch/internal/cache"
	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/design"
	"github.com/forecourt/oemwatch/internal/detect"
	"github.com/forecourt/oemwatch/internal/extract"
	"github.com/forecourt/oemwatch/internal/fetch"
	"github.com/forecourt/oemwatch/internal/llm"
	"github.com/forecourt/oemwatch/internal/ops"
	"github.com/forecourt/oemwatch/internal/pipeline"
	"github.com/forecourt/oemwatch/internal/registry"
	"github.com/forecourt/oemwatch/internal/render"
	"github.com/forecourt/oemwatch/internal/seed"
	"github.com/forecourt/oemwatch/internal/store"
	"github.com/forecourt/oemwatch/internal/telemetry"
	"github.com/forecourt/oemwatch/internal/util"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	seedNow := flag.Bool("seed", false, "run a sitemap seeding pass at startup regardless of config")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("oemwatch %s\n", version)
		return
	}
	if err := run(*configPath, *seedNow); err != nil {
		fmt.Fprintf(os.Stderr, "oemwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, seedNow bool) error {
	// A .env file is a development convenience; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := telemetry.NewLogger(cfg.Dev)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("starting", zap.String("version", version), zap.Bool("dev", cfg.Dev))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(promReg)

	reg, err := registry.Load(cfg.Registry, log)
	if err != nil {
		return err
	}
	util.SafeGo(log, "registry-watch", func() {
		if err := reg.Watch(ctx.Done()); err != nil {
			log.Warn("registry hot reload disabled", zap.Error(err))
		}
	})

	repo, err := store.Open(ctx, log, cfg.Database)
	if err != nil {
		return err
	}
	defer repo.Close()

	objects, err := store.NewObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return err
	}

	cacheReg := cache.NewRegistry()
	persister := cache.NewPersister(log, cacheReg, objects, cfg.Extract.PersistDebounce())
	slugs := make([]string, 0, len(reg.Tenants()))
	for _, t := range reg.Tenants() {
		slugs = append(slugs, t.Slug)
	}
	persister.Hydrate(ctx, slugs)
	persisterDone := make(chan struct{})
	util.SafeGo(log, "cache-persister", func() {
		defer close(persisterDone)
		persister.Run(ctx)
	})

	llmClient := llm.NewClient(log, cfg.LLM)
	llmClient.TenantLimit = func(slug string) int {
		t, ok := reg.Tenant(slug)
		if !ok {
			return 0
		}
		return t.MaxConcurrentLLM
	}
	fetcher := fetch.New(log, 0)
	renderer := render.NewClient(log, cfg.Renderer)
	engine := extract.NewEngine(log, cacheReg, llmClient, cfg.Extract)
	prober := extract.NewProber(log, cacheReg, cfg.Extract.APIProbeTimeout())
	orchestrator := extract.NewOrchestrator(log, engine, prober, cacheReg, cfg.Extract, persister.MarkDirty)
	discoverer := extract.NewDiscoverer(log, cacheReg)
	capturer := design.NewCapturer(log, objects, llmClient, cfg.Design, metrics)

	notifier := alert.NewNotifier(log, cfg.Alerts)
	dispatcher := alert.NewDispatcher(log, cfg.Alerts, repo, notifier, metrics)
	if err := dispatcher.Recover(ctx); err != nil {
		log.Warn("requeue undelivered digests", zap.Error(err))
	}

	if cfg.Seed.Enabled || seedNow {
		seeder := seed.NewSeeder(log, repo, cfg.Seed, metrics)
		for _, tenant := range reg.Tenants() {
			if _, err := seeder.SeedTenant(ctx, tenant); err != nil {
				log.Warn("seeding failed", zap.String("tenant", tenant.Slug), zap.Error(err))
			}
		}
	}

	driver := pipeline.New(log, cfg.Schedule, pipeline.Deps{
		Registry:   reg,
		Repo:       repo,
		Checker:    fetcher,
		Renderer:   renderer,
		Extractor:  orchestrator,
		Discoverer: discoverer,
		Detector:   detect.New(),
		Alerts:     dispatcher,
		Capturer:   capturer,
		Metrics:    metrics,
	})

	server := ops.NewServer(log, cfg.HTTP, reg, repo, promReg)
	server.Ready = repo.Ping
	server.QueueDepth = driver.QueueDepth
	server.PendingAlerts = dispatcher.Pending
	util.SafeGo(log, "ops-server", func() {
		if err := server.Serve(ctx); err != nil {
			log.Error("ops server stopped", zap.Error(err))
		}
	})

	err = driver.Run(ctx)

	// The persister's final flush runs when its context ends; wait for it so
	// fresh selector repairs survive the restart.
	<-persisterDone
	log.Info("shutdown complete")
	return err
}
