// server.go — Ops HTTP surface: health, readiness, metrics, status API.
// The status API is read-only and serves the monitoring dashboard; nothing
// here mutates pipeline state. CORS is restricted to the configured
// dashboard origins.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/registry"
	"github.com/forecourt/oemwatch/internal/types"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// Server is the ops endpoint.
type Server struct {
	log      *zap.Logger
	cfg      config.HTTPConfig
	registry *registry.Registry
	repo     types.EventStore
	gatherer prometheus.Gatherer
	started  time.Time

	// Ready reports readiness; nil means always ready. Wired to the
	// database ping in production.
	Ready func(ctx context.Context) error
	// QueueDepth and PendingAlerts surface live pipeline depths on the
	// status endpoint. Either may be nil.
	QueueDepth    func() int
	PendingAlerts func() (hourly, daily int)
}

// NewServer wires the ops server.
func NewServer(log *zap.Logger, cfg config.HTTPConfig, reg *registry.Registry, repo types.EventStore, gatherer prometheus.Gatherer) *Server {
	return &Server{
		log:      log.Named("ops"),
		cfg:      cfg,
		registry: reg,
		repo:     repo,
		gatherer: gatherer,
		started:  time.Now(),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/tenants", s.handleTenants)
		r.Get("/runs", s.handleRuns)
	})
	return r
}

// Serve runs the listener until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable", "error": err.Error(),
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusReply is the /api/v1/status payload.
type statusReply struct {
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSec     int64     `json:"uptime_sec"`
	Tenants       int       `json:"tenants"`
	ActiveTenants int       `json:"active_tenants"`
	QueueDepth    int       `json:"queue_depth"`
	PendingHourly int       `json:"pending_hourly"`
	PendingDaily  int       `json:"pending_daily"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	reply := statusReply{
		Status:        "ok",
		StartedAt:     s.started,
		UptimeSec:     int64(time.Since(s.started).Seconds()),
		Tenants:       len(s.registry.AllTenants()),
		ActiveTenants: len(s.registry.Tenants()),
	}
	if s.QueueDepth != nil {
		reply.QueueDepth = s.QueueDepth()
	}
	if s.PendingAlerts != nil {
		reply.PendingHourly, reply.PendingDaily = s.PendingAlerts()
	}
	s.writeJSON(w, http.StatusOK, reply)
}

// tenantReply is one roster row, secrets and headers excluded.
type tenantReply struct {
	Slug            string `json:"slug"`
	Name            string `json:"name"`
	BaseURL         string `json:"base_url"`
	Active          bool   `json:"active"`
	RequiresBrowser bool   `json:"requires_browser"`
}

func (s *Server) handleTenants(w http.ResponseWriter, _ *http.Request) {
	tenants := s.registry.AllTenants()
	out := make([]tenantReply, len(tenants))
	for i, t := range tenants {
		out[i] = tenantReply{
			Slug:            t.Slug,
			Name:            t.Name,
			BaseURL:         t.BaseURL,
			Active:          t.Active,
			RequiresBrowser: t.RequiresBrowser,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := s.repo.RecentImportRuns(r.Context(), limit)
	if err != nil {
		s.log.Error("list import runs", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if runs == nil {
		runs = []types.ImportRun{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write response", zap.Error(err))
	}
}

// requestLogger logs one line per request with latency and status.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}
