// server_test.go — Status API behavior over httptest.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/registry"
	"github.com/forecourt/oemwatch/internal/telemetry"
	"github.com/forecourt/oemwatch/internal/types"
)

// fakeEventStore serves canned import runs.
type fakeEventStore struct {
	runs []types.ImportRun
	err  error
}

func (f *fakeEventStore) InsertVersion(context.Context, *types.Version) error         { return nil }
func (f *fakeEventStore) InsertChangeEvent(context.Context, *types.ChangeEvent) error { return nil }
func (f *fakeEventStore) MarkNotified(context.Context, []string, time.Time) error     { return nil }
func (f *fakeEventStore) UnnotifiedEvents(context.Context, types.Channel, int) ([]types.ChangeEvent, error) {
	return nil, nil
}
func (f *fakeEventStore) InsertImportRun(context.Context, *types.ImportRun) error { return nil }
func (f *fakeEventStore) FinishImportRun(context.Context, *types.ImportRun) error { return nil }
func (f *fakeEventStore) RecentImportRuns(_ context.Context, limit int) ([]types.ImportRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	roster := `tenants:
  - slug: toyota-au
    name: Toyota Australia
    base_url: https://toyota.example
  - slug: mazda-au
    name: Mazda Australia
    base_url: https://mazda.example
    active: false
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

func testServer(t *testing.T, store *fakeEventStore) *Server {
	t.Helper()
	promReg := prometheus.NewRegistry()
	telemetry.NewMetrics(promReg)
	return NewServer(zap.NewNop(), config.HTTPConfig{Addr: ":0"}, testRegistry(t), store, promReg)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()

	s := testServer(t, &fakeEventStore{})
	router := s.Router()

	if rec := get(t, router, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := get(t, router, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("readyz with nil check = %d", rec.Code)
	}

	s.Ready = func(context.Context) error { return errors.New("db down") }
	if rec := get(t, router, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing check = %d, want 503", rec.Code)
	}
}

func TestStatusReportsRosterAndDepths(t *testing.T) {
	t.Parallel()

	s := testServer(t, &fakeEventStore{})
	s.QueueDepth = func() int { return 7 }
	s.PendingAlerts = func() (int, int) { return 2, 5 }

	rec := get(t, s.Router(), "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var reply statusReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Tenants != 2 || reply.ActiveTenants != 1 {
		t.Errorf("tenants = %d/%d active, want 2/1", reply.Tenants, reply.ActiveTenants)
	}
	if reply.QueueDepth != 7 || reply.PendingHourly != 2 || reply.PendingDaily != 5 {
		t.Errorf("depths = %d/%d/%d", reply.QueueDepth, reply.PendingHourly, reply.PendingDaily)
	}
}

func TestTenantsExcludesHeaders(t *testing.T) {
	t.Parallel()

	rec := get(t, testServer(t, &fakeEventStore{}).Router(), "/api/v1/tenants")
	if rec.Code != http.StatusOK {
		t.Fatalf("tenants = %d", rec.Code)
	}
	var reply struct {
		Tenants []tenantReply `json:"tenants"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if len(reply.Tenants) != 2 {
		t.Fatalf("tenants = %d, want the full roster", len(reply.Tenants))
	}
	if strings.Contains(rec.Body.String(), "headers") {
		t.Error("tenant payload must not leak request headers")
	}
}

func TestRunsLimitHandling(t *testing.T) {
	t.Parallel()

	store := &fakeEventStore{}
	for i := 0; i < 30; i++ {
		store.runs = append(store.runs, types.ImportRun{ID: "run", TenantSlug: "toyota-au"})
	}
	router := testServer(t, store).Router()

	var reply struct {
		Runs []types.ImportRun `json:"runs"`
	}
	rec := get(t, router, "/api/v1/runs")
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if len(reply.Runs) != defaultRunsLimit {
		t.Errorf("default limit served %d runs, want %d", len(reply.Runs), defaultRunsLimit)
	}

	if rec := get(t, router, "/api/v1/runs?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}
	if rec := get(t, router, "/api/v1/runs?limit=5"); rec.Code != http.StatusOK {
		t.Errorf("limit=5 = %d", rec.Code)
	}
}

func TestRunsStoreFailureIsInternalError(t *testing.T) {
	t.Parallel()

	rec := get(t, testServer(t, &fakeEventStore{err: errors.New("boom")}).Router(), "/api/v1/runs")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("store failure = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Error("internal errors must not leak to clients")
	}
}

func TestMetricsEndpointServesCollectors(t *testing.T) {
	t.Parallel()

	promReg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(promReg)
	m.ChecksTotal.WithLabelValues("toyota-au", "changed").Inc()
	s := NewServer(zap.NewNop(), config.HTTPConfig{Addr: ":0"}, testRegistry(t), &fakeEventStore{}, promReg)

	rec := get(t, s.Router(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "oemwatch_scheduler_checks_total") {
		t.Error("metrics payload missing pipeline collectors")
	}
}
