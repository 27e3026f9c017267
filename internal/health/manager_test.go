package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/tickets"
)

func healthyChecker(name string, critical bool) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{
			Component: name,
			Status:    StatusHealthy,
			Message:   "ok",
			Critical:  critical,
			Timestamp: time.Now(),
		}
	})
}

func failingChecker(name string, critical bool) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{
			Component: name,
			Status:    StatusUnhealthy,
			Message:   "down",
			Error:     "down",
			Critical:  critical,
			Timestamp: time.Now(),
		}
	})
}

func TestOverallHealthAllHealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	if err := m.RegisterChecker(healthyChecker("a", true)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.RegisterChecker(healthyChecker("b", false)); err != nil {
		t.Fatalf("register: %v", err)
	}

	overall := m.GetOverallHealth(context.Background())
	if overall.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %v (%s)", overall.Status, overall.Message)
	}
	if !m.IsReady(context.Background()) || !m.IsLive(context.Background()) {
		t.Fatal("healthy system must be ready and live")
	}
}

func TestCriticalFailureBlocksReadiness(t *testing.T) {
	m := NewManager(zap.NewNop())
	_ = m.RegisterChecker(healthyChecker("a", false))
	_ = m.RegisterChecker(failingChecker("store", true))

	overall := m.GetOverallHealth(context.Background())
	if overall.Status != StatusUnhealthy {
		t.Fatalf("critical failure must be unhealthy, got %v", overall.Status)
	}
	if m.IsReady(context.Background()) {
		t.Fatal("critical failure must not be ready")
	}
	if !m.IsLive(context.Background()) {
		t.Fatal("process is still live while a dependency is down")
	}
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(zap.NewNop())
	_ = m.RegisterChecker(healthyChecker("a", true))
	_ = m.RegisterChecker(failingChecker("redis", false))

	overall := m.GetOverallHealth(context.Background())
	if overall.Status != StatusDegraded {
		t.Fatalf("non-critical failure should degrade, got %v", overall.Status)
	}
	if !m.IsReady(context.Background()) {
		t.Fatal("degraded system stays ready")
	}
}

func TestDetailedHealthSummary(t *testing.T) {
	m := NewManager(zap.NewNop())
	_ = m.RegisterChecker(healthyChecker("a", true))
	_ = m.RegisterChecker(healthyChecker("b", false))
	_ = m.RegisterChecker(failingChecker("c", false))

	detailed := m.GetDetailedHealth(context.Background())
	if detailed.Summary.Total != 3 {
		t.Fatalf("total = %d", detailed.Summary.Total)
	}
	if detailed.Summary.Healthy != 2 || detailed.Summary.Unhealthy != 1 {
		t.Fatalf("summary = %+v", detailed.Summary)
	}
	if _, ok := detailed.Components["c"]; !ok {
		t.Fatal("components must be keyed by checker name")
	}
}

func TestTicketStoreChecker(t *testing.T) {
	store, err := tickets.NewDocumentStore(filepath.Join(t.TempDir(), "tickets.json"), zap.NewNop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	checker := NewTicketStoreHealthChecker(store, "document", zap.NewNop())
	result := checker.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Fatalf("empty store should be healthy: %+v", result)
	}
	if result.Details["backend"] != "document" {
		t.Fatalf("backend detail missing: %+v", result.Details)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(zap.NewNop())
	_ = m.RegisterChecker(healthyChecker("a", true))
	handler := NewHTTPHandler(m, zap.NewNop())
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	for _, path := range []string{"/health", "/health/ready", "/health/live", "/health/detailed"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: code %d", path, rec.Code)
		}
	}

	// Critical failure flips readiness to 503.
	_ = m.RegisterChecker(failingChecker("store", true))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with critical failure: code %d", rec.Code)
	}
}
