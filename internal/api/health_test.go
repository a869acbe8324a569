package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/webgrove/api/internal/config"
	"github.com/webgrove/api/internal/database"
)

type stubEngine struct {
	running bool
}

func (s stubEngine) IsRunning() bool { return s.running }

func serveHealth(t *testing.T, engine EngineStatus) (int, HealthResponse) {
	t.Helper()
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("open memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	handler := NewHealthHandler(&config.Settings{Version: "test"}, db, engine)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, resp
}

func TestHealthHealthy(t *testing.T) {
	code, resp := serveHealth(t, stubEngine{running: true})
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "healthy" || !resp.DatabaseConnected || !resp.EngineRunning {
		t.Errorf("response = %+v", resp)
	}
	if resp.Version != "test" {
		t.Errorf("version = %q", resp.Version)
	}
}

func TestHealthDegradedWhenEngineStopped(t *testing.T) {
	code, resp := serveHealth(t, stubEngine{running: false})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "degraded" || resp.EngineRunning {
		t.Errorf("response = %+v", resp)
	}
	// The database itself is still reachable.
	if !resp.DatabaseConnected {
		t.Error("database reported down")
	}
}

func TestHealthDegradedWithoutEngine(t *testing.T) {
	code, resp := serveHealth(t, nil)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "degraded" {
		t.Errorf("status field = %q", resp.Status)
	}
}
