package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthReflectsComponents(t *testing.T) {
	RegisterComponent("store", true, "")
	RegisterComponent("queue", true, "")
	RegisterComponent("api", true, "")

	health := GetHealth()
	if health.Status != "healthy" {
		t.Errorf("GetHealth().Status = %q, want healthy", health.Status)
	}

	UpdateComponent("queue", false, "connection refused")
	health = GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("GetHealth().Status = %q, want unhealthy", health.Status)
	}
	if health.Components["queue"] != "unhealthy: connection refused" {
		t.Errorf("queue component = %q", health.Components["queue"])
	}

	UpdateComponent("queue", true, "")
}

func TestReadinessRequiresCriticalComponents(t *testing.T) {
	RegisterComponent("store", true, "")
	RegisterComponent("queue", true, "")
	RegisterComponent("api", true, "")

	readiness := GetReadiness()
	if readiness.Status != "ready" {
		t.Errorf("GetReadiness().Status = %q, want ready", readiness.Status)
	}

	UpdateComponent("store", false, "migrating")
	readiness = GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("GetReadiness().Status = %q, want not_ready", readiness.Status)
	}

	UpdateComponent("store", true, "")
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	RegisterComponent("store", true, "")
	RegisterComponent("queue", true, "")
	RegisterComponent("api", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthy handler status = %d, want 200", rec.Code)
	}

	UpdateComponent("api", false, "listener down")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy handler status = %d, want 503", rec.Code)
	}

	UpdateComponent("api", true, "")
}

func TestLivenessAlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness status = %d, want 200", rec.Code)
	}
}
