package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthWithoutEngine(t *testing.T) {
	hm := NewHealthMonitor()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	hm.handleHealth(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503 while no model is loaded", rec.Code)
	}

	var st HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if st.Status != "loading" {
		t.Errorf("status %q, want loading", st.Status)
	}
	if st.Model.Loaded {
		t.Error("model reported loaded before SetEngine")
	}
	if st.System.NumCPU <= 0 {
		t.Error("system info missing")
	}
}
