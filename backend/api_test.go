package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhilfond/domo/backend/servicemode"
)

func TestHealthReportsServiceMode(t *testing.T) {
	api := &API{modes: servicemode.NewController()}

	check := func(want string) {
		t.Helper()
		rec := httptest.NewRecorder()
		api.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status %d", rec.Code)
		}
		var body struct {
			Status      string `json:"status"`
			ServiceMode string `json:"service_mode"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Status != "ok" {
			t.Fatalf("health status %q", body.Status)
		}
		if body.ServiceMode != want {
			t.Fatalf("service_mode %q, want %q", body.ServiceMode, want)
		}
	}

	check("FULL")
	api.modes.Set(servicemode.ModeDegraded)
	check("DEGRADED")
}
