package handlers

import (
	"net/http"
	"testing"

	"sasi-cats/internal/startup"
)

func TestGetVersion(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	w := f.do(http.MethodGet, "/version", nil, nil)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %q", ct)
	}

	info := decode[VersionResponse](t, w)
	if info.Version != startup.Version {
		t.Errorf("Expected version %q, got %q", startup.Version, info.Version)
	}
	if info.Workflow != string(f.svc.Workflow()) {
		t.Errorf("Expected workflow %q, got %q", f.svc.Workflow(), info.Workflow)
	}
	if info.Profile == "" || info.Profile != f.svc.ProfileID() {
		t.Errorf("Expected profile %q, got %q", f.svc.ProfileID(), info.Profile)
	}
}
