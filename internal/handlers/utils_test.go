package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sasi-cats/internal/cache"
	"sasi-cats/internal/pipeline"
	"sasi-cats/internal/queue"
)

// =============================================================================
// writeJSON Tests
// =============================================================================

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{"Simple map", map[string]string{"status": "ok"}, `{"status":"ok"}`},
		{"Empty slice", []string{}, `[]`},
		{"Null", nil, `null`},
		{"Job status", queue.JobStatus{Key: "ab", State: queue.StateQueued, Position: 2}, `"position":2`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeJSON(w, tt.input)

			body := strings.TrimSuffix(w.Body.String(), "\n")
			if !strings.Contains(body, tt.expected) {
				t.Errorf("Expected %q in %q", tt.expected, body)
			}
		})
	}
}

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	writeJSONError(w, "job not found", http.StatusNotFound)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %q", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if body["error"] != "job not found" {
		t.Errorf("Expected error message, got %q", body["error"])
	}
}

func TestWriteJSONStatus(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	writeJSONStatus(w, map[string]int{"queued": 3}, http.StatusAccepted)

	if w.Code != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", w.Code)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Expected Cache-Control no-cache, got %q", cc)
	}
}

// =============================================================================
// Error Mapping Tests
// =============================================================================

func TestWriteRequestError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("resolve: %w", pipeline.ErrOutsideMedia), http.StatusForbidden},
		{pipeline.ErrUnsupportedType, http.StatusUnsupportedMediaType},
		{fmt.Errorf("%w: no such file", pipeline.ErrSourceNotFound), http.StatusNotFound},
		{queue.ErrNoSource, http.StatusBadRequest},
		{queue.ErrJobNotFound, http.StatusNotFound},
		{queue.ErrNotCancelable, http.StatusConflict},
		{cache.ErrWipeInProgress, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			writeRequestError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

// =============================================================================
// Request Parsing Tests
// =============================================================================

func TestParseTranscodeRequest(t *testing.T) {
	t.Parallel()

	t.Run("JSON body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/transcode",
			strings.NewReader(`{"path":"a/b.mp4","priority":7}`))
		req.Header.Set("Content-Type", "application/json")

		got, err := parseTranscodeRequest(req)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got.Path != "a/b.mp4" || got.priority() != 7 {
			t.Errorf("Expected a/b.mp4 at 7, got %q at %d", got.Path, got.priority())
		}
	})

	t.Run("form values", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/folder?path=shows&priority=-2&sort=size&order=desc", http.NoBody)

		got, err := parseTranscodeRequest(req)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got.Path != "shows" || got.priority() != -2 || got.Sort != "size" || got.Order != "desc" {
			t.Errorf("Unexpected parse result: %+v", got)
		}
	})

	t.Run("bad priority", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/transcode?path=a.mp4&priority=high", http.NoBody)
		if _, err := parseTranscodeRequest(req); err == nil {
			t.Error("Expected error for non-numeric priority")
		}
	})

	t.Run("empty JSON body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/transcode?path=a.mp4", http.NoBody)
		req.Header.Set("Content-Type", "application/json")
		got, err := parseTranscodeRequest(req)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got.Path != "a.mp4" || got.Priority != nil {
			t.Errorf("Expected query fallback, got %+v", got)
		}
	})
}

func TestFormBool(t *testing.T) {
	t.Parallel()

	for v, want := range map[string]bool{"1": true, "true": true, "YES": true, "0": false, "": false, "nope": false} {
		req := httptest.NewRequest(http.MethodPost, "/x?force="+v, http.NoBody)
		if got := formBool(req, "force"); got != want {
			t.Errorf("Expected formBool(%q) = %v, got %v", v, want, got)
		}
	}
}
