package handlers

import (
	"net/http"
	"runtime"
	"time"

	"sasi-cats/internal/startup"
)

const (
	statusHealthy = "healthy"
	statusWiping  = "wiping"
)

// HealthResponse contains the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Ready   bool   `json:"ready"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`

	// Pipeline info
	Workflow     string `json:"workflow"`
	Slots        int    `json:"slots"`
	QueuedJobs   int    `json:"queuedJobs"`
	RunningJobs  int    `json:"runningJobs"`
	CacheEntries int    `json:"cacheEntries"`

	// System info
	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

// HealthCheck returns the health status of the service
func (h *Handlers) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	stats := h.svc.Stats()

	response := HealthResponse{
		Status:       statusHealthy,
		Ready:        !stats.Paused,
		Version:      startup.Version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		Workflow:     stats.Workflow,
		Slots:        stats.Slots,
		QueuedJobs:   stats.QueuedJobs,
		RunningJobs:  stats.RunningJobs,
		CacheEntries: stats.CompleteEntries,
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}
	if stats.Paused {
		response.Status = statusWiping
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeJSON(w, response)
}

// LivenessCheck is a simple liveness probe (always returns 200 if server is running)
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	// For HEAD requests, only send headers (no body)
	if r.Method != http.MethodHead {
		writeJSON(w, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessCheck returns 503 while a cache wipe holds the queue
func (h *Handlers) ReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.svc.Stats().Paused {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{
			"status": "not_ready",
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	writeJSON(w, map[string]string{
		"status": "ready",
	})
}
