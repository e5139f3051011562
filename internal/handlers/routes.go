package handlers

import (
	"github.com/gorilla/mux"
)

// Router builds the application routes.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()

	// Health check and version routes
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods("GET")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")

	// Player-facing routes
	r.HandleFunc("/stream/{key}", h.StreamArtifact).Methods("GET", "HEAD")
	r.HandleFunc("/play", h.PlayPath).Methods("GET")
	r.HandleFunc("/play/{key}", h.PlayKey).Methods("GET")

	// Queue API
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/transcode", h.RequestTranscode).Methods("POST")
	api.HandleFunc("/folder", h.RequestFolder).Methods("POST")
	api.HandleFunc("/batch/reset", h.ResetBatch).Methods("POST")
	api.HandleFunc("/queue", h.GetQueue).Methods("GET")
	api.HandleFunc("/jobs/{key}", h.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{key}/priority", h.SetPriority).Methods("POST")
	api.HandleFunc("/jobs/{key}/promote", h.PromoteJob).Methods("POST")
	api.HandleFunc("/jobs/{key}/cancel", h.CancelJob).Methods("POST")
	api.HandleFunc("/cache/wipe", h.WipeCache).Methods("POST")
	api.HandleFunc("/stats", h.GetStats).Methods("GET")

	return r
}
