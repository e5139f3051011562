package handlers

import (
	"net/http"

	"sasi-cats/internal/startup"
)

// VersionResponse is the build plus the encoding setup artifacts are keyed on.
type VersionResponse struct {
	startup.BuildInfo
	Workflow string `json:"workflow"`
	Profile  string `json:"profile"`
}

// GetVersion reports the build and the active workflow and profile. Two
// servers with the same workflow and profile produce interchangeable caches.
func (h *Handlers) GetVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSONStatus(w, VersionResponse{
		BuildInfo: startup.GetBuildInfo(),
		Workflow:  string(h.svc.Workflow()),
		Profile:   h.svc.ProfileID(),
	}, http.StatusOK)
}
