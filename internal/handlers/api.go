package handlers

import (
	"context"
	"net/http"
	"time"

	"sasi-cats/internal/mediatypes"
	"sasi-cats/internal/pipeline"
	"sasi-cats/internal/queue"
)

// wipeTimeout bounds how long a wipe waits for running writers to abort.
const wipeTimeout = 2 * time.Minute

type transcodeRequest struct {
	Path     string `json:"path"`
	Priority *int   `json:"priority"`
	Sort     string `json:"sort"`
	Order    string `json:"order"`
}

// TranscodeResponse describes one accepted request.
type TranscodeResponse struct {
	Key       string `json:"key"`
	Source    string `json:"source"`
	State     string `json:"state"`
	StreamURL string `json:"streamUrl"`
	PlayURL   string `json:"playUrl"`
	JobID     string `json:"jobId,omitempty"`
}

// FolderResponse describes a folder batch.
type FolderResponse struct {
	Folder    string              `json:"folder"`
	Batch     string              `json:"batch"`
	Requested int                 `json:"requested"`
	Items     []TranscodeResponse `json:"items"`
}

// WipeResponse reports what a wipe removed.
type WipeResponse struct {
	Entries    int   `json:"entries"`
	FreedBytes int64 `json:"freedBytes"`
	Canceled   int   `json:"canceled"`
}

type priorityRequest struct {
	Priority *int `json:"priority"`
}

type cancelRequest struct {
	Force bool `json:"force"`
}

type batchRequest struct {
	Batch string `json:"batch"`
}

// BatchResetResponse reports a batch reset.
type BatchResetResponse struct {
	Batch    string `json:"batch,omitempty"`
	Canceled int    `json:"canceled"`
}

// parseTranscodeRequest reads a JSON body or form/query values.
func parseTranscodeRequest(r *http.Request) (transcodeRequest, error) {
	var req transcodeRequest
	if err := decodeBody(r, &req); err != nil {
		return req, err
	}
	if req.Path == "" {
		req.Path = r.FormValue("path")
	}
	if req.Priority == nil {
		p, ok, err := formInt(r, "priority")
		if err != nil {
			return req, err
		}
		if ok {
			req.Priority = &p
		}
	}
	if req.Sort == "" {
		req.Sort = r.FormValue("sort")
	}
	if req.Order == "" {
		req.Order = r.FormValue("order")
	}
	return req, nil
}

func (req transcodeRequest) priority() int {
	if req.Priority == nil {
		return 0
	}
	return *req.Priority
}

func (h *Handlers) ticketResponse(r *http.Request, t pipeline.Ticket) TranscodeResponse {
	resp := TranscodeResponse{
		Key:       t.Key.String(),
		Source:    h.svc.RelPath(t.Source),
		StreamURL: h.streamURL(r, t.Key),
		PlayURL:   h.playURL(r, t.Key),
		JobID:     t.Handle.JobID(),
	}
	if t.Handle.Immediate() {
		resp.State = pipeline.StateComplete
	} else {
		resp.State = h.svc.Status(t.Key).State
	}
	return resp
}

// RequestTranscode handles POST /api/transcode.
func (h *Handlers) RequestTranscode(w http.ResponseWriter, r *http.Request) {
	req, err := parseTranscodeRequest(r)
	if err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		writeJSONError(w, "path is required", http.StatusBadRequest)
		return
	}

	ticket, err := h.svc.Request(req.Path, req.priority())
	if err != nil {
		writeRequestError(w, err)
		return
	}

	resp := h.ticketResponse(r, ticket)
	status := http.StatusAccepted
	if resp.State == pipeline.StateComplete {
		status = http.StatusOK
	}
	writeJSONStatus(w, resp, status)
}

// RequestFolder handles POST /api/folder.
func (h *Handlers) RequestFolder(w http.ResponseWriter, r *http.Request) {
	req, err := parseTranscodeRequest(r)
	if err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}

	field, order := mediatypes.ParseSort(req.Sort, req.Order)
	tickets, err := h.svc.RequestFolder(req.Path, req.priority(), field, order)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	resp := FolderResponse{
		Folder:    req.Path,
		Requested: len(tickets),
		Items:     make([]TranscodeResponse, 0, len(tickets)),
	}
	for _, t := range tickets {
		resp.Batch = t.Batch
		resp.Items = append(resp.Items, h.ticketResponse(r, t))
	}
	writeJSONStatus(w, resp, http.StatusAccepted)
}

// GetQueue handles GET /api/queue.
func (h *Handlers) GetQueue(w http.ResponseWriter, _ *http.Request) {
	jobs := h.svc.List()
	if jobs == nil {
		jobs = []queue.JobStatus{}
	}
	for i := range jobs {
		jobs[i].Source = h.svc.RelPath(jobs[i].Source)
	}
	writeJSONStatus(w, jobs, http.StatusOK)
}

// GetJob handles GET /api/jobs/{key}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	key, err := keyVar(r, "")
	if err != nil {
		writeJSONError(w, "invalid key", http.StatusBadRequest)
		return
	}

	st := h.svc.Status(key)
	if st.State == pipeline.StateAbsent {
		writeJSONStatus(w, st, http.StatusNotFound)
		return
	}
	writeJSONStatus(w, st, http.StatusOK)
}

// SetPriority handles POST /api/jobs/{key}/priority.
func (h *Handlers) SetPriority(w http.ResponseWriter, r *http.Request) {
	key, err := keyVar(r, "")
	if err != nil {
		writeJSONError(w, "invalid key", http.StatusBadRequest)
		return
	}

	var req priorityRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Priority == nil {
		p, ok, err := formInt(r, "priority")
		if err != nil || !ok {
			writeJSONError(w, "priority is required", http.StatusBadRequest)
			return
		}
		req.Priority = &p
	}

	if err := h.svc.Reprioritize(key, *req.Priority); err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSONStatus(w, h.svc.Status(key), http.StatusOK)
}

// PromoteJob handles POST /api/jobs/{key}/promote.
func (h *Handlers) PromoteJob(w http.ResponseWriter, r *http.Request) {
	key, err := keyVar(r, "")
	if err != nil {
		writeJSONError(w, "invalid key", http.StatusBadRequest)
		return
	}

	if _, err := h.svc.Promote(key); err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSONStatus(w, h.svc.Status(key), http.StatusOK)
}

// CancelJob handles POST /api/jobs/{key}/cancel. Running jobs need force=1.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	key, err := keyVar(r, "")
	if err != nil {
		writeJSONError(w, "invalid key", http.StatusBadRequest)
		return
	}

	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	force := req.Force || formBool(r, "force")

	if err := h.svc.Cancel(key, force); err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSONStatus(w, map[string]string{"key": key.String(), "state": string(queue.StateCanceled)}, http.StatusOK)
}

// ResetBatch handles POST /api/batch/reset. Without a batch ID it resets the
// active folder batch.
func (h *Handlers) ResetBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Batch == "" {
		req.Batch = r.FormValue("batch")
	}

	n, err := h.svc.ResetBatch(req.Batch)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSONStatus(w, BatchResetResponse{Batch: req.Batch, Canceled: n}, http.StatusOK)
}

// WipeCache handles POST /api/cache/wipe.
func (h *Handlers) WipeCache(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), wipeTimeout)
	defer cancel()

	stats, err := h.svc.Wipe(ctx)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	writeJSONStatus(w, WipeResponse{
		Entries:    stats.Entries,
		FreedBytes: stats.FreedBytes,
		Canceled:   stats.Canceled,
	}, http.StatusOK)
}

// GetStats handles GET /api/stats.
func (h *Handlers) GetStats(w http.ResponseWriter, _ *http.Request) {
	writeJSONStatus(w, h.svc.Stats(), http.StatusOK)
}
