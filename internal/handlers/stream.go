package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"sasi-cats/internal/cache"
	"sasi-cats/internal/filesystem"
	"sasi-cats/internal/logging"
	"sasi-cats/internal/mediatypes"
	"sasi-cats/internal/metrics"
	"sasi-cats/internal/pipeline"
	"sasi-cats/internal/streaming"
)

// retryAfterSeconds is sent with 202 responses for keys still queued.
const retryAfterSeconds = "2"

// countingWriter counts body bytes that reach the client.
type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}

// StreamArtifact serves /stream/{key}. Complete entries are served with
// Range support. Entries being written are tailed until they finish when the
// output profile is append-only, and answered 202 otherwise.
func (h *Handlers) StreamArtifact(w http.ResponseWriter, r *http.Request) {
	key, err := keyVar(r, ".mov")
	if err != nil {
		writeJSONError(w, "invalid key", http.StatusBadRequest)
		return
	}

	entry := h.svc.Lookup(key)
	switch entry.State {
	case cache.StateComplete:
		if h.serveComplete(w, r, entry) {
			return
		}
	case cache.StateWriting:
		if !h.svc.Tailable() {
			h.serveInProgress(w, key)
			return
		}
		h.serveTail(w, r, key)
		return
	}

	h.serveAbsent(w, r, key)
}

// serveComplete returns false if the artifact vanished under us.
func (h *Handlers) serveComplete(w http.ResponseWriter, r *http.Request, entry cache.Entry) bool {
	f, err := filesystem.OpenWithRetry(entry.Path, filesystem.DefaultRetryConfig())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false
		}
		logging.Error("Failed to open artifact %s: %v", entry.Key.Short(), err)
		writeJSONError(w, "artifact unreadable", http.StatusInternalServerError)
		return true
	}
	defer f.Close()

	metrics.StreamsActive.WithLabelValues("file").Inc()
	defer metrics.StreamsActive.WithLabelValues("file").Dec()

	w.Header().Set("Content-Type", mediatypes.MimeQuickTime)
	w.Header().Set("Accept-Ranges", "bytes")

	cw := &countingWriter{ResponseWriter: w}
	http.ServeContent(cw, r, entry.Key.String()+".mov", entry.CreatedAt, f)
	metrics.StreamBytesTotal.WithLabelValues("file").Add(float64(cw.n))
	return true
}

// serveInProgress answers for an entry whose bytes may still be rewritten
// before it is published.
func (h *Handlers) serveInProgress(w http.ResponseWriter, key cache.Key) {
	w.Header().Set("Retry-After", retryAfterSeconds)
	writeJSONStatus(w, h.svc.Status(key), http.StatusAccepted)
}

// serveTail streams an entry that is still being written. There is no
// Content-Length, and ranges are ignored.
func (h *Handlers) serveTail(w http.ResponseWriter, r *http.Request, key cache.Key) {
	w.Header().Set("Content-Type", mediatypes.MimeQuickTime)
	w.Header().Set("Accept-Ranges", "none")
	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	log := logging.For("stream").With(key.Short())

	tail := streaming.NewTailReader(r.Context(), h.svc.Observe(key), h.cfg.TailPoll)
	defer tail.Close()

	metrics.StreamsActive.WithLabelValues("tail").Inc()
	defer metrics.StreamsActive.WithLabelValues("tail").Dec()

	start := time.Now()
	n, err := streaming.StreamWithTimeout(r.Context(), w, tail, h.cfg.Stream)
	metrics.StreamBytesTotal.WithLabelValues("tail").Add(float64(n))

	switch {
	case err == nil:
		metrics.StreamsTotal.WithLabelValues("complete").Inc()
		log.Debug("Tail stream complete: %d bytes in %v", n, time.Since(start))

	case errors.Is(err, streaming.ErrArtifactChanged):
		metrics.StreamsTotal.WithLabelValues("changed").Inc()
		log.Error("Artifact changed after %d bytes were sent; aborting", n)
		panic(http.ErrAbortHandler)

	case errors.Is(err, streaming.ErrArtifactFailed):
		metrics.StreamsTotal.WithLabelValues("failed").Inc()
		log.Warn("Artifact failed after %d bytes: %v", n, err)
		if n == 0 {
			w.Header().Del("Accept-Ranges")
			writeJSONStatus(w, h.svc.Status(key), http.StatusBadGateway)
			return
		}
		// A clean chunk terminator would let the player keep a truncated movie
		panic(http.ErrAbortHandler)

	case errors.Is(err, streaming.ErrWriteTimeout):
		metrics.StreamsTotal.WithLabelValues("timeout").Inc()
		log.Warn("Client write timed out after %d bytes", n)
		if n > 0 {
			panic(http.ErrAbortHandler)
		}

	default:
		metrics.StreamsTotal.WithLabelValues("client_gone").Inc()
		log.Debug("Client went away after %d bytes: %v", n, err)
	}
}

// serveAbsent answers for a key with no artifact yet.
func (h *Handlers) serveAbsent(w http.ResponseWriter, r *http.Request, key cache.Key) {
	st := h.svc.Status(key)
	switch {
	case st.Job != nil:
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSONStatus(w, st, http.StatusAccepted)
		return
	case st.State == pipeline.StateComplete || st.State == pipeline.StateWriting:
		// Published between the lookup and now; let the client come straight back.
		w.Header().Set("Retry-After", "0")
		writeJSONStatus(w, st, http.StatusAccepted)
		return
	}

	if path := r.URL.Query().Get("path"); path != "" {
		priority, _, err := formInt(r, "priority")
		if err != nil {
			writeJSONError(w, "invalid priority", http.StatusBadRequest)
			return
		}
		ticket, err := h.svc.Request(path, priority)
		if err != nil {
			writeRequestError(w, err)
			return
		}
		if ticket.Key != key {
			logging.Debug("Stream %s requested by path %s, which now maps to %s",
				key.Short(), filepath.Base(ticket.Source), ticket.Key.Short())
		}
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSONStatus(w, h.svc.Status(ticket.Key), http.StatusAccepted)
		return
	}

	if st.Failure != nil {
		writeJSONStatus(w, st, http.StatusBadGateway)
		return
	}
	writeJSONStatus(w, st, http.StatusNotFound)
}
