package handlers

import (
	"fmt"
	"html"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"sasi-cats/internal/cache"
	"sasi-cats/internal/mediatypes"
	"sasi-cats/internal/pipeline"
)

const mediaLinkTemplate = `<?xml version="1.0"?>
<?quicktime type="application/x-quicktime-media-link"?>
<embed src="%s" autoplay="true" />
`

// baseURL is PublicURL when set, else the scheme and host the client used.
func (h *Handlers) baseURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		return strings.TrimRight(h.cfg.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (h *Handlers) streamURL(r *http.Request, key cache.Key) string {
	return h.baseURL(r) + "/stream/" + key.String() + ".mov"
}

func (h *Handlers) playURL(r *http.Request, key cache.Key) string {
	return h.baseURL(r) + "/play/" + key.String() + ".qtl"
}

// writeMediaLink sends a QuickTime Media Link pointing at key's stream.
func (h *Handlers) writeMediaLink(w http.ResponseWriter, r *http.Request, key cache.Key, source string) {
	name := key.Short()
	if source != "" {
		name = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}

	w.Header().Set("Content-Type", mediatypes.MimeMediaLink)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": name + ".qtl",
	}))
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, mediaLinkTemplate, html.EscapeString(h.streamURL(r, key)))
}

// PlayPath handles /play?path=. It requests the transcode and answers with
// a media link right away so QuickTime can start tailing the stream.
func (h *Handlers) PlayPath(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSONError(w, "path is required", http.StatusBadRequest)
		return
	}
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
	h.writeMediaLink(w, r, ticket.Key, ticket.Source)
}

// PlayKey handles /play/{key}.qtl for a key the server already knows.
func (h *Handlers) PlayKey(w http.ResponseWriter, r *http.Request) {
	key, err := keyVar(r, ".qtl")
	if err != nil {
		writeJSONError(w, "invalid key", http.StatusBadRequest)
		return
	}

	st := h.svc.Status(key)
	if st.State == pipeline.StateAbsent {
		writeJSONStatus(w, st, http.StatusNotFound)
		return
	}
	h.writeMediaLink(w, r, key, st.Source)
}
