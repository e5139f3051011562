package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"sasi-cats/internal/cache"
	"sasi-cats/internal/logging"
	"sasi-cats/internal/pipeline"
	"sasi-cats/internal/queue"

	"github.com/gorilla/mux"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 * 1024

// writeJSON encodes v as JSON and writes it to the response writer.
// Any encoding or write errors are logged since we typically cannot
// recover from them in an HTTP handler context.
func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes an error response as JSON with the given status code.
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	writeJSON(w, map[string]string{"error": message})
}

// writeJSONStatus writes v as JSON with the given status code.
func writeJSONStatus(w http.ResponseWriter, v interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(statusCode)
	writeJSON(w, v)
}

// decodeBody decodes a JSON body into v. Non-JSON bodies are left for
// FormValue.
func decodeBody(r *http.Request, v interface{}) error {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// formInt reads an integer form or query value. ok is false when absent.
func formInt(r *http.Request, name string) (n int, ok bool, err error) {
	v := r.FormValue(name)
	if v == "" {
		return 0, false, nil
	}
	n, err = strconv.Atoi(v)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// formBool accepts 1/true/yes.
func formBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.FormValue(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// keyVar parses the {key} route variable, dropping a file extension.
func keyVar(r *http.Request, ext string) (cache.Key, error) {
	raw := mux.Vars(r)["key"]
	raw = strings.TrimSuffix(raw, ext)
	return cache.ParseKey(raw)
}

// writeRequestError maps a request failure to an HTTP status.
func writeRequestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrOutsideMedia):
		writeJSONError(w, "path is outside the media directory", http.StatusForbidden)
	case errors.Is(err, pipeline.ErrUnsupportedType):
		writeJSONError(w, "unsupported file type", http.StatusUnsupportedMediaType)
	case errors.Is(err, pipeline.ErrSourceNotFound):
		writeJSONError(w, "source not found", http.StatusNotFound)
	case errors.Is(err, queue.ErrNoSource):
		writeJSONError(w, "path is required", http.StatusBadRequest)
	case errors.Is(err, queue.ErrJobNotFound):
		writeJSONError(w, "job not found", http.StatusNotFound)
	case errors.Is(err, queue.ErrBatchNotFound):
		writeJSONError(w, "batch not found", http.StatusNotFound)
	case errors.Is(err, queue.ErrNotCancelable):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, cache.ErrWipeInProgress):
		writeJSONError(w, "cache wipe in progress", http.StatusConflict)
	default:
		logging.Error("Request failed: %v", err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}
