package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loomweave/loomweave/pkg/llm"
	"github.com/loomweave/loomweave/pkg/turn"
)

// writeJSON encodes v unchanged as the response body. It adds no envelope
// of its own: callers put "ok" into v themselves, giving the flat
// {"ok": true, ...} shape of original_source/app.py's jsonify responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the {ok:false, error:"..."} envelope every non-2xx
// response uses.
func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// statusForError maps a turn/branchengine error to its HTTP status: a
// malformed request is 400, a missing entity is 404, anything else is an
// unhandled 500 — the three-way split the external-interface contract
// names.
func statusForError(err error) int {
	switch {
	case errors.Is(err, turn.ErrBranchUnavailable):
		return http.StatusNotFound
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleServerError writes the appropriate status for err, logging
// unhandled (500) failures at Error level and everything else at Debug.
func handleServerError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("httpapi: unhandled error", "error", err)
	} else {
		slog.Debug("httpapi: request error", "error", err)
	}
	writeError(w, status, err)
}

// gmErrorPayload builds the inline GM-error response the external
// interface calls for: an interactive HTTP turn that fails mid-generation
// gets its failure text back as the GM message content (so the UI shows
// it the way it shows any other GM reply) rather than a 5xx.
func gmErrorPayload(gmErr *llm.GMError) map[string]any {
	return map[string]any{
		"ok": true,
		"gm": map[string]any{"role": "gm", "content": gmErr.Text},
	}
}
