package jobs

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/kilianp07/fleetjobs/core/fleeterr"
	"github.com/kilianp07/fleetjobs/core/store"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error  string   `json:"error"`
	Kind   string   `json:"kind,omitempty"`
	Reason string   `json:"reason,omitempty"`
	Hints  []string `json:"hints,omitempty"`
}

// StatusOf maps an error to its HTTP status.
func StatusOf(err error) int {
	switch fleeterr.KindOf(err) {
	case fleeterr.KindValidation:
		return http.StatusBadRequest
	case fleeterr.KindConstraint, fleeterr.KindUnresolvable:
		return http.StatusUnprocessableEntity
	case fleeterr.KindConflict:
		return http.StatusConflict
	case fleeterr.KindExternalStore:
		return http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func errorBody(err error) ErrorBody {
	body := ErrorBody{Error: err.Error()}
	if fe, ok := fleeterr.From(err); ok {
		body.Kind = fe.Kind.String()
		body.Reason = string(fe.Reason)
		body.Hints = fleeterr.Hints(err)
	}
	return body
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusOf(err), errorBody(err))
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Error: msg, Kind: fleeterr.KindValidation.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
