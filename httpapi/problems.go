// Package httpapi exposes the HTTP/JSON surface under /api/v1. Errors
// render as RFC 9457 problem details; documents cross the boundary as
// plain JSON objects.
package httpapi

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/blitedb/blite/fault"
)

// Problem is an RFC 9457 problem details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func statusOf(err error) (int, string) {
	switch fault.KindOf(err) {
	case fault.MissingKey:
		return http.StatusUnauthorized, "missing-key"
	case fault.InactiveUser:
		return http.StatusForbidden, "inactive-user"
	case fault.PermissionDenied:
		return http.StatusForbidden, "permission-denied"
	case fault.NotFound:
		return http.StatusNotFound, "not-found"
	case fault.Conflict:
		return http.StatusConflict, "conflict"
	case fault.InvalidInput:
		return http.StatusBadRequest, "invalid-input"
	case fault.SemanticFailure:
		return http.StatusUnprocessableEntity, "semantic-failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeProblem renders |err| as a problem+json response.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	var status, slug = statusOf(err)
	if status == http.StatusInternalServerError {
		log.WithFields(log.Fields{"path": r.URL.Path, "err": err}).Error("request failed")
	}
	var p = Problem{
		Type:     "https://blitedb.dev/problems/" + slug,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&p)
}

// writeJSON renders a success body.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// readJSON decodes a request body, rejecting unknown garbage early.
func readJSON(r *http.Request, into interface{}) error {
	var dec = json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		return fault.Errorf(fault.InvalidInput, "decoding request body: %s", err)
	}
	return nil
}
