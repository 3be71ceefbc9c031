// Package http is the REST surface: staff upload and administration,
// student dashboard and submission, extraction utilities.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/examstack/exambridge/internal/artifact"
	"github.com/examstack/exambridge/internal/auth"
	"github.com/examstack/exambridge/internal/ident"
	"github.com/examstack/exambridge/internal/mapping"
	"github.com/examstack/exambridge/internal/moodle"
	"github.com/examstack/exambridge/internal/storage"
	"github.com/examstack/exambridge/internal/submit"
)

// Error kinds carried in every error body. Clients branch on kind, not
// on message text.
const (
	KindValidation         = "VALIDATION"
	KindAuthRequired       = "AUTH_REQUIRED"
	KindAuthInvalid        = "AUTH_INVALID"
	KindAuthz              = "AUTHZ"
	KindNotFound           = "NOT_FOUND"
	KindConflict           = "CONFLICT"
	KindUpstreamTransient  = "UPSTREAM_TRANSIENT"
	KindUpstreamReject     = "UPSTREAM_REJECT"
	KindStorageUnavailable = "STORAGE_UNAVAILABLE"
	KindInternal           = "INTERNAL"
)

type errorBody struct {
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorBody{Kind: kind, Message: msg})
}

func writeErrorDetails(w http.ResponseWriter, status int, kind, msg string, details interface{}) {
	writeJSON(w, status, errorBody{Kind: kind, Message: msg, Details: details})
}

// AuthError is the callback handed to the auth middleware. Absent
// credentials are AUTH_REQUIRED; presented-but-dead ones AUTH_INVALID.
func AuthError(w http.ResponseWriter, status int, err error) {
	kind := KindAuthInvalid
	switch {
	case status == http.StatusForbidden:
		kind = KindAuthz
	case errors.Is(err, auth.ErrNoCredentials):
		kind = KindAuthRequired
	}
	writeError(w, status, kind, err.Error())
}

// writeFromError maps domain errors onto the taxonomy. Unrecognized
// errors become INTERNAL without leaking detail.
func writeFromError(w http.ResponseWriter, err error) {
	var parseErr *ident.ParseError
	switch {
	case errors.As(err, &parseErr):
		writeError(w, http.StatusBadRequest, KindValidation, parseErr.Error())
	case errors.Is(err, artifact.ErrNotFound), errors.Is(err, mapping.ErrNotFound):
		writeError(w, http.StatusNotFound, KindNotFound, "not found")
	case errors.Is(err, submit.ErrInFlight):
		writeError(w, http.StatusConflict, KindConflict, "submission already in progress")
	case errors.Is(err, submit.ErrNotSubmittable):
		writeError(w, http.StatusConflict, KindConflict, err.Error())
	case errors.Is(err, submit.ErrNoMapping):
		writeError(w, http.StatusConflict, KindConflict, err.Error())
	case errors.Is(err, submit.ErrNotOwner):
		writeError(w, http.StatusForbidden, KindAuthz, "this paper belongs to another student")
	case errors.Is(err, auth.ErrSessionInvalid):
		writeError(w, http.StatusUnauthorized, KindAuthInvalid, "session invalid or expired")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, KindAuthInvalid, "invalid credentials")
	case errors.Is(err, storage.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, KindStorageUnavailable, "file bytes unavailable")
	default:
		if writeMoodleError(w, err) {
			return
		}
		writeError(w, http.StatusInternalServerError, KindInternal, "internal error")
	}
}

func writeMoodleError(w http.ResponseWriter, err error) bool {
	var apiErr *moodle.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Kind {
	case moodle.KindAuthInvalid:
		msg := apiErr.Message
		if msg == "" {
			msg = "credentials rejected by Moodle"
		}
		writeError(w, http.StatusUnauthorized, KindAuthInvalid, msg)
	case moodle.KindAuthz:
		writeError(w, http.StatusForbidden, KindAuthz, apiErr.Message)
	case moodle.KindPayloadReject:
		writeErrorDetails(w, http.StatusBadGateway, KindUpstreamReject, apiErr.Message,
			map[string]string{"errorcode": apiErr.ErrorCode})
	default:
		writeErrorDetails(w, http.StatusBadGateway, KindUpstreamTransient, apiErr.Message,
			map[string]string{"errorcode": apiErr.ErrorCode})
	}
	return true
}
