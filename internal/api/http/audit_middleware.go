package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/examstack/exambridge/internal/audit"
	"github.com/examstack/exambridge/internal/auth"
)

// AuditFailures records every non-success response in the audit log,
// tagged with the endpoint and the kind from the error body. Success
// entries are written by the individual handlers.
func AuditFailures(store *audit.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &failureRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status < http.StatusBadRequest {
				return
			}

			var body struct {
				Kind string `json:"kind"`
			}
			_ = json.Unmarshal(rec.body.Bytes(), &body)
			result := body.Kind
			if result == "" {
				result = strconv.Itoa(rec.status)
			}

			actorType, actorID := audit.ActorSystem, ""
			if c := auth.StaffFromContext(r.Context()); c != nil {
				actorType, actorID = audit.ActorStaff, strconv.FormatInt(c.StaffID, 10)
			} else if s := auth.SessionFromContext(r.Context()); s != nil {
				actorType, actorID = audit.ActorStudent, s.MoodleUsername
			}
			_ = store.Log(r.Context(), audit.Entry{
				Action:    r.Method + " " + r.URL.Path,
				ActorType: actorType,
				ActorID:   actorID,
				Target:    r.URL.Path,
				Result:    result,
			})
		})
	}
}

// failureRecorder captures the status and the start of the body so the
// error kind can be pulled out after the handler ran.
type failureRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *failureRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *failureRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if r.status >= http.StatusBadRequest && r.body.Len() < 1024 {
		r.body.Write(p)
	}
	return r.ResponseWriter.Write(p)
}
