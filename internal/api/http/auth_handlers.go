package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/examstack/exambridge/internal/audit"
	"github.com/examstack/exambridge/internal/auth"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "bad json")
		return c, false
	}
	if c.Username == "" || c.Password == "" {
		writeError(w, http.StatusBadRequest, KindValidation, "username and password required")
		return c, false
	}
	return c, true
}

// auditAuth records a successful auth-surface call. Failures are picked
// up by the AuditFailures middleware.
func auditAuth(r *http.Request, store *audit.Store, action, actorType, actorID string) {
	if store == nil {
		return
	}
	_ = store.Log(r.Context(), audit.Entry{
		Action:    action,
		ActorType: actorType,
		ActorID:   actorID,
		Target:    r.URL.Path,
		Result:    "ok",
	})
}

func StaffLoginHandler(svc *auth.StaffService, auditLog *audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := decodeCredentials(w, r)
		if !ok {
			return
		}
		token, exp, err := svc.Login(r.Context(), c.Username, c.Password)
		if err != nil {
			writeFromError(w, err)
			return
		}
		auditAuth(r, auditLog, "STAFF_LOGIN", audit.ActorStaff, c.Username)
		writeJSON(w, http.StatusOK, map[string]string{
			"access_token": token,
			"token_type":   "bearer",
			"expires_at":   exp.UTC().Format(time.RFC3339),
		})
	}
}

func StaffMeHandler(svc *auth.StaffService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := auth.StaffFromContext(r.Context())
		u, err := svc.GetStaff(r.Context(), claims.StaffID)
		if err != nil {
			writeFromError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func StudentLoginHandler(sessions *auth.SessionService, auditLog *audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, ok := decodeCredentials(w, r)
		if !ok {
			return
		}
		sess, err := sessions.Login(r.Context(), c.Username, c.Password)
		if err != nil {
			writeFromError(w, err)
			return
		}
		auditAuth(r, auditLog, "STUDENT_LOGIN", audit.ActorStudent, sess.MoodleUsername)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session_id":      sess.ID,
			"moodle_username": sess.MoodleUsername,
			"moodle_user_id":  sess.MoodleUserID,
			"expires_at":      sess.ExpiresAt.Format(time.RFC3339),
		})
	}
}

func StudentLogoutHandler(sessions *auth.SessionService, auditLog *audit.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := auth.SessionFromContext(r.Context())
		if err := sessions.Delete(r.Context(), sess.ID); err != nil {
			writeFromError(w, err)
			return
		}
		auditAuth(r, auditLog, "STUDENT_LOGOUT", audit.ActorStudent, sess.MoodleUsername)
		w.WriteHeader(http.StatusNoContent)
	}
}
