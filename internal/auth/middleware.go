package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Middleware rejection causes, surfaced to the onError callback so the
// API layer can classify them.
var (
	ErrNoCredentials = errors.New("missing credentials")
	ErrBadToken      = errors.New("invalid or expired token")
	ErrAdminOnly     = errors.New("admin role required")
)

type ctxKey int

const (
	claimsKey ctxKey = iota
	sessionKey
)

// StaffFromContext returns the verified staff claims, or nil outside a
// staff-authenticated request.
func StaffFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// SessionFromContext returns the student session, or nil.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey).(*Session)
	return s
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireStaff rejects requests without a valid staff bearer token.
// onError renders the 401/403 body so the auth package stays free of
// the API's response shape.
func RequireStaff(svc *StaffService, onError func(w http.ResponseWriter, status int, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				onError(w, http.StatusUnauthorized, ErrNoCredentials)
				return
			}
			claims, err := svc.Verify(r.Context(), token)
			if err != nil {
				onError(w, http.StatusUnauthorized, ErrBadToken)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// RequireAdmin layers on RequireStaff and additionally demands the admin
// role.
func RequireAdmin(onError func(w http.ResponseWriter, status int, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := StaffFromContext(r.Context())
			if claims == nil {
				onError(w, http.StatusUnauthorized, ErrNoCredentials)
				return
			}
			if claims.Role != RoleAdmin {
				onError(w, http.StatusForbidden, ErrAdminOnly)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireStudent resolves the session id carried in the X-Session-Id
// header (or a bearer token) and attaches the session to the context.
func RequireStudent(svc *SessionService, onError func(w http.ResponseWriter, status int, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Session-Id")
			if id == "" {
				id = bearerToken(r)
			}
			if id == "" {
				onError(w, http.StatusUnauthorized, ErrNoCredentials)
				return
			}
			sess, err := svc.Get(r.Context(), id)
			if err != nil {
				onError(w, http.StatusUnauthorized, ErrSessionInvalid)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
		})
	}
}
