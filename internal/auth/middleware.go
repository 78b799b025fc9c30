package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/model"
)

// DefaultCookieName carries the opaque refresh token.
const DefaultCookieName = "userbase_refresh"

// contextKey is package-private so no other package can read or shadow
// the values stored under it.
type contextKey string

const (
	userIDKey    contextKey = "userID"
	sessionIDKey contextKey = "sessionID"
)

// SessionResolver is what RequireAuth needs from a SessionValidator.
type SessionResolver interface {
	Resolve(ctx context.Context, rawToken string) (*model.Session, error)
}

// RequireAuth enforces a valid session on protected routes.
//
// It reads the refresh token from the cookieName cookie, resolves it and
// stores the user and session ids in the request context.
//
//	missing / unknown / revoked token → 401 {"error":"unauthorized"}
//	expired session                   → 401 {"error":"session_expired"}
//	store failure                     → 503 {"error":"backend_unavailable"}
//
// A store failure is never answered with 401: a client told "unauthorized"
// would drop a perfectly good session.
func RequireAuth(sessions SessionResolver, cookieName string, logger *slog.Logger) func(http.Handler) http.Handler {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var raw string
			if cookie, err := r.Cookie(cookieName); err == nil {
				raw = cookie.Value
			}

			session, err := sessions.Resolve(r.Context(), raw)
			if err != nil {
				switch {
				case errors.Is(err, apperror.ErrSessionExpired):
					writeAuthError(w, http.StatusUnauthorized, "session_expired", "session has expired, please sign in again")
				case errors.Is(err, apperror.ErrUnauthenticated):
					writeAuthError(w, http.StatusUnauthorized, "unauthorized", "valid authentication required")
				default:
					logger.Error("session lookup failed",
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
					writeAuthError(w, http.StatusServiceUnavailable, "backend_unavailable", "session store unavailable, try again")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
		})
	}
}

// ContextWithSession stores the session's user and session ids in ctx.
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	ctx = context.WithValue(ctx, userIDKey, session.UserID)
	return context.WithValue(ctx, sessionIDKey, session.ID)
}

// UserIDFromContext returns the authenticated user's id.
// Returns ("", false) when the request did not pass through RequireAuth.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// SessionIDFromContext returns the id of the session that authenticated the request.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
