package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/auth"
)

// SessionRevoker ends sessions. *auth.SessionValidator implements it.
type SessionRevoker interface {
	Revoke(ctx context.Context, sessionID string) error
}

type SessionHandler struct {
	sessions   SessionRevoker
	cookieName string
	logger     *slog.Logger
	debug      bool
}

func NewSessionHandler(sessions SessionRevoker, cookieName string, logger *slog.Logger, debug bool) *SessionHandler {
	if cookieName == "" {
		cookieName = auth.DefaultCookieName
	}
	return &SessionHandler{sessions: sessions, cookieName: cookieName, logger: logger, debug: debug}
}

// HandleLogout handles POST /session/logout.
//
// The session row is marked revoked, never deleted. The cookie is cleared by
// re-sending it with MaxAge -1, which tells the browser to drop it now.
func (h *SessionHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := auth.SessionIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated(), h.debug)
		return
	}

	if err := h.sessions.Revoke(r.Context(), sessionID); err != nil {
		logServerError(h.logger, r, err)
		writeError(w, err, h.debug)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	h.logger.Info("session revoked", slog.String("session_id", sessionID))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
