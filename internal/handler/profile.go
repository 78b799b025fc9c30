package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/auth"
	"github.com/sakif/userbase/internal/model"
	"github.com/sakif/userbase/internal/service"
)

// ProfileLookup resolves public profiles. *service.ProfileResolver implements it.
type ProfileLookup interface {
	Resolve(ctx context.Context, q service.ProfileQuery) (*service.ResolvedProfile, error)
}

// ProfileEditor applies profile edits. *service.ProfileService implements it.
type ProfileEditor interface {
	Update(ctx context.Context, userID string, update model.ProfileUpdate) (*model.User, error)
}

type ProfileHandler struct {
	lookup ProfileLookup
	editor ProfileEditor
	logger *slog.Logger
	debug  bool
}

func NewProfileHandler(lookup ProfileLookup, editor ProfileEditor, logger *slog.Logger, debug bool) *ProfileHandler {
	return &ProfileHandler{lookup: lookup, editor: editor, logger: logger, debug: debug}
}

// HandleGet handles GET /profile?handle=&hive_handle=&address=.
// Public: no session needed.
func (h *ProfileHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	profile, err := h.lookup.Resolve(r.Context(), service.ProfileQuery{
		Handle:     q.Get("handle"),
		HiveHandle: q.Get("hive_handle"),
		Address:    q.Get("address"),
	})
	if err != nil {
		logServerError(h.logger, r, err)
		writeError(w, err, h.debug)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// HandlePatch handles PATCH /profile for the authenticated user.
func (h *ProfileHandler) HandlePatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated(), h.debug)
		return
	}

	var update model.ProfileUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		writeError(w, err, h.debug)
		return
	}

	user, err := h.editor.Update(r.Context(), userID, update)
	if err != nil {
		logServerError(h.logger, r, err)
		writeError(w, err, h.debug)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}
