package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/auth"
	"github.com/sakif/userbase/internal/model"
	"github.com/sakif/userbase/internal/service"
)

// IdentityService is what the identity endpoints need from the linker.
// *service.IdentityLinker implements it.
type IdentityService interface {
	List(ctx context.Context, userID string) ([]model.Identity, error)
	LinkWithSignature(ctx context.Context, userID, address, signature string) (*model.Identity, error)
	LinkViaFarcaster(ctx context.Context, userID, address, fid string) (*model.Identity, error)
	LinkProvided(ctx context.Context, userID string, in service.ProvidedIdentity) (*model.Identity, bool, error)
	Unlink(ctx context.Context, userID, identityID string) error
}

// ChallengeIssuer creates wallet challenges. *service.ChallengeService implements it.
type ChallengeIssuer interface {
	Issue(ctx context.Context, userID string, t model.IdentityType, identifier string) (*model.Challenge, error)
}

// IdentityHandler serves /identities and /identities/evm/*.
// Every route here runs behind auth.RequireAuth.
type IdentityHandler struct {
	identities IdentityService
	challenges ChallengeIssuer
	logger     *slog.Logger
	debug      bool
}

func NewIdentityHandler(identities IdentityService, challenges ChallengeIssuer, logger *slog.Logger, debug bool) *IdentityHandler {
	return &IdentityHandler{
		identities: identities,
		challenges: challenges,
		logger:     logger,
		debug:      debug,
	}
}

type createIdentityRequest struct {
	Type       string         `json:"type"`
	Handle     string         `json:"handle"`
	ExternalID flexibleID     `json:"external_id"`
	Address    string         `json:"address"`
	Metadata   map[string]any `json:"metadata"`
	IsPrimary  *bool          `json:"is_primary"`
}

type identityResponse struct {
	Identity *model.Identity `json:"identity"`
	Created  bool            `json:"created"`
}

type deleteIdentityRequest struct {
	ID string `json:"id"`
}

// HandleList handles GET /identities.
func (h *IdentityHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	identities, err := h.identities.List(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"identities": identities})
}

// HandleCreate handles POST /identities: link a hive or farcaster identity
// the client already holds. Relinking an identity the caller owns is a 200
// with created=false.
func (h *IdentityHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req createIdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err, h.debug)
		return
	}

	t, err := model.ParseIdentityType(req.Type)
	if err != nil {
		writeError(w, apperror.ValidationFailed("type", "type must be one of hive, evm, farcaster"), h.debug)
		return
	}

	ident, created, err := h.identities.LinkProvided(r.Context(), userID, service.ProvidedIdentity{
		Type:       t,
		Handle:     req.Handle,
		ExternalID: string(req.ExternalID),
		Address:    req.Address,
		IsPrimary:  req.IsPrimary,
		Metadata:   req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, identityResponse{Identity: ident, Created: created})
}

// HandleDelete handles DELETE /identities with body {"id": "..."}.
//
// Deleting someone else's identity answers 401, not 403: the endpoint does
// not reveal that the id exists under another account.
func (h *IdentityHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req deleteIdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err, h.debug)
		return
	}

	if err := h.identities.Unlink(r.Context(), userID, req.ID); err != nil {
		if errors.Is(err, apperror.ErrForbidden) {
			writeErrorStatus(w, http.StatusUnauthorized, "unauthorized", err, h.debug)
			return
		}
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// requireUser pulls the authenticated user id placed by auth.RequireAuth.
func (h *IdentityHandler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated(), h.debug)
		return "", false
	}
	return userID, true
}

// fail writes err, logging anything that is not the client's fault.
func (h *IdentityHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	logServerError(h.logger, r, err)
	writeError(w, err, h.debug)
}

func logServerError(logger *slog.Logger, r *http.Request, err error) {
	if status, _ := errorStatus(err); status >= http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
