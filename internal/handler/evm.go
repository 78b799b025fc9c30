package handler

import (
	"net/http"
	"time"

	"github.com/sakif/userbase/internal/model"
)

type challengeRequest struct {
	Address string `json:"address"`
}

type challengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Address     string    `json:"address"`
	Message     string    `json:"message"`
	Nonce       string    `json:"nonce"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type verifyRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

type verifyFarcasterRequest struct {
	Address     string     `json:"address"`
	FarcasterID flexibleID `json:"farcaster_fid"`
}

type verifyFarcasterResponse struct {
	IdentityID string          `json:"identity_id"`
	Message    string          `json:"message"`
	Identity   *model.Identity `json:"identity"`
}

// HandleChallenge handles POST /identities/evm/challenge.
// The returned message is what the wallet must personal_sign.
func (h *IdentityHandler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req challengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err, h.debug)
		return
	}

	c, err := h.challenges.Issue(r.Context(), userID, model.IdentityEVM, req.Address)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, challengeResponse{
		ChallengeID: c.ID,
		Address:     c.Identifier,
		Message:     c.Message,
		Nonce:       c.Nonce,
		IssuedAt:    c.CreatedAt,
		ExpiresAt:   c.ExpiresAt,
	})
}

// HandleVerify handles POST /identities/evm/verify: check the signature over
// the newest challenge and link the wallet.
func (h *IdentityHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err, h.debug)
		return
	}

	ident, err := h.identities.LinkWithSignature(r.Context(), userID, req.Address, req.Signature)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"identity": ident})
}

// HandleVerifyFarcaster handles POST /identities/evm/verify-farcaster: link a
// wallet that the caller's Farcaster account has already verified.
func (h *IdentityHandler) HandleVerifyFarcaster(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req verifyFarcasterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err, h.debug)
		return
	}

	ident, err := h.identities.LinkViaFarcaster(r.Context(), userID, req.Address, string(req.FarcasterID))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyFarcasterResponse{
		IdentityID: ident.ID,
		Message:    "wallet linked via farcaster",
		Identity:   ident,
	})
}
