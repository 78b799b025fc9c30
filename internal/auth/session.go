package auth

import (
	"context"
	"errors"
	"time"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/model"
	"github.com/sakif/userbase/internal/repository"
)

// SessionValidator resolves a refresh token to the session it belongs to.
type SessionValidator struct {
	sessions repository.SessionRepository
	hasher   *TokenHasher
	timeout  time.Duration
	now      func() time.Time
}

// NewSessionValidator wires a validator. timeout bounds every repository
// call; zero means the caller's context is used as is.
func NewSessionValidator(sessions repository.SessionRepository, hasher *TokenHasher, timeout time.Duration) *SessionValidator {
	return &SessionValidator{
		sessions: sessions,
		hasher:   hasher,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Resolve returns the valid session for rawToken.
//
// ERRORS:
//   - ErrUnauthenticated: no token, unknown token, or revoked session. These are
//     deliberately indistinguishable to the caller.
//   - ErrSessionExpired: the session exists and is not revoked but now >= expires_at.
//   - ErrBackendUnavailable: the store failed or timed out. Never reported
//     as "no session".
//
// Resolve is a pure read.
func (v *SessionValidator) Resolve(ctx context.Context, rawToken string) (*model.Session, error) {
	if rawToken == "" {
		return nil, apperror.Unauthenticated()
	}

	ctx, cancel := v.withTimeout(ctx)
	defer cancel()

	session, err := v.sessions.FindActiveByTokenHash(ctx, v.hasher.Hash(rawToken))
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthenticated()
		}
		if errors.Is(err, apperror.ErrBackendUnavailable) {
			return nil, err
		}
		return nil, apperror.BackendUnavailable("sessions.resolve", err)
	}

	if session.ValidAt(v.now()) {
		return session, nil
	}
	// The repository only returns non-revoked rows; a revoked one here still
	// reads as "no session", not as an expired one.
	if session.RevokedAt != nil {
		return nil, apperror.Unauthenticated()
	}
	return nil, apperror.SessionExpired()
}

// Revoke marks the session revoked (logout). The row is kept.
func (v *SessionValidator) Revoke(ctx context.Context, sessionID string) error {
	ctx, cancel := v.withTimeout(ctx)
	defer cancel()
	return v.sessions.Revoke(ctx, sessionID, v.now().UTC())
}

func (v *SessionValidator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, v.timeout)
}
