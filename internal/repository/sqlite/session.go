package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/model"
	"github.com/sakif/userbase/internal/repository"
)

// SessionDB is the sessions table view of a DB (or of an open transaction).
type SessionDB struct {
	q queryer
}

var _ repository.SessionRepository = (*SessionDB)(nil)

// Create stores a session. The caller supplies the token digest, never the token.
//
// ID and CreatedAt are filled in when zero. expires_at is stored as given;
// whether a session is still usable is decided at read time by the session
// validator, not by this table.
func (s *SessionDB) Create(ctx context.Context, session *model.Session) error {
	if session.ID == "" {
		session.ID = xid.New().String()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, refresh_token_hash, created_at, expires_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.UserID,
		session.RefreshTokenHash,
		session.CreatedAt.UTC(),
		session.ExpiresAt.UTC(),
		nullTime(session.RevokedAt),
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return apperror.Conflict("session", session.ID)
		}
		return apperror.BackendUnavailable("sessions.create", err)
	}
	return nil
}

// FindActiveByTokenHash returns the non-revoked session for tokenHash.
func (s *SessionDB) FindActiveByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	var (
		session   model.Session
		revokedAt sql.NullTime
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, user_id, refresh_token_hash, created_at, expires_at, revoked_at
		 FROM sessions
		 WHERE refresh_token_hash = ? AND revoked_at IS NULL`,
		tokenHash,
	).Scan(
		&session.ID,
		&session.UserID,
		&session.RefreshTokenHash,
		&session.CreatedAt,
		&session.ExpiresAt,
		&revokedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The digest is not a useful id to echo back.
			return nil, apperror.NotFound("session", "for token")
		}
		return nil, apperror.BackendUnavailable("sessions.find", err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		session.RevokedAt = &t
	}
	return &session, nil
}

// Revoke flags the session revoked. Rows are never deleted.
func (s *SessionDB) Revoke(ctx context.Context, sessionID string, at time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`,
		at.UTC(), sessionID)
	if err != nil {
		return apperror.BackendUnavailable("sessions.revoke", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apperror.BackendUnavailable("sessions.revoke", err)
	}
	if n == 0 {
		return apperror.NotFound("session", sessionID)
	}
	return nil
}
