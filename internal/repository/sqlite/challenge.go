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

// ChallengeDB is the challenges table view of a DB (or of an open transaction).
type ChallengeDB struct {
	q queryer
}

var _ repository.ChallengeRepository = (*ChallengeDB)(nil)

// Create stores an issued challenge. ID is generated when empty; the caller
// sets CreatedAt and ExpiresAt so the TTL comes from one clock.
//
// Issuing a new challenge leaves older ones in place. Verification only looks
// at the newest unconsumed row (FindLatestUnconsumed), so an older challenge
// for the same tuple simply stops being reachable.
func (c *ChallengeDB) Create(ctx context.Context, challenge *model.Challenge) error {
	if challenge.ID == "" {
		challenge.ID = xid.New().String()
	}

	_, err := c.q.ExecContext(ctx,
		`INSERT INTO challenges (id, user_id, type, identifier, nonce, message, created_at, expires_at, consumed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		challenge.ID,
		challenge.UserID,
		string(challenge.Type),
		challenge.Identifier,
		challenge.Nonce,
		challenge.Message,
		challenge.CreatedAt.UTC(),
		challenge.ExpiresAt.UTC(),
		nullTime(challenge.ConsumedAt),
	)
	if err != nil {
		return apperror.BackendUnavailable("challenges.create", err)
	}
	return nil
}

// FindLatestUnconsumed picks the newest unconsumed challenge for the tuple.
// rowid breaks ties between challenges issued within the same instant.
func (c *ChallengeDB) FindLatestUnconsumed(ctx context.Context, userID string, t model.IdentityType, identifier string) (*model.Challenge, error) {
	var (
		challenge  model.Challenge
		typ        string
		consumedAt sql.NullTime
	)
	err := c.q.QueryRowContext(ctx,
		`SELECT id, user_id, type, identifier, nonce, message, created_at, expires_at, consumed_at
		 FROM challenges
		 WHERE user_id = ? AND type = ? AND identifier = ? AND consumed_at IS NULL
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT 1`,
		userID, string(t), identifier,
	).Scan(
		&challenge.ID,
		&challenge.UserID,
		&typ,
		&challenge.Identifier,
		&challenge.Nonce,
		&challenge.Message,
		&challenge.CreatedAt,
		&challenge.ExpiresAt,
		&consumedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("challenge", identifier)
		}
		return nil, apperror.BackendUnavailable("challenges.find_latest", err)
	}
	challenge.Type = model.IdentityType(typ)
	if consumedAt.Valid {
		t := consumedAt.Time
		challenge.ConsumedAt = &t
	}
	return &challenge, nil
}

// MarkConsumed sets consumed_at once; later calls keep the first timestamp.
func (c *ChallengeDB) MarkConsumed(ctx context.Context, challengeID string, at time.Time) error {
	result, err := c.q.ExecContext(ctx,
		`UPDATE challenges SET consumed_at = COALESCE(consumed_at, ?) WHERE id = ?`,
		at.UTC(), challengeID)
	if err != nil {
		return apperror.BackendUnavailable("challenges.consume", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apperror.BackendUnavailable("challenges.consume", err)
	}
	if n == 0 {
		return apperror.NotFound("challenge", challengeID)
	}
	return nil
}
