// Package repository declares the storage contracts the services depend on.
//
// Every "find one" method returns an *apperror.AppError wrapping
// apperror.ErrNotFound when nothing matches, and one wrapping
// apperror.ErrBackendUnavailable when the store itself failed. A missing row
// and a broken store are never reported the same way.
package repository

import (
	"context"
	"time"

	"github.com/sakif/userbase/internal/model"
)

type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	// GetByHandle matches the lower-cased display handle exactly.
	GetByHandle(ctx context.Context, handle string) (*model.User, error)
	// FindByDisplayName matches display names case-insensitively and returns
	// at most limit users.
	FindByDisplayName(ctx context.Context, name string, limit int) ([]model.User, error)
	// UpdateProfile applies the non-nil fields. A taken handle is ErrConflict.
	UpdateProfile(ctx context.Context, id string, update model.ProfileUpdate) (*model.User, error)
}

// NewIdentity holds the fields for IdentityRepository.Insert.
//
// IsPrimary nil means "default": primary iff the user has no identity of this
// type yet. A non-nil value is an explicit caller override.
type NewIdentity struct {
	UserID     string
	Type       model.IdentityType
	Handle     *string
	Address    *string
	ExternalID *string
	IsPrimary  *bool
	VerifiedAt *time.Time
	Metadata   map[string]any
}

type IdentityRepository interface {
	FindByTypeAndIdentifier(ctx context.Context, t model.IdentityType, identifier string) (*model.Identity, error)
	// FindAllForUser returns identities primary-first, then oldest first.
	FindAllForUser(ctx context.Context, userID string) ([]model.Identity, error)
	// Insert fails with ErrDuplicateIdentity if (type, identifier) exists for any user.
	Insert(ctx context.Context, in NewIdentity) (*model.Identity, error)
	// Delete fails with ErrNotFound or ErrForbidden (owned by someone else).
	Delete(ctx context.Context, identityID, requestingUserID string) error
}

type SessionRepository interface {
	Create(ctx context.Context, session *model.Session) error
	// FindActiveByTokenHash returns the non-revoked session with that digest.
	// Expiry is NOT checked here; the caller decides.
	FindActiveByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)
	// Revoke sets revoked_at once; revoking twice keeps the first timestamp.
	Revoke(ctx context.Context, sessionID string, at time.Time) error
}

type ChallengeRepository interface {
	Create(ctx context.Context, challenge *model.Challenge) error
	// FindLatestUnconsumed returns the newest unconsumed challenge for the
	// tuple, regardless of expiry.
	FindLatestUnconsumed(ctx context.Context, userID string, t model.IdentityType, identifier string) (*model.Challenge, error)
	// MarkConsumed is idempotent: an already consumed challenge keeps its
	// original consumed_at.
	MarkConsumed(ctx context.Context, challengeID string, at time.Time) error
}

// Store groups the repositories and provides the transaction boundary used
// when several writes must land together (identity insert + challenge consume).
type Store interface {
	Users() UserRepository
	Identities() IdentityRepository
	Sessions() SessionRepository
	Challenges() ChallengeRepository

	// WithinTx runs fn against a Store bound to one transaction. The
	// transaction commits if fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}
