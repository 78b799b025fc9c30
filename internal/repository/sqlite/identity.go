package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/model"
	"github.com/sakif/userbase/internal/repository"
)

// IdentityDB is the identities table view of a DB (or of an open transaction).
type IdentityDB struct {
	q queryer
}

var _ repository.IdentityRepository = (*IdentityDB)(nil)

const identityColumns = `id, user_id, type, handle, address, external_id, is_primary, verified_at, metadata, created_at`

// FindByTypeAndIdentifier looks up the single identity holding (t, identifier).
// The identifier must already be normalized by the caller.
func (d *IdentityDB) FindByTypeAndIdentifier(ctx context.Context, t model.IdentityType, identifier string) (*model.Identity, error) {
	row := d.q.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE type = ? AND identifier = ?`,
		string(t), identifier)
	ident, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound(string(t)+" identity", identifier)
		}
		return nil, apperror.BackendUnavailable("identities.find", err)
	}
	return ident, nil
}

// FindAllForUser lists a user's identities, primary ones first. An empty
// slice (never nil) means the user has none.
func (d *IdentityDB) FindAllForUser(ctx context.Context, userID string) ([]model.Identity, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities
		 WHERE user_id = ?
		 ORDER BY is_primary DESC, created_at ASC, rowid ASC`,
		userID)
	if err != nil {
		return nil, apperror.BackendUnavailable("identities.list", err)
	}
	defer rows.Close()

	identities := make([]model.Identity, 0, 4)
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, apperror.BackendUnavailable("identities.list", err)
		}
		identities = append(identities, *ident)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.BackendUnavailable("identities.list", err)
	}
	return identities, nil
}

// Insert creates a new identity.
//
// PRIMARY ASSIGNMENT:
//   - IsPrimary == nil  → primary iff the user has no primary of this type.
//     Computed inside the INSERT itself so two concurrent "first" links
//     cannot both come out primary.
//   - IsPrimary == true → the current primary of this type is demoted in the
//     same transaction, then the new row is inserted as primary.
//   - IsPrimary == false → inserted as non-primary.
//
// A UNIQUE(type, identifier) violation becomes apperror.ErrDuplicateIdentity;
// the caller re-reads to decide between "already mine" and "merge required".
func (d *IdentityDB) Insert(ctx context.Context, in repository.NewIdentity) (*model.Identity, error) {
	identifier := model.IdentifierFor(in.Type, in.Handle, in.Address, in.ExternalID)
	if identifier == "" {
		return nil, apperror.ValidationFailed("identifier", "identity identifier is required for type "+string(in.Type))
	}

	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, apperror.ValidationFailed("metadata", "metadata must be JSON-serialisable")
	}

	ident := &model.Identity{
		ID:         xid.New().String(),
		UserID:     in.UserID,
		Type:       in.Type,
		Handle:     in.Handle,
		Address:    in.Address,
		ExternalID: in.ExternalID,
		VerifiedAt: in.VerifiedAt,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}

	err = inTx(ctx, d.q, func(q queryer) error {
		if in.IsPrimary != nil && *in.IsPrimary {
			if _, err := q.ExecContext(ctx,
				`UPDATE identities SET is_primary = 0
				 WHERE user_id = ? AND type = ? AND is_primary = 1`,
				in.UserID, string(in.Type),
			); err != nil {
				return apperror.BackendUnavailable("identities.demote_primary", err)
			}
		}

		// primaryExpr is either a bound value or the "no primary yet" subquery.
		primaryExpr := `NOT EXISTS (SELECT 1 FROM identities WHERE user_id = ? AND type = ? AND is_primary = 1)`
		primaryArgs := []any{in.UserID, string(in.Type)}
		if in.IsPrimary != nil {
			primaryExpr = `?`
			primaryArgs = []any{*in.IsPrimary}
		}

		args := []any{ident.ID, ident.UserID, string(ident.Type), identifier,
			nullString(ident.Handle), nullString(ident.Address), nullString(ident.ExternalID)}
		args = append(args, primaryArgs...)
		args = append(args, nullTime(ident.VerifiedAt), string(metaJSON), ident.CreatedAt)

		var isPrimary bool
		err := q.QueryRowContext(ctx,
			`INSERT INTO identities
				(id, user_id, type, identifier, handle, address, external_id, is_primary, verified_at, metadata, created_at)
			 SELECT ?, ?, ?, ?, ?, ?, ?, `+primaryExpr+`, ?, ?, ?
			 RETURNING is_primary`,
			args...,
		).Scan(&isPrimary)
		if err != nil {
			if msg, ok := uniqueViolation(err); ok {
				if strings.Contains(msg, "identities.identifier") {
					return apperror.DuplicateIdentity(string(in.Type), identifier)
				}
				// Only the one-primary index is left; two explicit primaries raced.
				return apperror.Conflict("primary "+string(in.Type)+" identity", in.UserID)
			}
			return apperror.BackendUnavailable("identities.insert", err)
		}
		ident.IsPrimary = isPrimary
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ident, nil
}

// Delete removes an identity owned by requestingUserID.
//
// The ownership check and the DELETE are separate statements, so the DELETE
// repeats the user_id condition: a row that changed hands in between is not
// removed.
func (d *IdentityDB) Delete(ctx context.Context, identityID, requestingUserID string) error {
	var ownerID string
	err := d.q.QueryRowContext(ctx,
		`SELECT user_id FROM identities WHERE id = ?`, identityID,
	).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("identity", identityID)
		}
		return apperror.BackendUnavailable("identities.delete", err)
	}
	if ownerID != requestingUserID {
		return apperror.Forbidden("identity belongs to another user")
	}

	result, err := d.q.ExecContext(ctx,
		`DELETE FROM identities WHERE id = ? AND user_id = ?`,
		identityID, requestingUserID)
	if err != nil {
		return apperror.BackendUnavailable("identities.delete", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apperror.BackendUnavailable("identities.delete", err)
	}
	if n == 0 {
		return apperror.NotFound("identity", identityID)
	}
	return nil
}

func scanIdentity(r rowScanner) (*model.Identity, error) {
	var (
		ident      model.Identity
		typ        string
		handle     sql.NullString
		address    sql.NullString
		externalID sql.NullString
		verifiedAt sql.NullTime
		metaJSON   string
	)
	if err := r.Scan(
		&ident.ID,
		&ident.UserID,
		&typ,
		&handle,
		&address,
		&externalID,
		&ident.IsPrimary,
		&verifiedAt,
		&metaJSON,
		&ident.CreatedAt,
	); err != nil {
		return nil, err
	}

	ident.Type = model.IdentityType(typ)
	ident.Handle = stringPtr(handle)
	ident.Address = stringPtr(address)
	ident.ExternalID = stringPtr(externalID)
	if verifiedAt.Valid {
		t := verifiedAt.Time
		ident.VerifiedAt = &t
	}

	ident.Metadata = map[string]any{}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &ident.Metadata); err != nil {
			return nil, err
		}
	}
	return &ident, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
