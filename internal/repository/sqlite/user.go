package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/model"
	"github.com/sakif/userbase/internal/repository"
)

// UserDB is the users table view of a DB (or of an open transaction).
type UserDB struct {
	q queryer
}

var _ repository.UserRepository = (*UserDB)(nil)

const userColumns = `id, handle, display_name, avatar_url, cover_url, bio, location, status, created_at, updated_at`

// displayNameKey is the lookup form of a display name.
//
// CASE FOLDING:
// SQLite's lower() only folds ASCII, so "ÉLODIE" and "élodie" would compare
// unequal in SQL. The folded form is computed here with strings.ToLower,
// which knows Unicode case mappings, and stored in users.display_name_key.
// Lookups compare against that column and never call lower() in SQL.
func displayNameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Create inserts a user. Signup itself lives outside this service; Create
// exists for seeding and tests. A taken handle is reported as ErrConflict.
func (u *UserDB) Create(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = xid.New().String()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Handle != nil {
		h := strings.ToLower(strings.TrimSpace(*user.Handle))
		user.Handle = &h
	}

	_, err := u.q.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`, display_name_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		nullString(user.Handle),
		user.DisplayName,
		user.AvatarURL,
		user.CoverURL,
		user.Bio,
		user.Location,
		user.Status,
		user.CreatedAt,
		user.UpdatedAt,
		displayNameKey(user.DisplayName),
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return apperror.Conflict("user handle", derefOr(user.Handle, user.ID))
		}
		return apperror.BackendUnavailable("users.create", err)
	}
	return nil
}

// GetByID retrieves a user by internal ID.
func (u *UserDB) GetByID(ctx context.Context, id string) (*model.User, error) {
	row := u.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, apperror.BackendUnavailable("users.get_by_id", err)
	}
	return user, nil
}

// GetByHandle matches the display handle exactly (handles are stored lower-cased).
func (u *UserDB) GetByHandle(ctx context.Context, handle string) (*model.User, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	row := u.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE handle = ?`, handle)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", handle)
		}
		return nil, apperror.BackendUnavailable("users.get_by_handle", err)
	}
	return user, nil
}

// FindByDisplayName returns up to limit users whose display name equals name
// ignoring case (Unicode-aware, see displayNameKey). Callers pass limit=2 to detect ambiguity cheaply.
func (u *UserDB) FindByDisplayName(ctx context.Context, name string, limit int) ([]model.User, error) {
	if limit <= 0 {
		limit = 2
	}
	rows, err := u.q.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE display_name_key = ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		displayNameKey(name), limit)
	if err != nil {
		return nil, apperror.BackendUnavailable("users.find_by_display_name", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, limit)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, apperror.BackendUnavailable("users.find_by_display_name", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.BackendUnavailable("users.find_by_display_name", err)
	}
	return users, nil
}

// UpdateProfile applies the non-nil fields of update.
//
// COALESCE keeps the stored value for every NULL parameter, so one statement
// handles any subset of fields.
func (u *UserDB) UpdateProfile(ctx context.Context, id string, update model.ProfileUpdate) (*model.User, error) {
	var handle sql.NullString
	if update.Handle != nil {
		handle = sql.NullString{String: strings.ToLower(strings.TrimSpace(*update.Handle)), Valid: true}
	}

	var nameKey sql.NullString
	if update.DisplayName != nil {
		nameKey = sql.NullString{String: displayNameKey(*update.DisplayName), Valid: true}
	}

	result, err := u.q.ExecContext(ctx,
		`UPDATE users SET
			display_name = COALESCE(?, display_name),
			display_name_key = COALESCE(?, display_name_key),
			avatar_url   = COALESCE(?, avatar_url),
			cover_url    = COALESCE(?, cover_url),
			bio          = COALESCE(?, bio),
			location     = COALESCE(?, location),
			handle       = COALESCE(?, handle),
			updated_at   = ?
		 WHERE id = ?`,
		nullString(update.DisplayName),
		nameKey,
		nullString(update.AvatarURL),
		nullString(update.CoverURL),
		nullString(update.Bio),
		nullString(update.Location),
		handle,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return nil, apperror.Conflict("user handle", handle.String)
		}
		return nil, apperror.BackendUnavailable("users.update_profile", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, apperror.BackendUnavailable("users.update_profile", err)
	}
	if n == 0 {
		return nil, apperror.NotFound("user", id)
	}

	return u.GetByID(ctx, id)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (*model.User, error) {
	var (
		user   model.User
		handle sql.NullString
	)
	if err := r.Scan(
		&user.ID,
		&handle,
		&user.DisplayName,
		&user.AvatarURL,
		&user.CoverURL,
		&user.Bio,
		&user.Location,
		&user.Status,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	user.Handle = stringPtr(handle)
	return &user, nil
}

func derefOr(p *string, fallback string) string {
	if p == nil {
		return fallback
	}
	return *p
}
