package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/evm"
	"github.com/sakif/userbase/internal/model"
	"github.com/sakif/userbase/internal/repository"
)

// Values of ResolvedProfile.MatchedBy.
const (
	MatchHive        = "hive"
	MatchHandle      = "handle"
	MatchDisplayName = "display_name"
	MatchEVM         = "evm"
)

// ProfileQuery holds the loosely specified identifiers of GET /profile.
// Empty fields are ignored.
type ProfileQuery struct {
	Handle     string // display handle, falls back to display name
	HiveHandle string
	Address    string
}

func (q ProfileQuery) isEmpty() bool {
	return strings.TrimSpace(q.Handle) == "" &&
		strings.TrimSpace(q.HiveHandle) == "" &&
		strings.TrimSpace(q.Address) == ""
}

// ResolvedProfile is a user plus every identity they hold.
type ResolvedProfile struct {
	User       *model.User      `json:"user"`
	Identities []model.Identity `json:"identities"`
	MatchedBy  string           `json:"match"`
}

// ProfileResolver maps loosely specified identifiers to exactly one user.
type ProfileResolver struct {
	users      repository.UserRepository
	identities repository.IdentityRepository
	timeout    time.Duration
	logger     *slog.Logger
}

func NewProfileResolver(users repository.UserRepository, identities repository.IdentityRepository, timeout time.Duration, logger *slog.Logger) *ProfileResolver {
	return &ProfileResolver{
		users:      users,
		identities: identities,
		timeout:    timeout,
		logger:     logger,
	}
}

// Resolve tries, in order, and stops at the first step that finds a user:
//
//  1. HiveHandle → hive identity with that handle
//  2. Handle     → user with that exact display handle, else users whose
//     display name matches case-insensitively (two or more is ErrAmbiguous)
//  3. Address    → evm identity with that address
//
// Nothing found is ErrNotFound. An ambiguous name is never settled by
// picking one of the candidates.
func (r *ProfileResolver) Resolve(ctx context.Context, q ProfileQuery) (*ResolvedProfile, error) {
	if q.isEmpty() {
		return nil, apperror.ValidationFailed("query", "one of handle, hive_handle or address is required")
	}

	var address string
	if strings.TrimSpace(q.Address) != "" {
		addr, err := evm.Normalize(q.Address)
		if err != nil {
			return nil, err
		}
		address = addr
	}

	ctx, cancel := bounded(ctx, r.timeout)
	defer cancel()

	if hive := normalizeHandle(q.HiveHandle); hive != "" {
		user, err := r.userByIdentity(ctx, model.IdentityHive, hive)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return r.withIdentities(ctx, user, MatchHive)
		}
	}

	if handle := normalizeHandle(q.Handle); handle != "" {
		user, err := r.users.GetByHandle(ctx, handle)
		switch {
		case err == nil:
			return r.withIdentities(ctx, user, MatchHandle)
		case !errors.Is(err, apperror.ErrNotFound):
			return nil, err
		}

		named, err := r.users.FindByDisplayName(ctx, strings.TrimSpace(q.Handle), 2)
		if err != nil {
			return nil, err
		}
		switch len(named) {
		case 0:
		case 1:
			return r.withIdentities(ctx, &named[0], MatchDisplayName)
		default:
			r.logger.Info("ambiguous profile lookup",
				slog.String("display_name", maskIdentifier(handle)),
			)
			return nil, apperror.Ambiguous(fmt.Sprintf("more than one user is named %q", strings.TrimSpace(q.Handle)))
		}
	}

	if address != "" {
		user, err := r.userByIdentity(ctx, model.IdentityEVM, address)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return r.withIdentities(ctx, user, MatchEVM)
		}
	}

	return nil, apperror.NotFound("profile", describeQuery(q))
}

func (r *ProfileResolver) userByIdentity(ctx context.Context, t model.IdentityType, identifier string) (*model.User, error) {
	ident, err := r.identities.FindByTypeAndIdentifier(ctx, t, identifier)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	user, err := r.users.GetByID(ctx, ident.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			// An identity whose owner is gone; nothing to show.
			r.logger.Warn("identity without user",
				slog.String("identity_id", ident.ID),
				slog.String("user_id", ident.UserID),
			)
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

func (r *ProfileResolver) withIdentities(ctx context.Context, user *model.User, matchedBy string) (*ResolvedProfile, error) {
	identities, err := r.identities.FindAllForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &ResolvedProfile{User: user, Identities: identities, MatchedBy: matchedBy}, nil
}

func normalizeHandle(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}

func describeQuery(q ProfileQuery) string {
	parts := make([]string, 0, 3)
	if v := strings.TrimSpace(q.HiveHandle); v != "" {
		parts = append(parts, "hive_handle="+v)
	}
	if v := strings.TrimSpace(q.Handle); v != "" {
		parts = append(parts, "handle="+v)
	}
	if v := strings.TrimSpace(q.Address); v != "" {
		parts = append(parts, "address="+v)
	}
	return strings.Join(parts, " ")
}

// Profile field limits.
const (
	MaxDisplayNameLength = 50
	MaxBioLength         = 500
	MaxLocationLength    = 100
	MaxURLLength         = 2048
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{3,30}$`)

// ProfileService applies authenticated profile edits.
type ProfileService struct {
	users   repository.UserRepository
	timeout time.Duration
	logger  *slog.Logger
}

func NewProfileService(users repository.UserRepository, timeout time.Duration, logger *slog.Logger) *ProfileService {
	return &ProfileService{users: users, timeout: timeout, logger: logger}
}

// Update validates and applies the non-nil fields of update.
// A handle another user holds is ErrConflict.
func (s *ProfileService) Update(ctx context.Context, userID string, update model.ProfileUpdate) (*model.User, error) {
	if update.IsEmpty() {
		return nil, apperror.ValidationFailed("body", "no profile fields to update")
	}

	if update.DisplayName != nil {
		name := strings.TrimSpace(*update.DisplayName)
		if utf8.RuneCountInString(name) > MaxDisplayNameLength {
			return nil, apperror.ValidationFailed("display_name",
				fmt.Sprintf("display_name must be at most %d characters", MaxDisplayNameLength))
		}
		update.DisplayName = &name
	}
	if update.Bio != nil && utf8.RuneCountInString(*update.Bio) > MaxBioLength {
		return nil, apperror.ValidationFailed("bio", fmt.Sprintf("bio must be at most %d characters", MaxBioLength))
	}
	if update.Location != nil && utf8.RuneCountInString(*update.Location) > MaxLocationLength {
		return nil, apperror.ValidationFailed("location", fmt.Sprintf("location must be at most %d characters", MaxLocationLength))
	}
	if err := validateURL("avatar_url", update.AvatarURL); err != nil {
		return nil, err
	}
	if err := validateURL("cover_url", update.CoverURL); err != nil {
		return nil, err
	}
	if update.Handle != nil {
		handle := normalizeHandle(*update.Handle)
		if !handlePattern.MatchString(handle) {
			return nil, apperror.ValidationFailed("handle", "handle must be 3-30 characters of a-z, 0-9 or _")
		}
		update.Handle = &handle
	}

	ctx, cancel := bounded(ctx, s.timeout)
	defer cancel()

	user, err := s.users.UpdateProfile(ctx, userID, update)
	if err != nil {
		if errors.Is(err, apperror.ErrBackendUnavailable) {
			s.logger.Error("profile update failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	s.logger.Info("profile updated", slog.String("user_id", userID))
	return user, nil
}

// validateURL accepts an empty string (clears the field) or an absolute
// http(s) URL.
func validateURL(field string, value *string) error {
	if value == nil || *value == "" {
		return nil
	}
	if len(*value) > MaxURLLength {
		return apperror.ValidationFailed(field, fmt.Sprintf("%s is too long", field))
	}
	u, err := url.Parse(*value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperror.ValidationFailed(field, fmt.Sprintf("%s must be an http or https URL", field))
	}
	return nil
}
