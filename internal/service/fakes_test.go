package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/model"
	"github.com/sakif/userbase/internal/repository"
)

// memStore is a hand-written in-memory repository.Store.
//
// WithinTx snapshots the state and restores it when fn fails, which is all
// the transaction semantics the services rely on. failOn lets a test make a
// named operation fail with a backend error.
type memStore struct {
	mu sync.Mutex

	users      map[string]*model.User
	identities map[string]*model.Identity
	challenges map[string]*model.Challenge
	order      []string // challenge ids in insertion order

	nextID int
	failOn map[string]error

	// afterMiss runs once, right after an identity lookup found nothing.
	// Tests use it to let a "concurrent request" insert the same identifier
	// between the linker's read and its write.
	afterMiss func(s *memStore)
}

func newMemStore() *memStore {
	return &memStore{
		users:      make(map[string]*model.User),
		identities: make(map[string]*model.Identity),
		challenges: make(map[string]*model.Challenge),
		failOn:     make(map[string]error),
	}
}

func (s *memStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *memStore) fail(op string) error {
	if err, ok := s.failOn[op]; ok {
		return err
	}
	return nil
}

func (s *memStore) Users() repository.UserRepository { return memUsers{s} }
func (s *memStore) Identities() repository.IdentityRepository { return memIdentities{s} }
func (s *memStore) Sessions() repository.SessionRepository { return nil }
func (s *memStore) Challenges() repository.ChallengeRepository { return memChallenges{s} }

func (s *memStore) WithinTx(_ context.Context, fn func(tx repository.Store) error) error {
	s.mu.Lock()
	users := cloneMap(s.users)
	identities := cloneMap(s.identities)
	challenges := cloneMap(s.challenges)
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.users, s.identities, s.challenges, s.order = users, identities, challenges, order
		s.mu.Unlock()
		return err
	}
	return nil
}

func cloneMap[T any](m map[string]*T) map[string]*T {
	out := make(map[string]*T, len(m))
	for k, v := range m {
		c := *v
		out[k] = &c
	}
	return out
}

// Helpers used by the tests to seed state.

func (s *memStore) addUser(handle, displayName string) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &model.User{ID: s.id("user"), DisplayName: displayName, CreatedAt: time.Now()}
	if handle != "" {
		u.Handle = &handle
	}
	s.users[u.ID] = u
	return u
}

func (s *memStore) addIdentity(userID string, t model.IdentityType, identifier string) *model.Identity {
	ident, err := memIdentities{s}.Insert(context.Background(), newIdentityFor(userID, t, identifier))
	if err != nil {
		panic(err)
	}
	return ident
}

func (s *memStore) countIdentities() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities)
}

func (s *memStore) challenge(id string) *model.Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *s.challenges[id]
	return &c
}

func newIdentityFor(userID string, t model.IdentityType, identifier string) repository.NewIdentity {
	in := repository.NewIdentity{UserID: userID, Type: t}
	switch t {
	case model.IdentityEVM:
		in.Address = &identifier
	case model.IdentityHive:
		in.Handle = &identifier
	case model.IdentityFarcaster:
		in.ExternalID = &identifier
	}
	return in
}

type memUsers struct{ s *memStore }

func (r memUsers) Create(_ context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if user.ID == "" {
		user.ID = r.s.id("user")
	}
	c := *user
	r.s.users[user.ID] = &c
	return nil
}

func (r memUsers) GetByID(_ context.Context, id string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("users.get"); err != nil {
		return nil, err
	}
	u, ok := r.s.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	c := *u
	return &c, nil
}

func (r memUsers) GetByHandle(_ context.Context, handle string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("users.get_by_handle"); err != nil {
		return nil, err
	}
	for _, u := range r.s.users {
		if u.Handle != nil && *u.Handle == handle {
			c := *u
			return &c, nil
		}
	}
	return nil, apperror.NotFound("user", handle)
}

func (r memUsers) FindByDisplayName(_ context.Context, name string, limit int) ([]model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []model.User{}
	for _, u := range r.s.users {
		if strings.EqualFold(u.DisplayName, name) && len(out) < limit {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (r memUsers) UpdateProfile(_ context.Context, id string, update model.ProfileUpdate) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("users.update"); err != nil {
		return nil, err
	}
	u, ok := r.s.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	if update.Handle != nil {
		for _, other := range r.s.users {
			if other.ID != id && other.Handle != nil && *other.Handle == *update.Handle {
				return nil, apperror.Conflict("user handle", *update.Handle)
			}
		}
		h := *update.Handle
		u.Handle = &h
	}
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&u.DisplayName, update.DisplayName)
	set(&u.AvatarURL, update.AvatarURL)
	set(&u.CoverURL, update.CoverURL)
	set(&u.Bio, update.Bio)
	set(&u.Location, update.Location)
	c := *u
	return &c, nil
}

type memIdentities struct{ s *memStore }

func (r memIdentities) FindByTypeAndIdentifier(ctx context.Context, t model.IdentityType, identifier string) (*model.Identity, error) {
	ident, err := r.find(ctx, t, identifier)
	if hook := r.s.afterMiss; hook != nil && ident == nil {
		r.s.afterMiss = nil
		hook(r.s)
	}
	return ident, err
}

func (r memIdentities) find(_ context.Context, t model.IdentityType, identifier string) (*model.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("identities.find"); err != nil {
		return nil, err
	}
	for _, ident := range r.s.identities {
		if ident.Type == t && ident.Identifier() == identifier {
			c := *ident
			return &c, nil
		}
	}
	return nil, apperror.NotFound(string(t)+" identity", identifier)
}

func (r memIdentities) FindAllForUser(_ context.Context, userID string) ([]model.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []model.Identity{}
	for _, ident := range r.s.identities {
		if ident.UserID == userID {
			out = append(out, *ident)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r memIdentities) Insert(_ context.Context, in repository.NewIdentity) (*model.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("identities.insert"); err != nil {
		return nil, err
	}

	identifier := model.IdentifierFor(in.Type, in.Handle, in.Address, in.ExternalID)
	hasPrimary := false
	for _, ident := range r.s.identities {
		if ident.Type == in.Type && ident.Identifier() == identifier {
			return nil, apperror.DuplicateIdentity(string(in.Type), identifier)
		}
		if ident.UserID == in.UserID && ident.Type == in.Type && ident.IsPrimary {
			hasPrimary = true
		}
	}

	primary := !hasPrimary
	if in.IsPrimary != nil {
		primary = *in.IsPrimary
		if primary {
			for _, ident := range r.s.identities {
				if ident.UserID == in.UserID && ident.Type == in.Type {
					ident.IsPrimary = false
				}
			}
		}
	}

	ident := &model.Identity{
		ID:         r.s.id("ident"),
		UserID:     in.UserID,
		Type:       in.Type,
		Handle:     in.Handle,
		Address:    in.Address,
		ExternalID: in.ExternalID,
		IsPrimary:  primary,
		VerifiedAt: in.VerifiedAt,
		Metadata:   in.Metadata,
		CreatedAt:  time.Now(),
	}
	r.s.identities[ident.ID] = ident
	c := *ident
	return &c, nil
}

func (r memIdentities) Delete(_ context.Context, identityID, requestingUserID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ident, ok := r.s.identities[identityID]
	if !ok {
		return apperror.NotFound("identity", identityID)
	}
	if ident.UserID != requestingUserID {
		return apperror.Forbidden("identity belongs to another user")
	}
	delete(r.s.identities, identityID)
	return nil
}

type memChallenges struct{ s *memStore }

func (r memChallenges) Create(_ context.Context, c *model.Challenge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("challenges.create"); err != nil {
		return err
	}
	c.ID = r.s.id("chal")
	stored := *c
	r.s.challenges[c.ID] = &stored
	r.s.order = append(r.s.order, c.ID)
	return nil
}

func (r memChallenges) FindLatestUnconsumed(ctx context.Context, userID string, t model.IdentityType, identifier string) (*model.Challenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("challenges.find"); err != nil {
		return nil, err
	}
	if _, block := r.s.failOn["challenges.block"]; block {
		r.s.mu.Unlock()
		<-ctx.Done()
		r.s.mu.Lock()
		return nil, apperror.BackendUnavailable("challenges.find", ctx.Err())
	}
	for i := len(r.s.order) - 1; i >= 0; i-- {
		c := r.s.challenges[r.s.order[i]]
		if c.UserID == userID && c.Type == t && c.Identifier == identifier && c.ConsumedAt == nil {
			out := *c
			return &out, nil
		}
	}
	return nil, apperror.NotFound("challenge", identifier)
}

func (r memChallenges) MarkConsumed(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fail("challenges.consume"); err != nil {
		return err
	}
	c, ok := r.s.challenges[id]
	if !ok {
		return apperror.NotFound("challenge", id)
	}
	if c.ConsumedAt == nil {
		c.ConsumedAt = &at
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
