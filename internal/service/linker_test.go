package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/evm"
	"github.com/sakif/userbase/internal/evm/evmtest"
	"github.com/sakif/userbase/internal/model"
)

type linkerFixture struct {
	store      *memStore
	clock      *testClock
	challenges *ChallengeService
	linker     *IdentityLinker
}

func newLinkerFixture(t *testing.T) *linkerFixture {
	t.Helper()
	store := newMemStore()
	clock := newTestClock()
	challenges := newTestChallengeService(store, clock)
	linker := NewIdentityLinker(store, challenges, evm.Verifier{}, 50*time.Millisecond, discardLogger())
	linker.now = clock.now
	return &linkerFixture{store: store, clock: clock, challenges: challenges, linker: linker}
}

// issueAndSign runs the client half of the wallet flow: request a challenge
// for the signer's address and sign it.
func (f *linkerFixture) issueAndSign(t *testing.T, userID string, signer *evmtest.Signer) (*model.Challenge, string) {
	t.Helper()
	c, err := f.challenges.Issue(context.Background(), userID, model.IdentityEVM, signer.Address)
	require.NoError(t, err)
	return c, signer.Sign(c.Message)
}

func TestLinkWithSignature_FirstIsPrimarySecondIsNot(t *testing.T) {
	f := newLinkerFixture(t)
	ctx := context.Background()
	user := f.store.addUser("", "U")
	abc, def := evmtest.New(1), evmtest.New(2)

	c1, sig1 := f.issueAndSign(t, user.ID, abc)
	first, err := f.linker.LinkWithSignature(ctx, user.ID, abc.Address, sig1)
	require.NoError(t, err)

	assert.True(t, first.IsPrimary)
	assert.Equal(t, abc.Lower(), *first.Address)
	assert.Equal(t, "signature", first.Metadata[model.MetaVerifiedVia])
	require.NotNil(t, first.VerifiedAt)
	assert.NotNil(t, f.store.challenge(c1.ID).ConsumedAt, "challenge should be consumed")

	_, sig2 := f.issueAndSign(t, user.ID, def)
	second, err := f.linker.LinkWithSignature(ctx, user.ID, def.Address, sig2)
	require.NoError(t, err)
	assert.False(t, second.IsPrimary)
}

func TestLinkWithSignature_RelinkIsIdempotent(t *testing.T) {
	f := newLinkerFixture(t)
	ctx := context.Background()
	user := f.store.addUser("", "U")
	signer := evmtest.New(3)

	_, sig := f.issueAndSign(t, user.ID, signer)
	first, err := f.linker.LinkWithSignature(ctx, user.ID, signer.Address, sig)
	require.NoError(t, err)

	c2, sig2 := f.issueAndSign(t, user.ID, signer)
	again, err := f.linker.LinkWithSignature(ctx, user.ID, signer.Address, sig2)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, f.store.countIdentities())
	assert.NotNil(t, f.store.challenge(c2.ID).ConsumedAt, "the presented challenge should be consumed")
}

func TestLinkWithSignature_ReplayIsRejected(t *testing.T) {
	f := newLinkerFixture(t)
	ctx := context.Background()
	user := f.store.addUser("", "U")
	signer := evmtest.New(4)

	_, sig := f.issueAndSign(t, user.ID, signer)
	_, err := f.linker.LinkWithSignature(ctx, user.ID, signer.Address, sig)
	require.NoError(t, err)

	_, err = f.linker.LinkWithSignature(ctx, user.ID, signer.Address, sig)
	assert.True(t, errors.Is(err, apperror.ErrNoActiveChallenge), "replay error = %v", err)
}

func TestLinkWithSignature_WrongSigner(t *testing.T) {
	f := newLinkerFixture(t)
	ctx := context.Background()
	user := f.store.addUser("", "U")
	claimed, actual := evmtest.New(5), evmtest.New(6)

	c, err := f.challenges.Issue(ctx, user.ID, model.IdentityEVM, claimed.Address)
	require.NoError(t, err)

	_, err = f.linker.LinkWithSignature(ctx, user.ID, claimed.Address, actual.Sign(c.Message))
	assert.True(t, errors.Is(err, apperror.ErrSignatureMismatch), "error = %v", err)
	assert.False(t, errors.Is(err, apperror.ErrInvalidSignature))
	assert.Equal(t, 0, f.store.countIdentities())
	assert.Nil(t, f.store.challenge(c.ID).ConsumedAt)
}

func TestLinkWithSignature_MergeRequired(t *testing.T) {
	f := newLinkerFixture(t)
	ctx := context.Background()
	u1 := f.store.addUser("", "U1")
	u2 := f.store.addUser("", "U2")
	signer := evmtest.New(7)

	_, sig := f.issueAndSign(t, u1.ID, signer)
	_, err := f.linker.LinkWithSignature(ctx, u1.ID, signer.Address, sig)
	require.NoError(t, err)

	c2, sig2 := f.issueAndSign(t, u2.ID, signer)
	_, err = f.linker.LinkWithSignature(ctx, u2.ID, signer.Address, sig2)
	require.True(t, errors.Is(err, apperror.ErrMergeRequired), "error = %v", err)

	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, u1.ID, appErr.ExistingUserID)
	assert.Equal(t, 1, f.store.countIdentities())
	assert.Nil(t, f.store.challenge(c2.ID).ConsumedAt, "challenge must not be consumed on conflict")
}

func TestLinkWithSignature_ChallengeErrors(t *testing.T) {
	signer := evmtest.New(8)

	t.Run("no challenge", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")
		_, err := f.linker.LinkWithSignature(context.Background(), user.ID, signer.Address, signer.Sign("anything"))
		assert.True(t, errors.Is(err, apperror.ErrNoActiveChallenge), "error = %v", err)
	})

	t.Run("expired challenge", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")
		_, sig := f.issueAndSign(t, user.ID, signer)
		f.clock.advance(11 * time.Minute)

		_, err := f.linker.LinkWithSignature(context.Background(), user.ID, signer.Address, sig)
		assert.True(t, errors.Is(err, apperror.ErrChallengeExpired), "error = %v", err)
		assert.Equal(t, 0, f.store.countIdentities())
	})

	t.Run("challenge of another user", func(t *testing.T) {
		f := newLinkerFixture(t)
		owner := f.store.addUser("", "Owner")
		other := f.store.addUser("", "Other")
		_, sig := f.issueAndSign(t, owner.ID, signer)

		_, err := f.linker.LinkWithSignature(context.Background(), other.ID, signer.Address, sig)
		assert.True(t, errors.Is(err, apperror.ErrNoActiveChallenge), "error = %v", err)
	})
}

func TestLinkWithSignature_InputValidation(t *testing.T) {
	f := newLinkerFixture(t)
	user := f.store.addUser("", "U")
	signer := evmtest.New(9)
	_, sig := f.issueAndSign(t, user.ID, signer)

	tests := []struct {
		name    string
		address string
		sig     string
		target  error
	}{
		{name: "malformed address", address: "0xnothex", sig: sig, target: apperror.ErrValidation},
		{name: "missing signature", address: signer.Address, sig: "", target: apperror.ErrValidation},
		{name: "garbage signature", address: signer.Address, sig: "0xdeadbeef", target: apperror.ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.linker.LinkWithSignature(context.Background(), user.ID, tt.address, tt.sig)
			assert.True(t, errors.Is(err, tt.target), "error = %v, want %v", err, tt.target)
		})
	}
	assert.Equal(t, 0, f.store.countIdentities())
}

func TestLinkWithSignature_LostRaceToAnotherUser(t *testing.T) {
	f := newLinkerFixture(t)
	u1 := f.store.addUser("", "U1")
	u2 := f.store.addUser("", "U2")
	signer := evmtest.New(10)
	c, sig := f.issueAndSign(t, u1.ID, signer)

	// u2 links the same address between our lookup and our insert.
	f.store.afterMiss = func(s *memStore) {
		s.addIdentity(u2.ID, model.IdentityEVM, signer.Lower())
	}

	_, err := f.linker.LinkWithSignature(context.Background(), u1.ID, signer.Address, sig)
	require.True(t, errors.Is(err, apperror.ErrMergeRequired), "error = %v", err)

	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, u2.ID, appErr.ExistingUserID)
	assert.Equal(t, 1, f.store.countIdentities())
	assert.Nil(t, f.store.challenge(c.ID).ConsumedAt)
}

func TestLinkWithSignature_LostRaceToSameUser(t *testing.T) {
	f := newLinkerFixture(t)
	user := f.store.addUser("", "U")
	signer := evmtest.New(11)
	c, sig := f.issueAndSign(t, user.ID, signer)

	var winner *model.Identity
	f.store.afterMiss = func(s *memStore) {
		winner = s.addIdentity(user.ID, model.IdentityEVM, signer.Lower())
	}

	got, err := f.linker.LinkWithSignature(context.Background(), user.ID, signer.Address, sig)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, got.ID)
	assert.Equal(t, 1, f.store.countIdentities())
	assert.NotNil(t, f.store.challenge(c.ID).ConsumedAt)
}

func TestLinkWithSignature_ConsumeFailureRollsBackInsert(t *testing.T) {
	f := newLinkerFixture(t)
	user := f.store.addUser("", "U")
	signer := evmtest.New(12)
	_, sig := f.issueAndSign(t, user.ID, signer)
	f.store.failOn["challenges.consume"] = apperror.BackendUnavailable("challenges.consume", errors.New("locked"))

	_, err := f.linker.LinkWithSignature(context.Background(), user.ID, signer.Address, sig)
	assert.True(t, errors.Is(err, apperror.ErrBackendUnavailable), "error = %v", err)
	assert.Equal(t, 0, f.store.countIdentities(), "insert must roll back with the consume")
}

func TestLinkWithSignature_UncategorizedErrorIsLinkFailed(t *testing.T) {
	f := newLinkerFixture(t)
	user := f.store.addUser("", "U")
	signer := evmtest.New(13)
	_, sig := f.issueAndSign(t, user.ID, signer)
	f.store.failOn["identities.insert"] = errors.New("something odd")

	_, err := f.linker.LinkWithSignature(context.Background(), user.ID, signer.Address, sig)
	assert.True(t, errors.Is(err, apperror.ErrLinkFailed), "error = %v", err)
}

func TestLinkWithSignature_LookupFailureIsNotNotFound(t *testing.T) {
	f := newLinkerFixture(t)
	user := f.store.addUser("", "U")
	signer := evmtest.New(14)
	_, sig := f.issueAndSign(t, user.ID, signer)
	f.store.failOn["identities.find"] = apperror.BackendUnavailable("identities.find", context.DeadlineExceeded)

	_, err := f.linker.LinkWithSignature(context.Background(), user.ID, signer.Address, sig)
	assert.True(t, errors.Is(err, apperror.ErrBackendUnavailable), "error = %v", err)
	assert.Equal(t, 0, f.store.countIdentities())
}

func TestLinkViaFarcaster(t *testing.T) {
	signer := evmtest.New(20)

	t.Run("vouching identity missing", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")

		_, err := f.linker.LinkViaFarcaster(context.Background(), user.ID, signer.Address, "1234")
		assert.True(t, errors.Is(err, apperror.ErrVouchingIdentityMissing), "error = %v", err)
		assert.Equal(t, 0, f.store.countIdentities())
	})

	t.Run("fid linked to someone else", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")
		other := f.store.addUser("", "Other")
		f.store.addIdentity(other.ID, model.IdentityFarcaster, "1234")

		_, err := f.linker.LinkViaFarcaster(context.Background(), user.ID, signer.Address, "1234")
		assert.True(t, errors.Is(err, apperror.ErrVouchingIdentityMissing), "error = %v", err)
	})

	t.Run("links with vouching metadata", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")
		f.store.addIdentity(user.ID, model.IdentityFarcaster, "1234")

		ident, err := f.linker.LinkViaFarcaster(context.Background(), user.ID, signer.Address, " 1234 ")
		require.NoError(t, err)
		assert.Equal(t, model.IdentityEVM, ident.Type)
		assert.Equal(t, signer.Lower(), *ident.Address)
		assert.True(t, ident.IsPrimary)
		assert.Equal(t, "farcaster", ident.Metadata[model.MetaVerifiedVia])
		assert.Equal(t, "1234", ident.Metadata[model.MetaVouchingID])
		assert.NotNil(t, ident.VerifiedAt)
	})

	t.Run("address owned by another user", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")
		other := f.store.addUser("", "Other")
		f.store.addIdentity(user.ID, model.IdentityFarcaster, "1234")
		f.store.addIdentity(other.ID, model.IdentityEVM, signer.Lower())

		_, err := f.linker.LinkViaFarcaster(context.Background(), user.ID, signer.Address, "1234")
		require.True(t, errors.Is(err, apperror.ErrMergeRequired), "error = %v", err)
		assert.Equal(t, 2, f.store.countIdentities())
	})

	t.Run("already mine", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")
		f.store.addIdentity(user.ID, model.IdentityFarcaster, "1234")
		existing := f.store.addIdentity(user.ID, model.IdentityEVM, signer.Lower())

		got, err := f.linker.LinkViaFarcaster(context.Background(), user.ID, signer.Address, "1234")
		require.NoError(t, err)
		assert.Equal(t, existing.ID, got.ID)
	})

	t.Run("missing fid", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")
		_, err := f.linker.LinkViaFarcaster(context.Background(), user.ID, signer.Address, "  ")
		assert.True(t, errors.Is(err, apperror.ErrValidation), "error = %v", err)
	})
}

func TestLinkProvided(t *testing.T) {
	ctx := context.Background()

	t.Run("farcaster requires external_id", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")
		_, _, err := f.linker.LinkProvided(ctx, user.ID, ProvidedIdentity{Type: model.IdentityFarcaster, Handle: "alice"})
		assert.True(t, errors.Is(err, apperror.ErrValidation), "error = %v", err)
	})

	t.Run("evm is refused", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")
		_, _, err := f.linker.LinkProvided(ctx, user.ID, ProvidedIdentity{Type: model.IdentityEVM, Address: lowerAddr})
		assert.True(t, errors.Is(err, apperror.ErrValidation), "error = %v", err)
		assert.Equal(t, 0, f.store.countIdentities())
	})

	t.Run("new then existing", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")
		in := ProvidedIdentity{
			Type:       model.IdentityFarcaster,
			Handle:     "@Alice",
			ExternalID: "777",
			Address:    checksumAddr,
			Metadata:   map[string]any{"pfp": "https://example.com/a.png"},
		}

		first, created, err := f.linker.LinkProvided(ctx, user.ID, in)
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, first.IsPrimary)
		assert.Equal(t, "alice", *first.Handle)
		assert.Equal(t, lowerAddr, *first.Address)

		again, created, err := f.linker.LinkProvided(ctx, user.ID, in)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, again.ID)
	})

	t.Run("stored unverified", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")

		ident, created, err := f.linker.LinkProvided(ctx, user.ID, ProvidedIdentity{
			Type:   model.IdentityHive,
			Handle: "alice",
			Metadata: map[string]any{
				model.MetaVerifiedVia: "farcaster",
				"note":                "from client",
			},
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Nil(t, ident.VerifiedAt, "a client-supplied identity has no proof of ownership")
		assert.NotContains(t, ident.Metadata, model.MetaVerifiedVia)
		assert.Equal(t, "from client", ident.Metadata["note"])
	})

	t.Run("owned by another user", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")
		other := f.store.addUser("", "Other")
		f.store.addIdentity(other.ID, model.IdentityHive, "alice")

		_, _, err := f.linker.LinkProvided(ctx, user.ID, ProvidedIdentity{Type: model.IdentityHive, Handle: "alice"})
		assert.True(t, errors.Is(err, apperror.ErrMergeRequired), "error = %v", err)
	})

	t.Run("explicit primary demotes the old one", func(t *testing.T) {
		f := newLinkerFixture(t)
		user := f.store.addUser("", "U")
		old := f.store.addIdentity(user.ID, model.IdentityHive, "first")
		primary := true

		ident, _, err := f.linker.LinkProvided(ctx, user.ID, ProvidedIdentity{Type: model.IdentityHive, Handle: "second", IsPrimary: &primary})
		require.NoError(t, err)
		assert.True(t, ident.IsPrimary)

		all, err := f.linker.List(ctx, user.ID)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, ident.ID, all[0].ID)
		assert.Equal(t, old.ID, all[1].ID)
		assert.False(t, all[1].IsPrimary)
	})
}

func TestUnlink(t *testing.T) {
	ctx := context.Background()
	f := newLinkerFixture(t)
	owner := f.store.addUser("", "Owner")
	other := f.store.addUser("", "Other")
	ident := f.store.addIdentity(owner.ID, model.IdentityHive, "alice")

	err := f.linker.Unlink(ctx, other.ID, ident.ID)
	assert.True(t, errors.Is(err, apperror.ErrForbidden), "error = %v", err)

	err = f.linker.Unlink(ctx, owner.ID, "")
	assert.True(t, errors.Is(err, apperror.ErrValidation), "error = %v", err)

	require.NoError(t, f.linker.Unlink(ctx, owner.ID, ident.ID))
	assert.Equal(t, 0, f.store.countIdentities())

	err = f.linker.Unlink(ctx, owner.ID, ident.ID)
	assert.True(t, errors.Is(err, apperror.ErrNotFound), "error = %v", err)
}
