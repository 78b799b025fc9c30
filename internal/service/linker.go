package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/evm"
	"github.com/sakif/userbase/internal/model"
	"github.com/sakif/userbase/internal/repository"
)

// SignatureVerifier recovers the address that signed message.
// evm.Verifier is the production implementation.
type SignatureVerifier interface {
	RecoverSigner(message, signature string) (string, error)
}

// ProvidedIdentity is a socially-vouched identity the client hands over
// directly (POST /identities). There is no signature to check.
type ProvidedIdentity struct {
	Type       model.IdentityType
	Handle     string
	ExternalID string
	Address    string
	IsPrimary  *bool
	Metadata   map[string]any
}

// IdentityLinker attaches external identities to users.
//
// Two ways in:
//
//	signature:      challenge issued → wallet signs → LinkWithSignature
//	trust transfer: an identity the user already linked vouches for a new one
//
// Both end in claim(), which owns the dedupe / merge-required / insert rules.
type IdentityLinker struct {
	store      repository.Store
	challenges *ChallengeService
	verifier   SignatureVerifier
	timeout    time.Duration
	logger     *slog.Logger

	now func() time.Time
}

func NewIdentityLinker(
	store repository.Store,
	challenges *ChallengeService,
	verifier SignatureVerifier,
	timeout time.Duration,
	logger *slog.Logger,
) *IdentityLinker {
	return &IdentityLinker{
		store:      store,
		challenges: challenges,
		verifier:   verifier,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
	}
}

// LinkWithSignature links address to userID after checking signature over
// the newest active challenge for that address.
//
// On success the challenge is consumed. When the address already belongs to
// another user it returns ErrMergeRequired and leaves both the challenge and
// the store untouched.
func (l *IdentityLinker) LinkWithSignature(ctx context.Context, userID, address, signature string) (*model.Identity, error) {
	addr, err := evm.Normalize(address)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(signature) == "" {
		return nil, apperror.ValidationFailed("signature", "signature is required")
	}

	challenge, err := l.challenges.FetchActive(ctx, userID, model.IdentityEVM, addr)
	if err != nil {
		l.logFailure(ctx, "fetch challenge", model.IdentityEVM, addr, err)
		return nil, l.fatal(err)
	}

	signer, err := l.verifier.RecoverSigner(challenge.Message, signature)
	if err != nil {
		l.logFailure(ctx, "recover signer", model.IdentityEVM, addr, err)
		return nil, l.fatal(err)
	}
	if !evm.SameAddress(signer, addr) {
		l.logger.Warn("signature from unexpected address",
			slog.String("user_id", userID),
			slog.String("claimed", maskIdentifier(addr)),
			slog.String("recovered", maskIdentifier(strings.ToLower(signer))),
		)
		return nil, apperror.SignatureMismatch()
	}

	now := l.now().UTC()
	ident, _, err := l.claim(ctx, userID,
		repository.NewIdentity{
			UserID:     userID,
			Type:       model.IdentityEVM,
			Address:    &addr,
			VerifiedAt: &now,
			Metadata:   map[string]any{model.MetaVerifiedVia: "signature"},
		},
		func(ctx context.Context, tx repository.Store) error {
			return l.challenges.ConsumeWith(ctx, tx.Challenges(), challenge.ID)
		},
	)
	if err != nil {
		l.logFailure(ctx, "link", model.IdentityEVM, addr, err)
		return nil, err
	}
	return ident, nil
}

// LinkViaFarcaster links address on the strength of the caller's linked
// Farcaster account fid, which has already verified that address on its side.
//
// Fails with ErrVouchingIdentityMissing unless fid is linked to userID.
// No challenge is involved.
func (l *IdentityLinker) LinkViaFarcaster(ctx context.Context, userID, address, fid string) (*model.Identity, error) {
	addr, err := evm.Normalize(address)
	if err != nil {
		return nil, err
	}
	fid = strings.TrimSpace(fid)
	if fid == "" {
		return nil, apperror.ValidationFailed("farcaster_fid", "farcaster_fid is required")
	}

	if err := l.requireVoucher(ctx, userID, model.IdentityFarcaster, fid); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	ident, _, err := l.claim(ctx, userID, repository.NewIdentity{
		UserID:     userID,
		Type:       model.IdentityEVM,
		Address:    &addr,
		VerifiedAt: &now,
		Metadata: map[string]any{
			model.MetaVerifiedVia: string(model.IdentityFarcaster),
			model.MetaVouchingID:  fid,
		},
	}, nil)
	if err != nil {
		l.logFailure(ctx, "trust transfer", model.IdentityEVM, addr, err)
		return nil, err
	}
	return ident, nil
}

// LinkProvided links a hive or farcaster identity supplied by the client.
// It reports whether a new row was created; relinking one the caller already
// owns returns the stored row unchanged.
//
// evm identities are refused here: a wallet always needs a signature or a voucher.
//
// UNVERIFIED ROWS:
// Nothing here proves the caller controls the handle or FID, so the row is
// stored with verified_at NULL. The client's metadata is kept, minus any
// verified_via key: that key is only ever written by the signature and
// voucher paths, and a client must not be able to forge it.
func (l *IdentityLinker) LinkProvided(ctx context.Context, userID string, in ProvidedIdentity) (*model.Identity, bool, error) {
	handle := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(in.Handle), "@"))
	externalID := strings.TrimSpace(in.ExternalID)

	nid := repository.NewIdentity{
		UserID:    userID,
		Type:      in.Type,
		IsPrimary: in.IsPrimary,
		Metadata:  clientMetadata(in.Metadata),
	}
	switch in.Type {
	case model.IdentityFarcaster:
		if externalID == "" {
			return nil, false, apperror.ValidationFailed("external_id", "external_id is required for farcaster identities")
		}
	case model.IdentityHive:
		if handle == "" {
			return nil, false, apperror.ValidationFailed("handle", "handle is required for hive identities")
		}
	case model.IdentityEVM:
		return nil, false, apperror.ValidationFailed("type", "evm identities must be verified with a signature")
	default:
		return nil, false, apperror.ValidationFailed("type", "type must be one of hive, evm, farcaster")
	}

	if handle != "" {
		nid.Handle = &handle
	}
	if externalID != "" {
		nid.ExternalID = &externalID
	}
	if in.Address != "" {
		addr, err := evm.Normalize(in.Address)
		if err != nil {
			return nil, false, err
		}
		nid.Address = &addr
	}

	ident, created, err := l.claim(ctx, userID, nid, nil)
	if err != nil {
		l.logFailure(ctx, "link provided", in.Type, model.IdentifierFor(nid.Type, nid.Handle, nid.Address, nid.ExternalID), err)
		return nil, false, err
	}
	return ident, created, nil
}

// clientMetadata copies m without the keys reserved for verified links.
func clientMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == model.MetaVerifiedVia {
			continue
		}
		out[k] = v
	}
	return out
}

// List returns the caller's identities, primary first.
func (l *IdentityLinker) List(ctx context.Context, userID string) ([]model.Identity, error) {
	ctx, cancel := bounded(ctx, l.timeout)
	defer cancel()
	return l.store.Identities().FindAllForUser(ctx, userID)
}

// Unlink deletes one of the caller's identities. A primary is not replaced.
func (l *IdentityLinker) Unlink(ctx context.Context, userID, identityID string) error {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return apperror.ValidationFailed("id", "id is required")
	}

	ctx, cancel := bounded(ctx, l.timeout)
	defer cancel()
	if err := l.store.Identities().Delete(ctx, identityID, userID); err != nil {
		return err
	}

	l.logger.Info("identity unlinked",
		slog.String("user_id", userID),
		slog.String("identity_id", identityID),
	)
	return nil
}

// claim is the dedupe / conflict / insert step shared by every link path.
//
//	row exists, owned by userID  → consume (if any), return it unchanged
//	row exists, owned by another → ErrMergeRequired, nothing written
//	no row                       → insert + consume in one transaction
//
// Losing an insert race to a concurrent request surfaces as
// ErrDuplicateIdentity from the store. The row is then re-read and the same
// decision applied; the insert is never retried.
func (l *IdentityLinker) claim(
	ctx context.Context,
	userID string,
	in repository.NewIdentity,
	consume func(ctx context.Context, tx repository.Store) error,
) (*model.Identity, bool, error) {
	identifier := model.IdentifierFor(in.Type, in.Handle, in.Address, in.ExternalID)

	existing, err := l.find(ctx, in.Type, identifier)
	if err != nil {
		return nil, false, l.fatal(err)
	}
	if existing != nil {
		ident, err := l.settleExisting(ctx, userID, existing, consume)
		return ident, false, err
	}

	var created *model.Identity
	insertCtx, cancel := bounded(ctx, l.timeout)
	defer cancel()
	err = l.store.WithinTx(insertCtx, func(tx repository.Store) error {
		ident, err := tx.Identities().Insert(insertCtx, in)
		if err != nil {
			return err
		}
		if consume != nil {
			if err := consume(insertCtx, tx); err != nil {
				return err
			}
		}
		created = ident
		return nil
	})
	if err == nil {
		l.logger.Info("identity linked",
			slog.String("user_id", userID),
			slog.String("identity_id", created.ID),
			slog.String("type", string(in.Type)),
			slog.String("identifier", maskIdentifier(identifier)),
			slog.Bool("is_primary", created.IsPrimary),
		)
		return created, true, nil
	}
	if !errors.Is(err, apperror.ErrDuplicateIdentity) {
		return nil, false, l.fatal(err)
	}

	// Someone else inserted the same (type, identifier) between our read
	// and our write.
	existing, rerr := l.find(ctx, in.Type, identifier)
	if rerr != nil {
		return nil, false, l.fatal(rerr)
	}
	if existing == nil {
		// Inserted and deleted again while we looked away.
		return nil, false, apperror.LinkFailed(err)
	}
	ident, err := l.settleExisting(ctx, userID, existing, consume)
	return ident, false, err
}

func (l *IdentityLinker) settleExisting(
	ctx context.Context,
	userID string,
	existing *model.Identity,
	consume func(ctx context.Context, tx repository.Store) error,
) (*model.Identity, error) {
	if existing.UserID != userID {
		l.logger.Info("identity owned by another user",
			slog.String("user_id", userID),
			slog.String("existing_user_id", existing.UserID),
			slog.String("type", string(existing.Type)),
			slog.String("identifier", maskIdentifier(existing.Identifier())),
		)
		return nil, apperror.MergeRequired(existing.UserID)
	}

	if consume != nil {
		err := l.store.WithinTx(ctx, func(tx repository.Store) error {
			return consume(ctx, tx)
		})
		if err != nil {
			return nil, l.fatal(err)
		}
	}
	return existing, nil
}

// find returns (nil, nil) when no identity holds the identifier.
func (l *IdentityLinker) find(ctx context.Context, t model.IdentityType, identifier string) (*model.Identity, error) {
	ctx, cancel := bounded(ctx, l.timeout)
	defer cancel()

	ident, err := l.store.Identities().FindByTypeAndIdentifier(ctx, t, identifier)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, nil
	}
	return ident, err
}

func (l *IdentityLinker) requireVoucher(ctx context.Context, userID string, t model.IdentityType, externalID string) error {
	voucher, err := l.find(ctx, t, externalID)
	if err != nil {
		return l.fatal(err)
	}
	if voucher == nil || voucher.UserID != userID {
		l.logger.Info("vouching identity not linked",
			slog.String("user_id", userID),
			slog.String("type", string(t)),
			slog.String("identifier", maskIdentifier(externalID)),
		)
		return apperror.VouchingIdentityMissing(string(t))
	}
	return nil
}

// fatal passes categorized errors through and folds anything else into
// ErrLinkFailed.
func (l *IdentityLinker) fatal(err error) error {
	if apperror.IsCategorized(err) {
		return err
	}
	return apperror.LinkFailed(err)
}

func (l *IdentityLinker) logFailure(ctx context.Context, op string, t model.IdentityType, identifier string, err error) {
	level := slog.LevelInfo
	if errors.Is(err, apperror.ErrBackendUnavailable) || errors.Is(err, apperror.ErrLinkFailed) {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "identity "+op+" failed",
		slog.String("type", string(t)),
		slog.String("identifier", maskIdentifier(identifier)),
		slog.String("error", err.Error()),
	)
}
