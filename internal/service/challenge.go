package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/userbase/internal/apperror"
	"github.com/sakif/userbase/internal/evm"
	"github.com/sakif/userbase/internal/model"
	"github.com/sakif/userbase/internal/repository"
)

const (
	// ChallengeMessageVersion is printed in every challenge message. Bump it
	// whenever the template below changes; outstanding challenges keep the
	// text they were issued with.
	ChallengeMessageVersion = 1

	DefaultChallengeTTL = 10 * time.Minute

	nonceBytes = 16
)

// ChallengeMessage renders the canonical text a wallet signs.
func ChallengeMessage(userID, checksumAddress, nonce string, issuedAt time.Time) string {
	var b strings.Builder
	b.WriteString("Userbase wants you to link this wallet to your account.\n")
	fmt.Fprintf(&b, "Version: %d\n", ChallengeMessageVersion)
	fmt.Fprintf(&b, "User: %s\n", userID)
	fmt.Fprintf(&b, "Address: %s\n", checksumAddress)
	fmt.Fprintf(&b, "Nonce: %s\n", nonce)
	fmt.Fprintf(&b, "Issued At: %s", issuedAt.UTC().Format(time.RFC3339))
	return b.String()
}

// ChallengeService issues and consumes one-time signing challenges.
type ChallengeService struct {
	challenges repository.ChallengeRepository
	ttl        time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	now    func() time.Time
	random io.Reader
}

func NewChallengeService(challenges repository.ChallengeRepository, ttl, timeout time.Duration, logger *slog.Logger) *ChallengeService {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ChallengeService{
		challenges: challenges,
		ttl:        ttl,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
		random:     rand.Reader,
	}
}

// Issue creates a fresh challenge for (userID, t, identifier).
//
// Earlier outstanding challenges are left alone; FetchActive always picks
// the newest. Only evm challenges exist today.
func (s *ChallengeService) Issue(ctx context.Context, userID string, t model.IdentityType, identifier string) (*model.Challenge, error) {
	if t != model.IdentityEVM {
		return nil, apperror.ValidationFailed("type", "challenges are only issued for evm identities")
	}
	address, err := evm.Normalize(identifier)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, nonceBytes)
	if _, err := io.ReadFull(s.random, raw); err != nil {
		return nil, fmt.Errorf("generating challenge nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw)

	// Truncated to the second so the stored time matches the message text.
	issuedAt := s.now().UTC().Truncate(time.Second)
	challenge := &model.Challenge{
		UserID:     userID,
		Type:       t,
		Identifier: address,
		Nonce:      nonce,
		Message:    ChallengeMessage(userID, evm.Checksum(address), nonce, issuedAt),
		CreatedAt:  issuedAt,
		ExpiresAt:  issuedAt.Add(s.ttl),
	}

	ctx, cancel := bounded(ctx, s.timeout)
	defer cancel()
	if err := s.challenges.Create(ctx, challenge); err != nil {
		s.logger.Error("failed to issue challenge",
			slog.String("type", string(t)),
			slog.String("identifier", maskIdentifier(address)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("challenge issued",
		slog.String("challenge_id", challenge.ID),
		slog.String("type", string(t)),
		slog.String("identifier", maskIdentifier(address)),
	)
	return challenge, nil
}

// FetchActive returns the newest unconsumed challenge for the tuple.
//
// ErrNoActiveChallenge when there is none, ErrChallengeExpired when the
// newest one is past its expiry. It never re-issues or extends; the client
// has to start over.
func (s *ChallengeService) FetchActive(ctx context.Context, userID string, t model.IdentityType, identifier string) (*model.Challenge, error) {
	ctx, cancel := bounded(ctx, s.timeout)
	defer cancel()

	challenge, err := s.challenges.FindLatestUnconsumed(ctx, userID, t, identifier)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.NoActiveChallenge()
		}
		return nil, err
	}
	if challenge.ExpiredAt(s.now()) {
		return nil, apperror.ChallengeExpired()
	}
	return challenge, nil
}

// Consume marks the challenge used. Repeating it is a no-op, so callers must
// have decided on the verification result before calling it.
func (s *ChallengeService) Consume(ctx context.Context, challengeID string) error {
	return s.ConsumeWith(ctx, s.challenges, challengeID)
}

// ConsumeWith is Consume against a specific repository, typically one bound
// to the caller's transaction.
func (s *ChallengeService) ConsumeWith(ctx context.Context, challenges repository.ChallengeRepository, challengeID string) error {
	ctx, cancel := bounded(ctx, s.timeout)
	defer cancel()
	return challenges.MarkConsumed(ctx, challengeID, s.now().UTC())
}
