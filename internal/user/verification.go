package user

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ovaphlow/pitchfork/service-identity/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
)

func generateVerificationToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func hashVerificationToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (s *Service) verificationLink(email, raw string) string {
	q := url.Values{}
	q.Set("token", raw)
	q.Set("email", email)
	return s.appURL + "/verify-email?" + q.Encode()
}

// VerifyEmail consumes the account's verification token. The account moves
// to verified exactly once; later calls report ErrAlreadyVerified.
func (s *Service) VerifyEmail(ctx context.Context, email, token string) (*entity.Projection, error) {
	email = strings.TrimSpace(email)
	token = strings.TrimSpace(token)
	if email == "" || token == "" {
		return nil, apperr.Validation("Email and verification token are required")
	}

	acct, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, s.storeError(err)
	}
	if acct.IsVerified {
		return nil, ErrAlreadyVerified
	}
	if acct.VerificationTokenHash == nil || acct.VerificationTokenExpiresAt == nil ||
		!ConstantTimeCompare(*acct.VerificationTokenHash, hashVerificationToken(token)) {
		return nil, ErrInvalidVerification
	}
	now := s.now().UTC()
	if now.After(*acct.VerificationTokenExpiresAt) {
		return nil, ErrVerificationExpired
	}

	acct, err = s.store.MarkVerified(ctx, acct.ID, *acct.VerificationTokenHash, now)
	if err != nil {
		if errors.Is(err, userrepo.ErrStale) {
			return nil, s.verifyRaceError(ctx, email)
		}
		return nil, s.storeError(err)
	}
	proj := acct.Projection()
	s.upsert(ctx, proj)
	s.tasks.Send(s.mailer, "welcome", acct.Email, s.catalog.Welcome(acct.FullName))
	s.logger.Infow("email verified", "account_id", acct.ID)
	return &proj, nil
}

// ResendVerification replaces the token slot with a fresh token and mails
// it. The returned flag reports whether the email went out.
func (s *Service) ResendVerification(ctx context.Context, email string) (bool, error) {
	email = strings.TrimSpace(email)
	if !emailPattern.MatchString(email) {
		return false, errInvalidEmail
	}
	acct, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return false, s.storeError(err)
	}
	if acct.IsVerified {
		return false, ErrAlreadyVerified
	}

	raw, err := s.newVerifier()
	if err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, "An unexpected error occurred", err)
	}
	now := s.now().UTC()
	err = s.store.UpdateVerificationToken(ctx, acct.ID, hashVerificationToken(raw), now.Add(VerificationTokenTTL), now)
	if err != nil {
		if errors.Is(err, userrepo.ErrStale) {
			return false, ErrAlreadyVerified
		}
		return false, s.storeError(err)
	}
	return s.sendNow(ctx, acct.Email, s.catalog.Verification(acct.FullName, s.verificationLink(acct.Email, raw))), nil
}

// verifyRaceError explains a MarkVerified that lost to a concurrent write.
func (s *Service) verifyRaceError(ctx context.Context, email string) error {
	acct, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return s.storeError(err)
	}
	if acct.IsVerified {
		return ErrAlreadyVerified
	}
	// a resend replaced the token
	return ErrInvalidVerification
}
