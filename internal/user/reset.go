package user

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ovaphlow/pitchfork/service-identity/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
)

var otpSpace = big.NewInt(1_000_000)

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// ForgotPassword opens a fresh reset window and mails the OTP. Any open window
// is closed first. If the OTP cannot be delivered it is cleared again and
// ErrResetDeliveryFailed is returned.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if !emailPattern.MatchString(email) {
		return errInvalidEmail
	}
	acct, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return s.storeError(err)
	}

	if acct.HasResetWindow() {
		err := s.store.ClearResetOTP(ctx, acct.ID, *acct.ResetOTPHash, s.now().UTC())
		if err != nil && !errors.Is(err, userrepo.ErrStale) {
			return s.storeError(err)
		}
	}

	otp, err := s.newOTP()
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "An unexpected error occurred", err)
	}
	hash, err := s.hasher.Hash(otp)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "An unexpected error occurred", err)
	}
	now := s.now().UTC()
	if err := s.store.UpdateResetOTP(ctx, acct.ID, hash, now.Add(ResetOTPTTL), now); err != nil {
		return s.storeError(err)
	}

	msg := s.catalog.ResetOTP(acct.FullName, otp, int(ResetOTPTTL.Minutes()))
	if s.sendNow(ctx, acct.Email, msg) {
		s.logger.Infow("reset otp issued", "account_id", acct.ID)
		return nil
	}

	// only clear our own OTP; a newer initiation may already have replaced it
	err = s.store.ClearResetOTP(context.WithoutCancel(ctx), acct.ID, hash, s.now().UTC())
	if err != nil && !errors.Is(err, userrepo.ErrStale) {
		s.logger.Errorw("undelivered reset otp not cleared", "account_id", acct.ID, "err", err)
	}
	return ErrResetDeliveryFailed
}

// VerifyResetOTP checks an OTP without consuming it. It stays usable until
// ResetPassword consumes it or it expires.
func (s *Service) VerifyResetOTP(ctx context.Context, email, otp string) error {
	email = strings.TrimSpace(email)
	if !emailPattern.MatchString(email) {
		return errInvalidEmail
	}
	if !otpPattern.MatchString(otp) {
		return apperr.Validation("OTP must be exactly 6 digits")
	}
	acct, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return s.storeError(err)
	}
	return s.checkOTP(acct, otp)
}

// ResetInput carries the final reset step.
type ResetInput struct {
	Email           string
	OTP             string
	NewPassword     string
	ConfirmPassword string
}

// ResetPassword re-validates the OTP, replaces the password hash, closes the
// reset window and invalidates every cached entry for the account.
func (s *Service) ResetPassword(ctx context.Context, in ResetInput) error {
	in.Email = strings.TrimSpace(in.Email)
	if in.Email == "" || in.OTP == "" || in.NewPassword == "" || in.ConfirmPassword == "" {
		return apperr.Validation("All fields are required")
	}
	if !emailPattern.MatchString(in.Email) {
		return errInvalidEmail
	}
	if !otpPattern.MatchString(in.OTP) {
		return apperr.Validation("OTP must be exactly 6 digits")
	}
	if in.NewPassword != in.ConfirmPassword {
		return apperr.Validation("Passwords do not match")
	}
	if len(in.NewPassword) < MinPasswordLength {
		return errPasswordTooShort
	}

	acct, err := s.store.FindByEmail(ctx, in.Email)
	if err != nil {
		return s.storeError(err)
	}
	if err := s.checkOTP(acct, in.OTP); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "An unexpected error occurred", err)
	}
	if err := s.store.UpdatePassword(ctx, acct.ID, *acct.ResetOTPHash, hash, s.now().UTC()); err != nil {
		if errors.Is(err, userrepo.ErrStale) {
			return s.resetRaceError(ctx, in)
		}
		return s.storeError(err)
	}
	if err := s.cache.Invalidate(ctx, acct.ID, acct.Email); err != nil {
		s.logger.Warnw("cache not invalidated after reset", "account_id", acct.ID, "err", err)
	}
	s.tasks.Send(s.mailer, "reset-confirmation", acct.Email, s.catalog.ResetConfirmation(acct.FullName))
	s.logger.Infow("password reset", "account_id", acct.ID)
	return nil
}

func (s *Service) checkOTP(acct *entity.Account, otp string) error {
	if !acct.HasResetWindow() {
		return ErrNoResetRequest
	}
	if s.now().UTC().After(*acct.ResetOTPExpiresAt) {
		return ErrOTPExpired
	}
	if !s.hasher.Verify(*acct.ResetOTPHash, otp) {
		return ErrInvalidOTP
	}
	return nil
}

// resetRaceError explains an UpdatePassword that lost to a concurrent reset
// or a fresh initiation.
func (s *Service) resetRaceError(ctx context.Context, in ResetInput) error {
	acct, err := s.store.FindByEmail(ctx, in.Email)
	if err != nil {
		return s.storeError(err)
	}
	if err := s.checkOTP(acct, in.OTP); err != nil {
		return err
	}
	return ErrNoResetRequest
}
