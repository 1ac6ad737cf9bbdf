package user

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-identity/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
)

func TestGenerateOTP_SixDigits(t *testing.T) {
	six := regexp.MustCompile(`^[0-9]{6}$`)
	for i := 0; i < 200; i++ {
		otp, err := generateOTP()
		require.NoError(t, err)
		require.Regexp(t, six, otp)
	}
}

func TestForgotPassword_MailsHashedOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "Jane Doe", "janed", "jane@x.edu", "secret1")
	f.fixedOTPs("123456")

	require.NoError(t, f.svc.ForgotPassword(ctx, "jane@x.edu"))

	m, ok := f.mailer.last("reset code")
	require.True(t, ok)
	assert.Contains(t, m.Body, "123456")

	acct, err := f.store.FindByID(ctx, reg.User.ID)
	require.NoError(t, err)
	require.True(t, acct.HasResetWindow())
	assert.NotEqual(t, "123456", *acct.ResetOTPHash)
	assert.Equal(t, f.clock.Now().Add(ResetOTPTTL), *acct.ResetOTPExpiresAt)

	err = f.svc.ForgotPassword(ctx, "ghost@x.edu")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestVerifyResetOTP_Outcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Jane Doe", "janed", "jane@x.edu", "secret1")

	err := f.svc.VerifyResetOTP(ctx, "jane@x.edu", "123456")
	assert.ErrorIs(t, err, ErrNoResetRequest)

	f.fixedOTPs("123456")
	require.NoError(t, f.svc.ForgotPassword(ctx, "jane@x.edu"))

	for _, bad := range []string{"12345", "1234567", "12a456", ""} {
		err = f.svc.VerifyResetOTP(ctx, "jane@x.edu", bad)
		assert.Equal(t, apperr.CodeValidation, codeOf(err), bad)
	}

	err = f.svc.VerifyResetOTP(ctx, "jane@x.edu", "654321")
	assert.ErrorIs(t, err, ErrInvalidOTP)

	// verification does not consume the code
	require.NoError(t, f.svc.VerifyResetOTP(ctx, "jane@x.edu", "123456"))
	require.NoError(t, f.svc.VerifyResetOTP(ctx, "jane@x.edu", "123456"))
}

func TestVerifyResetOTP_ExpiresAfterTenMinutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Jane Doe", "janed", "jane@x.edu", "secret1")
	f.fixedOTPs("246810")
	require.NoError(t, f.svc.ForgotPassword(ctx, "jane@x.edu"))

	f.clock.Advance(11 * time.Minute)
	err := f.svc.VerifyResetOTP(ctx, "jane@x.edu", "246810")
	assert.ErrorIs(t, err, ErrOTPExpired)
	assert.Equal(t, "OTP has expired.", apperr.From(err).Message)
	assert.Equal(t, apperr.CodeOTPExpired, codeOf(err))
}

func TestForgotPassword_SecondRequestInvalidatesFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Jane Doe", "janed", "jane@x.edu", "secret1")
	f.fixedOTPs("111111", "222222")

	require.NoError(t, f.svc.ForgotPassword(ctx, "jane@x.edu"))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.ForgotPassword(ctx, "jane@x.edu"))

	err := f.svc.VerifyResetOTP(ctx, "jane@x.edu", "111111")
	assert.ErrorIs(t, err, ErrInvalidOTP)
	require.NoError(t, f.svc.VerifyResetOTP(ctx, "jane@x.edu", "222222"))
}

func TestForgotPassword_RollsBackUndeliveredOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "Jane Doe", "janed", "jane@x.edu", "secret1")
	f.fixedOTPs("135790")
	f.mailer.fail(errors.New("smtp down"))

	err := f.svc.ForgotPassword(ctx, "jane@x.edu")
	assert.ErrorIs(t, err, ErrResetDeliveryFailed)
	assert.Equal(t, apperr.CodeEmailDelivery, codeOf(err))

	acct, err := f.store.FindByID(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.False(t, acct.HasResetWindow())

	err = f.svc.VerifyResetOTP(ctx, "jane@x.edu", "135790")
	assert.ErrorIs(t, err, ErrNoResetRequest)
}

func TestResetPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "Jane Doe", "janed", "jane@x.edu", "secret1")
	_, err := f.svc.Login(ctx, "jane@x.edu", "secret1")
	require.NoError(t, err)
	f.fixedOTPs("975310")
	require.NoError(t, f.svc.ForgotPassword(ctx, "jane@x.edu"))

	in := ResetInput{Email: "jane@x.edu", OTP: "975310", NewPassword: "newsecret", ConfirmPassword: "newsecret"}
	require.NoError(t, f.svc.ResetPassword(ctx, in))

	idKey := "user:id:" + entity.IDString(reg.User.ID)
	assert.False(t, f.mr.Exists(idKey))
	assert.False(t, f.mr.Exists("user:email:jane@x.edu"))
	assert.False(t, f.mr.Exists("session:"+entity.IDString(reg.User.ID)))

	acct, err := f.store.FindByID(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.False(t, acct.HasResetWindow())

	_, err = f.svc.Login(ctx, "jane@x.edu", "secret1")
	assert.ErrorIs(t, err, ErrInvalidPassword)
	_, err = f.svc.Login(ctx, "jane@x.edu", "newsecret")
	require.NoError(t, err)

	// the same request again finds no open window
	err = f.svc.ResetPassword(ctx, in)
	assert.ErrorIs(t, err, ErrNoResetRequest)
	assert.Equal(t, "No reset request found", apperr.From(err).Message)

	f.drain(t)
	_, ok := f.mailer.last("password was changed")
	assert.True(t, ok)
}

func TestResetPassword_RevalidatesOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "Jane Doe", "janed", "jane@x.edu", "secret1")
	f.fixedOTPs("102938")
	require.NoError(t, f.svc.ForgotPassword(ctx, "jane@x.edu"))
	require.NoError(t, f.svc.VerifyResetOTP(ctx, "jane@x.edu", "102938"))

	f.clock.Advance(ResetOTPTTL + time.Second)
	err := f.svc.ResetPassword(ctx, ResetInput{Email: "jane@x.edu", OTP: "102938", NewPassword: "newsecret", ConfirmPassword: "newsecret"})
	assert.ErrorIs(t, err, ErrOTPExpired)

	_, err = f.svc.Login(ctx, "jane@x.edu", "secret1")
	require.NoError(t, err)
}

func TestResetPassword_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := map[string]ResetInput{
		"missing field": {Email: "jane@x.edu", OTP: "123456", NewPassword: "newsecret"},
		"bad otp":       {Email: "jane@x.edu", OTP: "12345", NewPassword: "newsecret", ConfirmPassword: "newsecret"},
		"mismatch":      {Email: "jane@x.edu", OTP: "123456", NewPassword: "newsecret", ConfirmPassword: "othersecret"},
		"too short":     {Email: "jane@x.edu", OTP: "123456", NewPassword: "abc", ConfirmPassword: "abc"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			err := f.svc.ResetPassword(ctx, in)
			assert.Equal(t, apperr.CodeValidation, codeOf(err))
		})
	}
}
