package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
)

var (
	ErrNotFound          = errors.New("account not found")
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrDuplicateUsername = errors.New("username already taken")
	// ErrStale is returned when a guarded update matched no row because the
	// account moved on since it was read.
	ErrStale = errors.New("account changed concurrently")
)

const uniqueViolation = "23505"

const accountColumns = `id, full_name, username, email, password_hash, role, is_verified,
	verification_token_hash, verification_token_expires_at,
	reset_otp_hash, reset_otp_expires_at, last_login_at, created_at, updated_at`

// AccountRepo provides data access for the accounts table using sqlx.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// FindByEmail matches the email exactly as stored.
func (r *AccountRepo) FindByEmail(ctx context.Context, email string) (*entity.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email=$1`, email)
}

// FindByUsername matches the canonical username.
func (r *AccountRepo) FindByUsername(ctx context.Context, username string) (*entity.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username=$1`, username)
}

func (r *AccountRepo) FindByID(ctx context.Context, id int64) (*entity.Account, error) {
	return r.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id)
}

func (r *AccountRepo) getOne(ctx context.Context, q string, arg any) (*entity.Account, error) {
	var row entity.Account
	if err := r.db.GetContext(ctx, &row, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select account: %w", err)
	}
	return &row, nil
}

// Create inserts a new account row. The id is assigned by the caller.
func (r *AccountRepo) Create(ctx context.Context, a *entity.Account) error {
	const q = `INSERT INTO accounts (id, full_name, username, email, password_hash, role, is_verified,
			verification_token_hash, verification_token_expires_at, reset_otp_hash, reset_otp_expires_at,
			last_login_at, created_at, updated_at)
		VALUES (:id, :full_name, :username, :email, :password_hash, :role, :is_verified,
			:verification_token_hash, :verification_token_expires_at, :reset_otp_hash, :reset_otp_expires_at,
			:last_login_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, a); err != nil {
		return mapWriteError(err)
	}
	return nil
}

// TouchLastLogin stamps a successful login and returns the row as it now
// stands, so callers never project a copy read before a concurrent write.
func (r *AccountRepo) TouchLastLogin(ctx context.Context, id int64, at time.Time) (*entity.Account, error) {
	return r.updateReturning(ctx, ErrNotFound, `UPDATE accounts SET last_login_at=$1, updated_at=$1
		WHERE id=$2 RETURNING `+accountColumns, at, id)
}

// MarkVerified flips is_verified and drops the token pair, but only while the
// account is unverified and still holds tokenHash. Otherwise ErrStale.
func (r *AccountRepo) MarkVerified(ctx context.Context, id int64, tokenHash string, at time.Time) (*entity.Account, error) {
	return r.updateReturning(ctx, ErrStale, `UPDATE accounts SET is_verified=true,
			verification_token_hash=NULL, verification_token_expires_at=NULL, updated_at=$1
		WHERE id=$2 AND is_verified=false AND verification_token_hash=$3
		RETURNING `+accountColumns, at, id, tokenHash)
}

// UpdateVerificationToken replaces the token pair of an unverified account.
// A verified account yields ErrStale.
func (r *AccountRepo) UpdateVerificationToken(ctx context.Context, id int64, tokenHash string, expiresAt, at time.Time) error {
	return r.update(ctx, ErrStale, `UPDATE accounts SET verification_token_hash=$1,
			verification_token_expires_at=$2, updated_at=$3
		WHERE id=$4 AND is_verified=false`, tokenHash, expiresAt, at, id)
}

// UpdateResetOTP opens a reset window, replacing whatever was there.
func (r *AccountRepo) UpdateResetOTP(ctx context.Context, id int64, otpHash string, expiresAt, at time.Time) error {
	return r.update(ctx, ErrNotFound, `UPDATE accounts SET reset_otp_hash=$1, reset_otp_expires_at=$2, updated_at=$3
		WHERE id=$4`, otpHash, expiresAt, at, id)
}

// ClearResetOTP closes the reset window if it still holds otpHash.
func (r *AccountRepo) ClearResetOTP(ctx context.Context, id int64, otpHash string, at time.Time) error {
	return r.update(ctx, ErrStale, `UPDATE accounts SET reset_otp_hash=NULL, reset_otp_expires_at=NULL, updated_at=$1
		WHERE id=$2 AND reset_otp_hash=$3`, at, id, otpHash)
}

// UpdatePassword replaces the password hash and consumes the reset window in
// one statement. It fails with ErrStale unless the window still holds otpHash.
func (r *AccountRepo) UpdatePassword(ctx context.Context, id int64, otpHash, passwordHash string, at time.Time) error {
	return r.update(ctx, ErrStale, `UPDATE accounts SET password_hash=$1,
			reset_otp_hash=NULL, reset_otp_expires_at=NULL, updated_at=$2
		WHERE id=$3 AND reset_otp_hash=$4`, passwordHash, at, id, otpHash)
}

func (r *AccountRepo) update(ctx context.Context, none error, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return mapWriteError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return none
	}
	return nil
}

func (r *AccountRepo) updateReturning(ctx context.Context, none error, q string, args ...any) (*entity.Account, error) {
	var row entity.Account
	if err := r.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, none
		}
		return nil, mapWriteError(err)
	}
	return &row, nil
}

// DeleteByID removes the account. Deleting a missing row is not an error.
func (r *AccountRepo) DeleteByID(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		switch pqErr.Constraint {
		case "accounts_email_key":
			return ErrDuplicateEmail
		case "accounts_username_key":
			return ErrDuplicateUsername
		}
	}
	return fmt.Errorf("write account: %w", err)
}
