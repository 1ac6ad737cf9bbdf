package entity

import (
	"strconv"
	"time"
)

// Role is the enumerated account role.
type Role string

const (
	RoleStudent   Role = "student"
	RoleProfessor Role = "professor"
	RoleAlumni    Role = "alumni"
)

// Valid reports whether r is one of the enumerated roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleProfessor, RoleAlumni:
		return true
	}
	return false
}

// Account represents a row in the `accounts` table. Username is stored in its
// canonical (case-folded) form. The verification and reset pairs are either
// both set or both nil.
type Account struct {
	ID                         int64      `db:"id"`
	FullName                   string     `db:"full_name"`
	Username                   string     `db:"username"`
	Email                      string     `db:"email"`
	PasswordHash               string     `db:"password_hash"`
	Role                       Role       `db:"role"`
	IsVerified                 bool       `db:"is_verified"`
	VerificationTokenHash      *string    `db:"verification_token_hash"`
	VerificationTokenExpiresAt *time.Time `db:"verification_token_expires_at"`
	ResetOTPHash               *string    `db:"reset_otp_hash"`
	ResetOTPExpiresAt          *time.Time `db:"reset_otp_expires_at"`
	LastLoginAt                *time.Time `db:"last_login_at"`
	CreatedAt                  time.Time  `db:"created_at"`
	UpdatedAt                  time.Time  `db:"updated_at"`
}

// SetVerificationToken opens the single verification slot, replacing any
// token that was there.
func (a *Account) SetVerificationToken(hash string, expiresAt time.Time) {
	a.VerificationTokenHash = &hash
	a.VerificationTokenExpiresAt = &expiresAt
}

// MarkVerified flips the account to verified and drops the token pair.
func (a *Account) MarkVerified() {
	a.IsVerified = true
	a.VerificationTokenHash = nil
	a.VerificationTokenExpiresAt = nil
}

// SetResetOTP opens a reset window.
func (a *Account) SetResetOTP(hash string, expiresAt time.Time) {
	a.ResetOTPHash = &hash
	a.ResetOTPExpiresAt = &expiresAt
}

// ClearResetOTP closes any open reset window.
func (a *Account) ClearResetOTP() {
	a.ResetOTPHash = nil
	a.ResetOTPExpiresAt = nil
}

// HasResetWindow reports whether a reset OTP is currently stored.
func (a *Account) HasResetWindow() bool {
	return a.ResetOTPHash != nil && a.ResetOTPExpiresAt != nil
}

// Projection returns the cacheable, secret-free view of the account.
func (a *Account) Projection() Projection {
	return Projection{
		ID:         a.ID,
		FullName:   a.FullName,
		Username:   a.Username,
		Email:      a.Email,
		Role:       a.Role,
		IsVerified: a.IsVerified,
		LastLogin:  a.LastLoginAt,
	}
}

// Projection is the denormalized account view stored under both cache keys
// and returned to clients. It never carries hashes.
type Projection struct {
	ID         int64      `json:"id,string"`
	FullName   string     `json:"fullName"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	Role       Role       `json:"role"`
	IsVerified bool       `json:"isVerified"`
	LastLogin  *time.Time `json:"lastLogin,omitempty"`
}

// SessionMarker is the advisory `session:<id>` entry written on login. It
// has no say over whether a bearer token is valid.
type SessionMarker struct {
	UserID    int64     `json:"userId,string"`
	Email     string    `json:"email"`
	LoginTime time.Time `json:"loginTime"`
}

// IDString formats an account id for keys and URLs.
func IDString(id int64) string {
	return strconv.FormatInt(id, 10)
}
