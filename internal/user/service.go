package user

import (
	"context"
	"crypto/subtle"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-identity/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-identity/internal/notify"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/cache"
)

// PasswordHasher defines minimal hashing interface (abstract so we can swap to argon2 later).
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) Hash(pw string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// AccountStore is the credential store. Lookups return userrepo.ErrNotFound
// when nothing matches; Create reports userrepo.ErrDuplicateEmail and
// userrepo.ErrDuplicateUsername on unique violations.
//
// Writes touch only the columns a flow owns. The guarded ones report
// userrepo.ErrStale when the row no longer matches what the flow read.
type AccountStore interface {
	FindByEmail(ctx context.Context, email string) (*entity.Account, error)
	FindByUsername(ctx context.Context, username string) (*entity.Account, error)
	FindByID(ctx context.Context, id int64) (*entity.Account, error)
	Create(ctx context.Context, a *entity.Account) error
	TouchLastLogin(ctx context.Context, id int64, at time.Time) (*entity.Account, error)
	MarkVerified(ctx context.Context, id int64, tokenHash string, at time.Time) (*entity.Account, error)
	UpdateVerificationToken(ctx context.Context, id int64, tokenHash string, expiresAt, at time.Time) error
	UpdateResetOTP(ctx context.Context, id int64, otpHash string, expiresAt, at time.Time) error
	ClearResetOTP(ctx context.Context, id int64, otpHash string, at time.Time) error
	UpdatePassword(ctx context.Context, id int64, otpHash, passwordHash string, at time.Time) error
	DeleteByID(ctx context.Context, id int64) error
}

// TokenIssuer mints bearer credentials.
type TokenIssuer interface {
	Issue(accountID int64) (string, time.Time, error)
}

// IDSource hands out new account ids.
type IDSource interface {
	Next() int64
}

const (
	MinPasswordLength     = 6
	VerificationTokenTTL  = 24 * time.Hour
	ResetOTPTTL           = 10 * time.Minute
	defaultNotifyDeadline = 15 * time.Second
)

var (
	ErrAccountNotFound       = apperr.New(apperr.CodeAccountNotFound, "No account found with this email")
	ErrInvalidPassword       = apperr.New(apperr.CodeAuthentication, "Invalid password")
	ErrEmailTaken            = apperr.New(apperr.CodeEmailExists, "An account with this email already exists")
	ErrUsernameTaken         = apperr.New(apperr.CodeUsernameExists, "This username is already taken")
	ErrAlreadyVerified       = apperr.New(apperr.CodeAlreadyVerified, "Email is already verified")
	ErrInvalidVerification   = apperr.New(apperr.CodeInvalidToken, "Invalid verification token")
	ErrVerificationExpired   = apperr.New(apperr.CodeTokenExpired, "Verification token has expired")
	ErrNoResetRequest        = apperr.New(apperr.CodeNoResetRequest, "No reset request found")
	ErrOTPExpired            = apperr.New(apperr.CodeOTPExpired, "OTP has expired.")
	ErrInvalidOTP            = apperr.New(apperr.CodeInvalidOTP, "Invalid OTP")
	ErrResetDeliveryFailed   = apperr.New(apperr.CodeEmailDelivery, "Failed to send the reset code. Please try again.")
	errInvalidEmail          = apperr.Validation("Please provide a valid email address")
	errPasswordTooShort      = apperr.Validation("Password must be at least 6 characters")
	errInvalidUsernameFormat = apperr.Validation("Username must be 3-32 characters: letters, digits, '.', '_' or '-', starting with a letter")
)

var (
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	usernamePattern = regexp.MustCompile(`^[a-z][a-z0-9._-]{2,31}$`)
	otpPattern      = regexp.MustCompile(`^[0-9]{6}$`)
)

// Deps collects the collaborators of Service.
type Deps struct {
	Store   AccountStore
	Cache   *ProjectionCache
	Tokens  TokenIssuer
	Hasher  PasswordHasher
	IDs     IDSource
	Mailer  notify.Dispatcher
	Tasks   *notify.Background
	Catalog *notify.Catalog
	Logger  *zap.SugaredLogger
	// AppURL is the public base used for verification links.
	AppURL        string
	NotifyTimeout time.Duration
}

// Service orchestrates the credential lifecycle flows.
type Service struct {
	store         AccountStore
	cache         *ProjectionCache
	tokens        TokenIssuer
	hasher        PasswordHasher
	ids           IDSource
	mailer        notify.Dispatcher
	tasks         *notify.Background
	catalog       *notify.Catalog
	logger        *zap.SugaredLogger
	appURL        string
	notifyTimeout time.Duration

	now         func() time.Time
	newOTP      func() (string, error)
	newVerifier func() (string, error)
}

func NewService(d Deps) *Service {
	if d.Hasher == nil {
		d.Hasher = BcryptHasher{Cost: 12}
	}
	if d.NotifyTimeout <= 0 {
		d.NotifyTimeout = defaultNotifyDeadline
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Tasks == nil {
		d.Tasks = notify.NewBackground(d.Logger, d.NotifyTimeout)
	}
	return &Service{
		store:         d.Store,
		cache:         d.Cache,
		tokens:        d.Tokens,
		hasher:        d.Hasher,
		ids:           d.IDs,
		mailer:        d.Mailer,
		tasks:         d.Tasks,
		catalog:       d.Catalog,
		logger:        d.Logger,
		appURL:        strings.TrimRight(d.AppURL, "/"),
		notifyTimeout: d.NotifyTimeout,
		now:           time.Now,
		newOTP:        generateOTP,
		newVerifier:   generateVerificationToken,
	}
}

// RegisterInput carries the registration form.
type RegisterInput struct {
	FullName string
	Username string
	Email    string
	Password string
	Role     entity.Role
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token     string
	ExpiresAt time.Time
	User      entity.Projection
	// VerificationEmailSent is only meaningful for Register.
	VerificationEmailSent bool
}

// Register creates an unverified account, issues a bearer token and sends the
// verification email. Unlike the other account notices this send is awaited,
// bounded by the notification timeout, so the result can report it through
// VerificationEmailSent. A failed send never fails the registration.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = strings.TrimSpace(in.Email)
	in.Role = entity.Role(strings.TrimSpace(string(in.Role)))
	if in.FullName == "" || strings.TrimSpace(in.Username) == "" || in.Email == "" || in.Password == "" || in.Role == "" {
		return nil, apperr.Validation("All fields are required")
	}
	if !in.Role.Valid() {
		return nil, apperr.Validation("Role must be one of student, professor or alumni")
	}
	if !emailPattern.MatchString(in.Email) {
		return nil, errInvalidEmail
	}
	username, err := CanonicalUsername(in.Username)
	if err != nil {
		return nil, err
	}
	if len(in.Password) < MinPasswordLength {
		return nil, errPasswordTooShort
	}

	if _, err := s.store.FindByEmail(ctx, in.Email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, userrepo.ErrNotFound) {
		return nil, apperr.Unavailable(err)
	}
	if _, err := s.store.FindByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	} else if !errors.Is(err, userrepo.ErrNotFound) {
		return nil, apperr.Unavailable(err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "An unexpected error occurred", err)
	}
	rawToken, err := s.newVerifier()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "An unexpected error occurred", err)
	}

	now := s.now().UTC()
	acct := &entity.Account{
		ID:           s.ids.Next(),
		FullName:     in.FullName,
		Username:     username,
		Email:        in.Email,
		PasswordHash: hash,
		Role:         in.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	acct.SetVerificationToken(hashVerificationToken(rawToken), now.Add(VerificationTokenTTL))

	if err := s.store.Create(ctx, acct); err != nil {
		switch {
		case errors.Is(err, userrepo.ErrDuplicateEmail):
			return nil, ErrEmailTaken
		case errors.Is(err, userrepo.ErrDuplicateUsername):
			return nil, ErrUsernameTaken
		}
		return nil, apperr.Unavailable(err)
	}

	tok, exp, err := s.tokens.Issue(acct.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "An unexpected error occurred", err)
	}
	proj := acct.Projection()
	s.upsert(ctx, proj)

	sent := s.sendNow(ctx, acct.Email, s.catalog.Verification(acct.FullName, s.verificationLink(acct.Email, rawToken)))
	if !sent {
		s.logger.Warnw("verification email not delivered", "account_id", acct.ID)
	}
	s.logger.Infow("account registered", "account_id", acct.ID, "role", acct.Role)

	return &AuthResult{Token: tok, ExpiresAt: exp, User: proj, VerificationEmailSent: sent}, nil
}

// Login authenticates by email and password. An unknown email and a wrong
// password fail with different errors.
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if !emailPattern.MatchString(email) {
		return nil, errInvalidEmail
	}
	if password == "" {
		return nil, apperr.Validation("Password is required")
	}

	acct, err := s.lookupForLogin(ctx, email)
	if err != nil {
		return nil, err
	}
	if !s.hasher.Verify(acct.PasswordHash, password) {
		return nil, ErrInvalidPassword
	}

	now := s.now().UTC()
	acct, err = s.store.TouchLastLogin(ctx, acct.ID, now)
	if err != nil {
		return nil, s.storeError(err)
	}

	proj := acct.Projection()
	s.upsert(ctx, proj)
	if err := s.cache.SetSession(ctx, entity.SessionMarker{UserID: acct.ID, Email: acct.Email, LoginTime: now}); err != nil {
		s.logger.Warnw("session marker not written", "account_id", acct.ID, "err", err)
	}

	tok, exp, err := s.tokens.Issue(acct.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "An unexpected error occurred", err)
	}
	s.tasks.Send(s.mailer, "login-notice", acct.Email, s.catalog.LoginNotice(acct.FullName, now.Format("2006-01-02 15:04")))

	return &AuthResult{Token: tok, ExpiresAt: exp, User: proj}, nil
}

// lookupForLogin consults the by-email projection first but always compares
// against the stored record, since the cache never holds the hash.
func (s *Service) lookupForLogin(ctx context.Context, email string) (*entity.Account, error) {
	proj, err := s.cache.ByEmail(ctx, email)
	switch {
	case err == nil:
		acct, err := s.store.FindByID(ctx, proj.ID)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, userrepo.ErrNotFound) {
			return nil, apperr.Unavailable(err)
		}
		// projection outlived its account
		if err := s.cache.Invalidate(ctx, proj.ID, proj.Email); err != nil {
			s.logger.Warnw("stale projection not removed", "account_id", proj.ID, "err", err)
		}
	case !errors.Is(err, cache.ErrMiss):
		s.logger.Warnw("cache read failed, using store", "err", err)
	}

	acct, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, s.storeError(err)
	}
	return acct, nil
}

// Me returns the caller's projection, cache-aside by id.
func (s *Service) Me(ctx context.Context, id int64) (*entity.Projection, error) {
	proj, err := s.cache.ByID(ctx, id)
	if err == nil {
		return proj, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warnw("cache read failed, using store", "account_id", id, "err", err)
	}
	acct, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, s.storeError(err)
	}
	p := acct.Projection()
	s.upsert(ctx, p)
	return &p, nil
}

// Logout drops the session marker only. The bearer token stays valid until
// it expires.
func (s *Service) Logout(ctx context.Context, id int64) {
	if err := s.cache.DeleteSession(ctx, id); err != nil {
		s.logger.Warnw("session marker not removed", "account_id", id, "err", err)
	}
}

// CanonicalUsername case-folds and validates a username.
func CanonicalUsername(raw string) (string, error) {
	u := strings.ToLower(strings.TrimSpace(raw))
	if !usernamePattern.MatchString(u) {
		return "", errInvalidUsernameFormat
	}
	return u, nil
}

func (s *Service) upsert(ctx context.Context, proj entity.Projection) {
	if err := s.cache.Upsert(ctx, proj); err != nil {
		s.logger.Warnw("projection not cached", "account_id", proj.ID, "err", err)
	}
}

// sendNow delivers msg synchronously, bounded by the notification timeout and
// detached from the caller's cancellation.
func (s *Service) sendNow(ctx context.Context, address string, msg notify.Message) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	if err := s.mailer.Send(ctx, address, msg.Subject, msg.Body); err != nil {
		s.logger.Warnw("email dispatch failed", "subject", msg.Subject, "err", err)
		return false
	}
	return true
}

func (s *Service) storeError(err error) error {
	if errors.Is(err, userrepo.ErrNotFound) {
		return ErrAccountNotFound
	}
	return apperr.Unavailable(err)
}

// ConstantTimeCompare helper
func ConstantTimeCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
