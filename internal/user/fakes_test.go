package user

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/language"

	"github.com/ovaphlow/pitchfork/service-identity/internal/notify"
	"github.com/ovaphlow/pitchfork/service-identity/internal/token"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
)

// memStore is an in-memory AccountStore with the same unique constraints as
// the accounts table.
type memStore struct {
	mu   sync.Mutex
	rows map[int64]entity.Account
}

func newMemStore() *memStore { return &memStore{rows: map[int64]entity.Account{}} }

func (m *memStore) find(match func(entity.Account) bool) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if match(a) {
			cp := a
			return &cp, nil
		}
	}
	return nil, userrepo.ErrNotFound
}

func (m *memStore) FindByEmail(_ context.Context, email string) (*entity.Account, error) {
	return m.find(func(a entity.Account) bool { return a.Email == email })
}

func (m *memStore) FindByUsername(_ context.Context, username string) (*entity.Account, error) {
	return m.find(func(a entity.Account) bool { return a.Username == username })
}

func (m *memStore) FindByID(_ context.Context, id int64) (*entity.Account, error) {
	return m.find(func(a entity.Account) bool { return a.ID == id })
}

func (m *memStore) Create(_ context.Context, a *entity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.Email == a.Email {
			return userrepo.ErrDuplicateEmail
		}
		if row.Username == a.Username {
			return userrepo.ErrDuplicateUsername
		}
	}
	m.rows[a.ID] = *a
	return nil
}

// update applies fn to the row under the lock. fn reports false when its
// guard does not hold.
func (m *memStore) update(id int64, none error, fn func(a *entity.Account) bool) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok || !fn(&a) {
		return nil, none
	}
	m.rows[id] = a
	return &a, nil
}

func (m *memStore) TouchLastLogin(_ context.Context, id int64, at time.Time) (*entity.Account, error) {
	return m.update(id, userrepo.ErrNotFound, func(a *entity.Account) bool {
		a.LastLoginAt = &at
		a.UpdatedAt = at
		return true
	})
}

func (m *memStore) MarkVerified(_ context.Context, id int64, tokenHash string, at time.Time) (*entity.Account, error) {
	return m.update(id, userrepo.ErrStale, func(a *entity.Account) bool {
		if a.IsVerified || a.VerificationTokenHash == nil || *a.VerificationTokenHash != tokenHash {
			return false
		}
		a.MarkVerified()
		a.UpdatedAt = at
		return true
	})
}

func (m *memStore) UpdateVerificationToken(_ context.Context, id int64, tokenHash string, expiresAt, at time.Time) error {
	_, err := m.update(id, userrepo.ErrStale, func(a *entity.Account) bool {
		if a.IsVerified {
			return false
		}
		a.SetVerificationToken(tokenHash, expiresAt)
		a.UpdatedAt = at
		return true
	})
	return err
}

func (m *memStore) UpdateResetOTP(_ context.Context, id int64, otpHash string, expiresAt, at time.Time) error {
	_, err := m.update(id, userrepo.ErrNotFound, func(a *entity.Account) bool {
		a.SetResetOTP(otpHash, expiresAt)
		a.UpdatedAt = at
		return true
	})
	return err
}

func (m *memStore) ClearResetOTP(_ context.Context, id int64, otpHash string, at time.Time) error {
	_, err := m.update(id, userrepo.ErrStale, func(a *entity.Account) bool {
		if a.ResetOTPHash == nil || *a.ResetOTPHash != otpHash {
			return false
		}
		a.ClearResetOTP()
		a.UpdatedAt = at
		return true
	})
	return err
}

func (m *memStore) UpdatePassword(_ context.Context, id int64, otpHash, passwordHash string, at time.Time) error {
	_, err := m.update(id, userrepo.ErrStale, func(a *entity.Account) bool {
		if a.ResetOTPHash == nil || *a.ResetOTPHash != otpHash {
			return false
		}
		a.PasswordHash = passwordHash
		a.ClearResetOTP()
		a.UpdatedAt = at
		return true
	})
	return err
}

func (m *memStore) DeleteByID(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// racingStore runs beforeWrite once, just before the next write of the named
// kind reaches the store. It stands in for a concurrent request landing
// between a flow's read and its write.
type racingStore struct {
	*memStore
	mu          sync.Mutex
	kind        string
	beforeWrite func()
}

func (r *racingStore) race(kind string) {
	r.mu.Lock()
	fn := r.beforeWrite
	if r.kind != kind {
		fn = nil
	} else {
		r.beforeWrite = nil
	}
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (r *racingStore) TouchLastLogin(ctx context.Context, id int64, at time.Time) (*entity.Account, error) {
	r.race("login")
	return r.memStore.TouchLastLogin(ctx, id, at)
}

func (r *racingStore) MarkVerified(ctx context.Context, id int64, tokenHash string, at time.Time) (*entity.Account, error) {
	r.race("verify")
	return r.memStore.MarkVerified(ctx, id, tokenHash, at)
}

func (r *racingStore) UpdatePassword(ctx context.Context, id int64, otpHash, passwordHash string, at time.Time) error {
	r.race("reset")
	return r.memStore.UpdatePassword(ctx, id, otpHash, passwordHash, at)
}

type sentMail struct {
	To, Subject, Body string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (r *recordingMailer) Send(_ context.Context, address, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMail{To: address, Subject: subject, Body: body})
	return r.err
}

func (r *recordingMailer) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// last returns the newest mail whose subject contains s.
func (r *recordingMailer) last(s string) (sentMail, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if strings.Contains(r.sent[i].Subject, s) {
			return r.sent[i], true
		}
	}
	return sentMail{}, false
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) Next() int64 { return 1000 + s.n.Add(1) }

type fixture struct {
	svc    *Service
	store  *memStore
	race   *racingStore
	mailer *recordingMailer
	mr     *miniredis.Miniredis
	cache  *ProjectionCache
	clock  *fakeClock
	tasks  *notify.Background
	tokens *token.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, pc := newMiniredis(t)
	tokens, err := token.NewIssuer([]byte("test-secret-0123456789"), time.Hour, "test")
	require.NoError(t, err)

	logger := zap.NewNop().Sugar()
	f := &fixture{
		store:  newMemStore(),
		mailer: &recordingMailer{},
		mr:     mr,
		cache:  pc,
		clock:  &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
		tasks:  notify.NewBackground(logger, time.Second),
		tokens: tokens,
	}
	f.race = &racingStore{memStore: f.store}
	f.svc = NewService(Deps{
		Store:         f.race,
		Cache:         pc,
		Tokens:        tokens,
		Hasher:        BcryptHasher{Cost: bcrypt.MinCost},
		IDs:           &seqIDs{},
		Mailer:        f.mailer,
		Tasks:         f.tasks,
		Catalog:       notify.NewCatalog(language.English),
		Logger:        logger,
		AppURL:        "https://app.example.edu/",
		NotifyTimeout: time.Second,
	})
	f.svc.now = f.clock.Now
	return f
}

// interleave makes fn run between the flow's read and its next write of kind.
func (f *fixture) interleave(kind string, fn func()) {
	f.race.mu.Lock()
	f.race.kind, f.race.beforeWrite = kind, fn
	f.race.mu.Unlock()
}

// drain waits for detached notifications.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.tasks.Wait(ctx))
}

func (f *fixture) register(t *testing.T, name, username, email, password string) *AuthResult {
	t.Helper()
	res, err := f.svc.Register(context.Background(), RegisterInput{
		FullName: name,
		Username: username,
		Email:    email,
		Password: password,
		Role:     entity.RoleStudent,
	})
	require.NoError(t, err)
	return res
}

var verifyTokenPattern = regexp.MustCompile(`token=([0-9a-f]{64})`)

// verificationToken pulls the raw token out of the latest verification mail.
func (f *fixture) verificationToken(t *testing.T) string {
	t.Helper()
	m, ok := f.mailer.last("Verify")
	require.True(t, ok, "no verification mail sent")
	match := verifyTokenPattern.FindStringSubmatch(m.Body)
	require.Len(t, match, 2)
	return match[1]
}

// fixedOTPs makes the service hand out the given codes in order.
func (f *fixture) fixedOTPs(codes ...string) {
	var i atomic.Int32
	f.svc.newOTP = func() (string, error) {
		n := int(i.Add(1)) - 1
		return codes[n%len(codes)], nil
	}
}
