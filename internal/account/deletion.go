// Package account runs the self-service account deletion saga.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
)

const tracerName = "github.com/ovaphlow/pitchfork/service-identity/internal/account"

// Participant owns data keyed by an account id and can drop all of it.
type Participant interface {
	Name() string
	DeleteBySubject(ctx context.Context, subjectID int64, bearer string) error
}

type localParticipant struct {
	name string
	fn   func(ctx context.Context, subjectID int64) error
}

// Local adapts an in-process cleanup function into a Participant.
func Local(name string, fn func(ctx context.Context, subjectID int64) error) Participant {
	return localParticipant{name: name, fn: fn}
}

func (l localParticipant) Name() string { return l.name }

func (l localParticipant) DeleteBySubject(ctx context.Context, subjectID int64, _ string) error {
	return l.fn(ctx, subjectID)
}

// AccountStore is the slice of the credential store the saga touches.
type AccountStore interface {
	FindByID(ctx context.Context, id int64) (*entity.Account, error)
	DeleteByID(ctx context.Context, id int64) error
}

// AccountCache is the slice of the projection cache the saga touches. The
// lookups return cache.ErrMiss on absence.
type AccountCache interface {
	ByID(ctx context.Context, id int64) (*entity.Projection, error)
	Session(ctx context.Context, id int64) (*entity.SessionMarker, error)
	Purge(ctx context.Context, id int64, email string) error
}

// Outcome is one participant's result.
type Outcome struct {
	Service  string        `json:"service"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"-"`
}

// Report lists every participant outcome of a saga run.
type Report struct {
	AccountID int64
	Outcomes  []Outcome
}

// FailedServices names the participants whose delete did not succeed.
func (r *Report) FailedServices() []string {
	out := []string{}
	for _, o := range r.Outcomes {
		if !o.OK {
			out = append(out, o.Service)
		}
	}
	return out
}

var ErrAccountNotFound = apperr.New(apperr.CodeAccountNotFound, "Account not found")

// Deps collects the collaborators of Saga.
type Deps struct {
	Store        AccountStore
	Cache        AccountCache
	Participants []Participant
	// CallTimeout bounds each participant call on its own.
	CallTimeout    time.Duration
	Logger         *zap.SugaredLogger
	TracerProvider trace.TracerProvider
}

// Saga deletes an account everywhere it can. Participants are called
// concurrently and a failing participant never stops the others or the local
// cleanup. There is no compensation and no retry: data held by a participant
// that failed stays behind.
type Saga struct {
	store        AccountStore
	cache        AccountCache
	participants []Participant
	timeout      time.Duration
	logger       *zap.SugaredLogger
	tracer       trace.Tracer
}

func NewSaga(d Deps) *Saga {
	if d.CallTimeout <= 0 {
		d.CallTimeout = 10 * time.Second
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.TracerProvider == nil {
		d.TracerProvider = otel.GetTracerProvider()
	}
	return &Saga{
		store:        d.Store,
		cache:        d.Cache,
		participants: d.Participants,
		timeout:      d.CallTimeout,
		logger:       d.Logger,
		tracer:       d.TracerProvider.Tracer(tracerName),
	}
}

// Run fans out to every participant, waits for all of them to settle, then
// deletes the account record and purges its cache entries. Once Run returns
// without error the record and cache entries are gone whatever the report
// says about participants.
func (s *Saga) Run(ctx context.Context, accountID int64, bearer string) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "account.delete", trace.WithAttributes(attribute.Int64("account.id", accountID)))
	defer span.End()

	acct, err := s.store.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			// an earlier run may have deleted the record but not the cache
			if err := s.purgeOrphan(ctx, accountID); err != nil {
				span.RecordError(err)
				return nil, apperr.Unavailable(fmt.Errorf("purge cache: %w", err))
			}
			return nil, ErrAccountNotFound
		}
		span.RecordError(err)
		return nil, apperr.Unavailable(err)
	}

	// once started, the saga runs to completion even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	report := &Report{AccountID: accountID, Outcomes: make([]Outcome, len(s.participants))}
	var wg sync.WaitGroup
	for i, p := range s.participants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Outcomes[i] = s.call(ctx, p, accountID, bearer)
		}()
	}
	wg.Wait()

	failed := report.FailedServices()
	span.SetAttributes(attribute.Int("saga.failed", len(failed)))
	if len(failed) > 0 {
		s.logger.Warnw("account deletion left downstream data behind", "account_id", accountID, "failed_services", failed)
	}

	if err := s.store.DeleteByID(ctx, accountID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "local delete failed")
		return report, apperr.Unavailable(fmt.Errorf("delete account: %w", err))
	}
	if err := s.cache.Purge(ctx, accountID, acct.Email); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cache purge failed")
		return report, apperr.Unavailable(fmt.Errorf("purge cache: %w", err))
	}
	s.logger.Infow("account deleted", "account_id", accountID, "participants", len(report.Outcomes), "failed", len(failed))
	return report, nil
}

// purgeOrphan drops the cache entries of an account whose record is already
// gone. The email key is found through whatever cached entry still names it.
func (s *Saga) purgeOrphan(ctx context.Context, accountID int64) error {
	var email string
	if proj, err := s.cache.ByID(ctx, accountID); err == nil {
		email = proj.Email
	} else if m, err := s.cache.Session(ctx, accountID); err == nil {
		email = m.Email
	}
	if err := s.cache.Purge(ctx, accountID, email); err != nil {
		return err
	}
	s.logger.Infow("purged cache of deleted account", "account_id", accountID, "email_known", email != "")
	return nil
}

func (s *Saga) call(ctx context.Context, p Participant, accountID int64, bearer string) (out Outcome) {
	ctx, span := s.tracer.Start(ctx, "account.delete."+p.Name(), trace.WithAttributes(attribute.String("saga.participant", p.Name())))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	out = Outcome{Service: p.Name()}
	defer func() {
		if r := recover(); r != nil {
			out.OK = false
			out.Error = fmt.Sprintf("panic: %v", r)
			span.SetStatus(codes.Error, out.Error)
			s.logger.Errorw("saga participant panicked", "service", p.Name(), "account_id", accountID, "panic", r)
		}
		out.Duration = time.Since(start)
	}()

	if err := p.DeleteBySubject(ctx, accountID, bearer); err != nil {
		out.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		s.logger.Warnw("saga participant failed", "service", p.Name(), "account_id", accountID, "err", err)
		return out
	}
	out.OK = true
	return out
}
