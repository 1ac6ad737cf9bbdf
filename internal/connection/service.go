package connection

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-identity/internal/connection/entity"
	connrepo "github.com/ovaphlow/pitchfork/service-identity/internal/connection/repo"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

// Store is the persistence the connection graph needs. It reports the
// connrepo sentinel errors.
type Store interface {
	FindByID(ctx context.Context, id string) (*entity.Connection, error)
	FindBetween(ctx context.Context, a, b int64) (*entity.Connection, error)
	Create(ctx context.Context, c *entity.Connection) error
	Transition(ctx context.Context, id string, from, to entity.Status, at time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteBySubject(ctx context.Context, accountID int64) (int64, error)
	ListByRequester(ctx context.Context, accountID int64, status entity.Status) ([]entity.Connection, error)
	ListByRecipient(ctx context.Context, accountID int64, status entity.Status) ([]entity.Connection, error)
	ListAccepted(ctx context.Context, accountID int64) ([]entity.Connection, error)
	Suggestions(ctx context.Context, accountID int64, limit int) ([]entity.Suggestion, error)
}

const (
	DefaultSuggestionLimit = 10
	MaxSuggestionLimit     = 50
)

var (
	ErrConnectionExists = apperr.New(apperr.CodeConnectionExists, "A connection between these accounts already exists")
	ErrNotFound         = apperr.New(apperr.CodeNotFound, "Connection not found")
	ErrRecipientMissing = apperr.New(apperr.CodeNotFound, "Recipient not found")
	ErrNotRecipient     = apperr.New(apperr.CodeForbidden, "Only the recipient can respond to this request")
	ErrNotParticipant   = apperr.New(apperr.CodeForbidden, "You are not part of this connection")
	ErrNotPending       = apperr.New(apperr.CodeNotPending, "Connection request is no longer pending")
	errSelfRequest      = apperr.Validation("You cannot connect with yourself")
	errMessageTooLong   = apperr.Validation("Message must be at most 300 characters")
)

// Service runs the connection state machine.
type Service struct {
	store  Store
	logger *zap.SugaredLogger
	now    func() time.Time
	newID  func() string
}

func NewService(store Store, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{store: store, logger: logger, now: time.Now, newID: utilities.NewKSUID}
}

// Request creates a pending edge from requester to recipient. Any existing
// edge between the two, in either direction and any status, rejects the
// request with ErrConnectionExists.
func (s *Service) Request(ctx context.Context, requester, recipient int64, message string) (*entity.Connection, error) {
	if recipient <= 0 {
		return nil, apperr.Validation("Recipient is required")
	}
	if requester == recipient {
		return nil, errSelfRequest
	}
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) > entity.MaxMessageLength {
		return nil, errMessageTooLong
	}

	if _, err := s.store.FindBetween(ctx, requester, recipient); err == nil {
		return nil, ErrConnectionExists
	} else if !errors.Is(err, connrepo.ErrNotFound) {
		return nil, apperr.Unavailable(err)
	}

	now := s.now().UTC()
	c := &entity.Connection{
		ID:          s.newID(),
		RequesterID: requester,
		RecipientID: recipient,
		Status:      entity.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if message != "" {
		c.Message = &message
	}
	if err := s.store.Create(ctx, c); err != nil {
		switch {
		case errors.Is(err, connrepo.ErrDuplicate):
			return nil, ErrConnectionExists
		case errors.Is(err, connrepo.ErrUnknownAccount):
			return nil, ErrRecipientMissing
		}
		return nil, apperr.Unavailable(err)
	}
	s.logger.Infow("connection requested", "connection_id", c.ID, "requester", requester, "recipient", recipient)
	return c, nil
}

// Accept moves a pending edge to accepted. Only the recipient may accept.
func (s *Service) Accept(ctx context.Context, caller int64, id string) (*entity.Connection, error) {
	return s.respond(ctx, caller, id, entity.StatusAccepted)
}

// Reject moves a pending edge to rejected. Only the recipient may reject.
func (s *Service) Reject(ctx context.Context, caller int64, id string) (*entity.Connection, error) {
	return s.respond(ctx, caller, id, entity.StatusRejected)
}

func (s *Service) respond(ctx context.Context, caller int64, id string, to entity.Status) (*entity.Connection, error) {
	c, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.RecipientID != caller {
		return nil, ErrNotRecipient
	}
	if c.Status != entity.StatusPending {
		return nil, ErrNotPending
	}
	now := s.now().UTC()
	if err := s.store.Transition(ctx, c.ID, entity.StatusPending, to, now); err != nil {
		if errors.Is(err, connrepo.ErrStale) {
			return nil, ErrNotPending
		}
		return nil, apperr.Unavailable(err)
	}
	c.Status = to
	c.UpdatedAt = now
	s.logger.Infow("connection "+string(to), "connection_id", c.ID)
	return c, nil
}

// Remove hard-deletes an edge in any status. Either end may remove it.
func (s *Service) Remove(ctx context.Context, caller int64, id string) error {
	c, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !c.Involves(caller) {
		return ErrNotParticipant
	}
	if err := s.store.Delete(ctx, c.ID); err != nil {
		if errors.Is(err, connrepo.ErrNotFound) {
			return ErrNotFound
		}
		return apperr.Unavailable(err)
	}
	s.logger.Infow("connection removed", "connection_id", c.ID, "status", c.Status)
	return nil
}

// ListSent returns the caller's outgoing pending requests.
func (s *Service) ListSent(ctx context.Context, caller int64) ([]entity.Connection, error) {
	out, err := s.store.ListByRequester(ctx, caller, entity.StatusPending)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return out, nil
}

// ListIncoming returns pending requests addressed to the caller.
func (s *Service) ListIncoming(ctx context.Context, caller int64) ([]entity.Connection, error) {
	out, err := s.store.ListByRecipient(ctx, caller, entity.StatusPending)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return out, nil
}

// ListEstablished returns accepted edges in either direction.
func (s *Service) ListEstablished(ctx context.Context, caller int64) ([]entity.Connection, error) {
	out, err := s.store.ListAccepted(ctx, caller)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return out, nil
}

// Suggestions lists accounts the caller has no edge with.
func (s *Service) Suggestions(ctx context.Context, caller int64, limit int) ([]entity.Suggestion, error) {
	switch {
	case limit <= 0:
		limit = DefaultSuggestionLimit
	case limit > MaxSuggestionLimit:
		limit = MaxSuggestionLimit
	}
	out, err := s.store.Suggestions(ctx, caller, limit)
	if err != nil {
		return nil, apperr.Unavailable(err)
	}
	return out, nil
}

// DeleteBySubject drops every edge touching the account.
func (s *Service) DeleteBySubject(ctx context.Context, accountID int64) error {
	n, err := s.store.DeleteBySubject(ctx, accountID)
	if err != nil {
		return err
	}
	s.logger.Debugw("connections removed for account", "account_id", accountID, "count", n)
	return nil
}

func (s *Service) load(ctx context.Context, id string) (*entity.Connection, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("Connection id is required")
	}
	c, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, connrepo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperr.Unavailable(err)
	}
	return c, nil
}
