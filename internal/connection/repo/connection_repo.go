package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-identity/internal/connection/entity"
)

var (
	ErrNotFound = errors.New("connection not found")
	// ErrDuplicate is returned when any edge already joins the pair, in
	// either direction.
	ErrDuplicate = errors.New("connection already exists")
	// ErrUnknownAccount is returned when an end of the edge has no account.
	ErrUnknownAccount = errors.New("account does not exist")
	// ErrStale is returned when a guarded status update matched no row.
	ErrStale = errors.New("connection changed concurrently")
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const connectionColumns = `id, requester_id, recipient_id, status, message, created_at, updated_at`

// ConnectionRepo provides data access for the connections table using sqlx.
type ConnectionRepo struct {
	db *sqlx.DB
}

func NewConnectionRepo(db *sqlx.DB) *ConnectionRepo { return &ConnectionRepo{db: db} }

func (r *ConnectionRepo) FindByID(ctx context.Context, id string) (*entity.Connection, error) {
	var c entity.Connection
	err := r.db.GetContext(ctx, &c, `SELECT `+connectionColumns+` FROM connections WHERE id=$1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select connection: %w", err)
	}
	return &c, nil
}

// FindBetween returns the edge joining a and b in either direction.
func (r *ConnectionRepo) FindBetween(ctx context.Context, a, b int64) (*entity.Connection, error) {
	var c entity.Connection
	err := r.db.GetContext(ctx, &c, `SELECT `+connectionColumns+` FROM connections
		WHERE (requester_id=$1 AND recipient_id=$2) OR (requester_id=$2 AND recipient_id=$1)
		LIMIT 1`, a, b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select connection pair: %w", err)
	}
	return &c, nil
}

func (r *ConnectionRepo) Create(ctx context.Context, c *entity.Connection) error {
	const q = `INSERT INTO connections (id, requester_id, recipient_id, status, message, created_at, updated_at)
		VALUES (:id, :requester_id, :recipient_id, :status, :message, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, c); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch string(pqErr.Code) {
			case uniqueViolation:
				return ErrDuplicate
			case foreignKeyViolation:
				return ErrUnknownAccount
			}
		}
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// Transition moves the edge from one status to another. It fails with
// ErrStale if the edge is no longer in the expected status.
func (r *ConnectionRepo) Transition(ctx context.Context, id string, from, to entity.Status, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE connections SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`, to, at, id, from)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// Delete removes the edge outright.
func (r *ConnectionRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBySubject removes every edge touching the account and reports how
// many went.
func (r *ConnectionRepo) DeleteBySubject(ctx context.Context, accountID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE requester_id=$1 OR recipient_id=$1`, accountID)
	if err != nil {
		return 0, fmt.Errorf("delete connections by subject: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ListByRequester returns edges the account sent in the given status.
func (r *ConnectionRepo) ListByRequester(ctx context.Context, accountID int64, status entity.Status) ([]entity.Connection, error) {
	return r.list(ctx, `SELECT `+connectionColumns+` FROM connections
		WHERE requester_id=$1 AND status=$2 ORDER BY created_at DESC`, accountID, status)
}

// ListByRecipient returns edges addressed to the account in the given status.
func (r *ConnectionRepo) ListByRecipient(ctx context.Context, accountID int64, status entity.Status) ([]entity.Connection, error) {
	return r.list(ctx, `SELECT `+connectionColumns+` FROM connections
		WHERE recipient_id=$1 AND status=$2 ORDER BY created_at DESC`, accountID, status)
}

// ListAccepted returns accepted edges with the account at either end.
func (r *ConnectionRepo) ListAccepted(ctx context.Context, accountID int64) ([]entity.Connection, error) {
	return r.list(ctx, `SELECT `+connectionColumns+` FROM connections
		WHERE (requester_id=$1 OR recipient_id=$1) AND status=$2 ORDER BY updated_at DESC`,
		accountID, entity.StatusAccepted)
}

func (r *ConnectionRepo) list(ctx context.Context, q string, args ...any) ([]entity.Connection, error) {
	out := []entity.Connection{}
	if err := r.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return out, nil
}

// Suggestions returns up to limit accounts with no edge to accountID,
// newest first.
func (r *ConnectionRepo) Suggestions(ctx context.Context, accountID int64, limit int) ([]entity.Suggestion, error) {
	out := []entity.Suggestion{}
	err := r.db.SelectContext(ctx, &out, `SELECT a.id, a.full_name, a.username, a.role FROM accounts a
		WHERE a.id <> $1 AND NOT EXISTS (
			SELECT 1 FROM connections c
			WHERE (c.requester_id=$1 AND c.recipient_id=a.id) OR (c.requester_id=a.id AND c.recipient_id=$1)
		)
		ORDER BY a.created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	return out, nil
}
