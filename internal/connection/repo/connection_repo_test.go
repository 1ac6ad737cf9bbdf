package repo

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-identity/internal/connection/entity"
)

func newMockRepo(t *testing.T) (*ConnectionRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewConnectionRepo(sqlx.NewDb(db, "postgres")), mock
}

var columns = []string{"id", "requester_id", "recipient_id", "status", "message", "created_at", "updated_at"}

func TestFindBetween_EitherDirection(t *testing.T) {
	r, mock := newMockRepo(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`(requester_id=$1 AND recipient_id=$2) OR (requester_id=$2 AND recipient_id=$1)`)).
		WithArgs(int64(2), int64(1)).
		WillReturnRows(sqlmock.NewRows(columns).AddRow("2abc", int64(1), int64(2), "pending", "hi", now, now))

	c, err := r.FindBetween(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, c.Status)
	assert.Equal(t, int64(1), c.RequesterID)
	require.NotNil(t, c.Message)
	assert.Equal(t, "hi", *c.Message)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByID_NotFound(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM connections WHERE id=$1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := r.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreate_MapsConstraintErrors(t *testing.T) {
	cases := map[pq.ErrorCode]error{
		"23505": ErrDuplicate,
		"23503": ErrUnknownAccount,
	}
	for code, want := range cases {
		t.Run(string(code), func(t *testing.T) {
			r, mock := newMockRepo(t)
			mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO connections`)).
				WillReturnError(&pq.Error{Code: code})

			err := r.Create(context.Background(), &entity.Connection{ID: "x", RequesterID: 1, RecipientID: 2, Status: entity.StatusPending})
			assert.ErrorIs(t, err, want)
		})
	}
}

func TestCreate(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO connections`)).
		WithArgs("x", int64(1), int64(2), "pending", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Now().UTC()
	err := r.Create(context.Background(), &entity.Connection{
		ID: "x", RequesterID: 1, RecipientID: 2, Status: entity.StatusPending, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition(t *testing.T) {
	r, mock := newMockRepo(t)
	q := regexp.QuoteMeta(`UPDATE connections SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`)
	mock.ExpectExec(q).
		WithArgs("accepted", sqlmock.AnyArg(), "c1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).
		WithArgs("rejected", sqlmock.AnyArg(), "c1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, r.Transition(context.Background(), "c1", entity.StatusPending, entity.StatusAccepted, time.Now()))
	err := r.Transition(context.Background(), "c1", entity.StatusPending, entity.StatusRejected, time.Now())
	assert.ErrorIs(t, err, ErrStale)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM connections WHERE id=$1`)).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM connections WHERE id=$1`)).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, r.Delete(context.Background(), "c1"))
	assert.ErrorIs(t, r.Delete(context.Background(), "c1"), ErrNotFound)
}

func TestDeleteBySubject(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM connections WHERE requester_id=$1 OR recipient_id=$1`)).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := r.DeleteBySubject(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestListAccepted(t *testing.T) {
	r, mock := newMockRepo(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE (requester_id=$1 OR recipient_id=$1) AND status=$2`)).
		WithArgs(int64(1), "accepted").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("a", int64(1), int64(2), "accepted", nil, now, now).
			AddRow("b", int64(3), int64(1), "accepted", nil, now, now))

	got, err := r.ListAccepted(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[1].Peer(1))
}

func TestListByRecipient_Empty(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE recipient_id=$1 AND status=$2`)).
		WithArgs(int64(1), "pending").
		WillReturnRows(sqlmock.NewRows(columns))

	got, err := r.ListByRecipient(context.Background(), 1, entity.StatusPending)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSuggestions(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT a.id, a.full_name, a.username, a.role FROM accounts a`)).
		WithArgs(int64(1), 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "username", "role"}).
			AddRow(int64(9), "Sam Lee", "saml", "alumni"))

	got, err := r.Suggestions(context.Background(), 1, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "saml", got[0].Username)
}
