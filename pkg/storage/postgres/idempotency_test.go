package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hookrelay/pkg/webhooks"
)

func newTestIdempotencyStore(t *testing.T) (*IdempotencyStore, sqlmock.Sqlmock) {
	db, mock := newSQLMock(t)
	store := NewIdempotencyStore(db, time.Minute)
	store.now = func() time.Time { return ledgerNow }
	return store, mock
}

func TestIdempotencyStore_Reserve(t *testing.T) {
	t.Run("first reservation", func(t *testing.T) {
		store, mock := newTestIdempotencyStore(t)
		mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (key) DO UPDATE")).
			WithArgs("k1", ledgerNow, ledgerNow.Add(-time.Minute)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		result, err := store.Reserve(context.Background(), "k1")
		require.NoError(t, err)
		assert.Equal(t, webhooks.Reserved, result)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already processed", func(t *testing.T) {
		store, mock := newTestIdempotencyStore(t)
		mock.ExpectExec("INSERT INTO webhook_idempotency").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM webhook_idempotency WHERE key = $1")).
			WithArgs("k1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("done"))

		result, err := store.Reserve(context.Background(), "k1")
		require.NoError(t, err)
		assert.Equal(t, webhooks.Processed, result)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("held by a live delivery", func(t *testing.T) {
		store, mock := newTestIdempotencyStore(t)
		mock.ExpectExec("INSERT INTO webhook_idempotency").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM webhook_idempotency").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))

		result, err := store.Reserve(context.Background(), "k1")
		require.NoError(t, err)
		assert.Equal(t, webhooks.InProgress, result)
	})

	t.Run("released between insert and read", func(t *testing.T) {
		store, mock := newTestIdempotencyStore(t)
		mock.ExpectExec("INSERT INTO webhook_idempotency").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM webhook_idempotency").
			WillReturnRows(sqlmock.NewRows([]string{"status"}))

		result, err := store.Reserve(context.Background(), "k1")
		require.NoError(t, err)
		assert.Equal(t, webhooks.InProgress, result)
	})

	t.Run("database error", func(t *testing.T) {
		store, mock := newTestIdempotencyStore(t)
		mock.ExpectExec("INSERT INTO webhook_idempotency").WillReturnError(errors.New("connection reset"))

		_, err := store.Reserve(context.Background(), "k1")
		require.Error(t, err)
	})
}

func TestIdempotencyStore_CommitAndRelease(t *testing.T) {
	store, mock := newTestIdempotencyStore(t)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'done'")).WithArgs("k1", ledgerNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Commit(context.Background(), "k1"))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM webhook_idempotency WHERE key = $1 AND status = 'processing'")).
		WithArgs("k2").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Release(context.Background(), "k2"))
}

func TestNewIdempotencyStore_DefaultStaleAfter(t *testing.T) {
	store := NewIdempotencyStore(nil, 0)
	assert.Equal(t, 5*time.Minute, store.staleAfter)
}
