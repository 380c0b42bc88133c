package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/AgentBar-Labs/credit_layer/internal/domain/deposit"
	"github.com/AgentBar-Labs/credit_layer/internal/domain/ratelimit"
	"github.com/AgentBar-Labs/credit_layer/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestGetPrincipalNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM principals`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "display_name", "credential_hash", "credential_prefix",
			"balance", "online", "last_seen_at", "created_at", "updated_at",
		}))

	_, err := store.GetPrincipal(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPrincipalScansNullLastSeen(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM principals`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "display_name", "credential_hash", "credential_prefix",
			"balance", "online", "last_seen_at", "created_at", "updated_at",
		}).AddRow("p1", "agent", "hash", "agt_aaaaaaaa", int64(500), false, nil, now, now))

	p, err := store.GetPrincipal(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, int64(500), p.Balance)
	require.True(t, p.LastSeenAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditDepositDuplicateRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO deposits`).
		WillReturnError(&pq.Error{Code: pq.ErrorCode(uniqueViolation)})
	mock.ExpectRollback()

	_, err := store.CreditDeposit(context.Background(), deposit.Record{
		PrincipalID: "p1",
		TxHash:      "0xabc",
		Amount:      500,
	})
	require.ErrorIs(t, err, storage.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditDepositCommitsInsertAndBalance(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO deposits`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE principals`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.CreditDeposit(context.Background(), deposit.Record{
		PrincipalID: "p1",
		TxHash:      "0xABC",
		Amount:      500,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, "0xabc", rec.TxHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditDepositUnknownPrincipal(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO deposits`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE principals`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.CreditDeposit(context.Background(), deposit.Record{
		PrincipalID: "missing",
		TxHash:      "0xdef",
		Amount:      1,
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBucketCreateConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO rate_limit_buckets`).
		WillReturnError(&pq.Error{Code: pq.ErrorCode(uniqueViolation)})

	err := store.UpsertBucket(context.Background(), ratelimit.Bucket{
		Subject:    "s",
		Action:     ratelimit.ActionDeposit,
		Tokens:     4,
		Capacity:   5,
		LastRefill: time.Now(),
	}, 0)
	require.ErrorIs(t, err, storage.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBucketStaleVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE rate_limit_buckets`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpsertBucket(context.Background(), ratelimit.Bucket{
		Subject:    "s",
		Action:     ratelimit.ActionDeposit,
		Tokens:     4,
		Capacity:   5,
		LastRefill: time.Now(),
	}, 3)
	require.ErrorIs(t, err, storage.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchPrincipalNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE principals`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.TouchPrincipal(context.Background(), "missing", time.Now())
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
