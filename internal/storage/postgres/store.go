// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/AgentBar-Labs/credit_layer/internal/domain/deposit"
	"github.com/AgentBar-Labs/credit_layer/internal/domain/principal"
	"github.com/AgentBar-Labs/credit_layer/internal/domain/ratelimit"
	"github.com/AgentBar-Labs/credit_layer/internal/storage"
)

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.PrincipalStore = (*Store)(nil)
var _ storage.DepositStore = (*Store)(nil)
var _ storage.BucketStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return storage.ErrDuplicate
	}
	return err
}

// --- PrincipalStore ---------------------------------------------------------

func (s *Store) CreatePrincipal(ctx context.Context, p principal.Principal) (principal.Principal, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, display_name, credential_hash, credential_prefix, balance, online, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.DisplayName, p.CredentialHash, p.CredentialPrefix, p.Balance, p.Online, toNullTime(p.LastSeenAt), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return principal.Principal{}, mapError(err)
	}
	return p, nil
}

func (s *Store) GetPrincipal(ctx context.Context, id string) (principal.Principal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, credential_hash, credential_prefix, balance, online, last_seen_at, created_at, updated_at
		FROM principals
		WHERE id = $1
	`, id)
	return scanPrincipal(row)
}

func (s *Store) ListPrincipalsByCredentialPrefix(ctx context.Context, prefix string) ([]principal.Principal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, credential_hash, credential_prefix, balance, online, last_seen_at, created_at, updated_at
		FROM principals
		WHERE credential_prefix = $1
	`, prefix)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []principal.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) UpdateCredential(ctx context.Context, id, hash, prefix string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE principals
		SET credential_hash = $2, credential_prefix = $3, updated_at = $4
		WHERE id = $1
	`, id, hash, prefix, time.Now().UTC())
	if err != nil {
		return mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) TouchPrincipal(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE principals
		SET online = TRUE, last_seen_at = $2, updated_at = $2
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrincipal(row rowScanner) (principal.Principal, error) {
	var (
		p        principal.Principal
		lastSeen sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.DisplayName, &p.CredentialHash, &p.CredentialPrefix, &p.Balance, &p.Online, &lastSeen, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return principal.Principal{}, mapError(err)
	}
	if lastSeen.Valid {
		p.LastSeenAt = lastSeen.Time.UTC()
	}
	return p, nil
}

// --- DepositStore -----------------------------------------------------------

func (s *Store) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM deposits WHERE tx_hash = $1)
	`, strings.ToLower(txHash)).Scan(&exists)
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

// CreditDeposit inserts the deposit record and increments the principal's
// balance in one transaction. The unique index on tx_hash is the authority
// on duplicates: a concurrent submission that slipped past the read-time
// check fails here with storage.ErrDuplicate and credits nothing.
func (s *Store) CreditDeposit(ctx context.Context, rec deposit.Record) (deposit.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.TxHash = strings.ToLower(rec.TxHash)
	rec.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return deposit.Record{}, mapError(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deposits (id, principal_id, tx_hash, amount, from_address, block_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.PrincipalID, rec.TxHash, rec.Amount, rec.FromAddress, rec.BlockNumber, rec.CreatedAt)
	if err != nil {
		return deposit.Record{}, mapError(err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE principals
		SET balance = balance + $2, updated_at = $3
		WHERE id = $1
	`, rec.PrincipalID, rec.Amount, rec.CreatedAt)
	if err != nil {
		return deposit.Record{}, mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return deposit.Record{}, storage.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return deposit.Record{}, mapError(err)
	}
	return rec, nil
}

func (s *Store) ListDeposits(ctx context.Context, principalID string) ([]deposit.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, principal_id, tx_hash, amount, from_address, block_number, created_at
		FROM deposits
		WHERE principal_id = $1
		ORDER BY created_at DESC
	`, principalID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []deposit.Record
	for rows.Next() {
		var rec deposit.Record
		if err := rows.Scan(&rec.ID, &rec.PrincipalID, &rec.TxHash, &rec.Amount, &rec.FromAddress, &rec.BlockNumber, &rec.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// --- BucketStore ------------------------------------------------------------

func (s *Store) GetBucket(ctx context.Context, subject string, action ratelimit.Action) (ratelimit.Bucket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subject, action, tokens, capacity, last_refill, version
		FROM rate_limit_buckets
		WHERE subject = $1 AND action = $2
	`, subject, string(action))

	var b ratelimit.Bucket
	var actionRaw string
	if err := row.Scan(&b.Subject, &actionRaw, &b.Tokens, &b.Capacity, &b.LastRefill, &b.Version); err != nil {
		return ratelimit.Bucket{}, mapError(err)
	}
	b.Action = ratelimit.Action(actionRaw)
	b.LastRefill = b.LastRefill.UTC()
	return b, nil
}

func (s *Store) UpsertBucket(ctx context.Context, b ratelimit.Bucket, expectedVersion int64) error {
	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rate_limit_buckets (subject, action, tokens, capacity, last_refill, version)
			VALUES ($1, $2, $3, $4, $5, 1)
		`, b.Subject, string(b.Action), b.Tokens, b.Capacity, b.LastRefill.UTC())
		if err != nil {
			if errors.Is(mapError(err), storage.ErrDuplicate) {
				return storage.ErrConflict
			}
			return mapError(err)
		}
		return nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE rate_limit_buckets
		SET tokens = $3, capacity = $4, last_refill = $5, version = version + 1
		WHERE subject = $1 AND action = $2 AND version = $6
	`, b.Subject, string(b.Action), b.Tokens, b.Capacity, b.LastRefill.UTC(), expectedVersion)
	if err != nil {
		return mapError(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrConflict
	}
	return nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
