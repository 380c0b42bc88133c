// Package storage defines the record store interfaces consumed by the core
// services, together with the sentinel errors every implementation maps its
// backend failures onto.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/AgentBar-Labs/credit_layer/internal/domain/deposit"
	"github.com/AgentBar-Labs/credit_layer/internal/domain/principal"
	"github.com/AgentBar-Labs/credit_layer/internal/domain/ratelimit"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate indicates an insert violated a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict indicates a conditional write lost a version race.
	ErrConflict = errors.New("version conflict")
)

// PrincipalStore persists principals and their credential verifiers.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, p principal.Principal) (principal.Principal, error)
	GetPrincipal(ctx context.Context, id string) (principal.Principal, error)
	// ListPrincipalsByCredentialPrefix returns the candidate set sharing a
	// credential lookup prefix. The set is expected to be small; callers
	// run the slow hash comparison over it.
	ListPrincipalsByCredentialPrefix(ctx context.Context, prefix string) ([]principal.Principal, error)
	// UpdateCredential rewrites the verifier and lookup prefix, invalidating
	// the previous credential.
	UpdateCredential(ctx context.Context, id, hash, prefix string) error
	// TouchPrincipal marks the principal online and refreshes its last-seen
	// timestamp.
	TouchPrincipal(ctx context.Context, id string, at time.Time) error
}

// DepositStore persists deposit records and applies balance credits.
type DepositStore interface {
	// HasDeposit reports whether a transaction hash was already recorded.
	// This is the read-time duplicate gate; CreditDeposit re-enforces it
	// with the uniqueness constraint.
	HasDeposit(ctx context.Context, txHash string) (bool, error)
	// CreditDeposit inserts the record and increments the owning
	// principal's balance as one atomic unit. A uniqueness violation on
	// TxHash returns ErrDuplicate and leaves the balance untouched.
	CreditDeposit(ctx context.Context, rec deposit.Record) (deposit.Record, error)
	ListDeposits(ctx context.Context, principalID string) ([]deposit.Record, error)
}

// BucketStore persists rate-limit buckets. Writes are conditional on the
// version observed at read time so refill-and-consume is a single
// atomically-applied read-modify-write per bucket.
type BucketStore interface {
	// GetBucket returns ErrNotFound when no bucket exists yet for the pair.
	GetBucket(ctx context.Context, subject string, action ratelimit.Action) (ratelimit.Bucket, error)
	// UpsertBucket writes b if the stored version still equals
	// expectedVersion (0 means "must not exist"). Returns ErrConflict when
	// another writer got there first.
	UpsertBucket(ctx context.Context, b ratelimit.Bucket, expectedVersion int64) error
}
