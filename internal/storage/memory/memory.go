// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AgentBar-Labs/credit_layer/internal/domain/deposit"
	"github.com/AgentBar-Labs/credit_layer/internal/domain/principal"
	"github.com/AgentBar-Labs/credit_layer/internal/domain/ratelimit"
	"github.com/AgentBar-Labs/credit_layer/internal/storage"
)

// Store is an in-memory record store.
type Store struct {
	mu             sync.RWMutex
	principals     map[string]principal.Principal
	depositsByHash map[string]deposit.Record
	deposits       map[string][]deposit.Record
	buckets        map[string]ratelimit.Bucket
}

var _ storage.PrincipalStore = (*Store)(nil)
var _ storage.DepositStore = (*Store)(nil)
var _ storage.BucketStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		principals:     make(map[string]principal.Principal),
		depositsByHash: make(map[string]deposit.Record),
		deposits:       make(map[string][]deposit.Record),
		buckets:        make(map[string]ratelimit.Bucket),
	}
}

// PrincipalStore implementation ----------------------------------------------

func (s *Store) CreatePrincipal(_ context.Context, p principal.Principal) (principal.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if _, exists := s.principals[p.ID]; exists {
		return principal.Principal{}, storage.ErrDuplicate
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.principals[p.ID] = p
	return p, nil
}

func (s *Store) GetPrincipal(_ context.Context, id string) (principal.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.principals[id]
	if !ok {
		return principal.Principal{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListPrincipalsByCredentialPrefix(_ context.Context, prefix string) ([]principal.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []principal.Principal
	for _, p := range s.principals {
		if p.CredentialPrefix == prefix {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *Store) UpdateCredential(_ context.Context, id, hash, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[id]
	if !ok {
		return storage.ErrNotFound
	}
	p.CredentialHash = hash
	p.CredentialPrefix = prefix
	p.UpdatedAt = time.Now().UTC()
	s.principals[id] = p
	return nil
}

func (s *Store) TouchPrincipal(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[id]
	if !ok {
		return storage.ErrNotFound
	}
	p.Online = true
	p.LastSeenAt = at.UTC()
	p.UpdatedAt = at.UTC()
	s.principals[id] = p
	return nil
}

// DepositStore implementation ------------------------------------------------

func (s *Store) HasDeposit(_ context.Context, txHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.depositsByHash[strings.ToLower(txHash)]
	return ok, nil
}

func (s *Store) CreditDeposit(_ context.Context, rec deposit.Record) (deposit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(rec.TxHash)
	if _, exists := s.depositsByHash[key]; exists {
		return deposit.Record{}, storage.ErrDuplicate
	}

	p, ok := s.principals[rec.PrincipalID]
	if !ok {
		return deposit.Record{}, storage.ErrNotFound
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()

	p.Balance += rec.Amount
	p.UpdatedAt = rec.CreatedAt
	s.principals[p.ID] = p

	s.depositsByHash[key] = rec
	s.deposits[rec.PrincipalID] = append(s.deposits[rec.PrincipalID], rec)
	return rec, nil
}

func (s *Store) ListDeposits(_ context.Context, principalID string) ([]deposit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.deposits[principalID]
	result := make([]deposit.Record, len(records))
	copy(result, records)
	return result, nil
}

// BucketStore implementation -------------------------------------------------

func bucketKey(subject string, action ratelimit.Action) string {
	return subject + "|" + string(action)
}

func (s *Store) GetBucket(_ context.Context, subject string, action ratelimit.Action) (ratelimit.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.buckets[bucketKey(subject, action)]
	if !ok {
		return ratelimit.Bucket{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *Store) UpsertBucket(_ context.Context, b ratelimit.Bucket, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey(b.Subject, b.Action)
	current, exists := s.buckets[key]

	if expectedVersion == 0 {
		if exists {
			return storage.ErrConflict
		}
	} else if !exists || current.Version != expectedVersion {
		return storage.ErrConflict
	}

	b.Version = expectedVersion + 1
	s.buckets[key] = b
	return nil
}
