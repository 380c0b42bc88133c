// Package credentials implements bearer credential issuance and validation.
//
// A credential is a public format tag plus 256 bits of random payload,
// returned to the caller exactly once. Only a bcrypt verifier and a short
// lookup prefix are persisted. Because the verifier is salted per principal,
// validation cannot be a single indexed equality lookup: it narrows
// candidates by the non-secret prefix and runs the slow comparison over the
// small matching set. The bounded scan buys resistance to precomputation
// attacks at the cost of a few extra comparisons.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/AgentBar-Labs/credit_layer/internal/domain/principal"
	"github.com/AgentBar-Labs/credit_layer/internal/errors"
	"github.com/AgentBar-Labs/credit_layer/internal/metrics"
	"github.com/AgentBar-Labs/credit_layer/internal/storage"
	"github.com/AgentBar-Labs/credit_layer/pkg/logger"
)

const (
	// TokenPrefix is the public format tag on every issued credential.
	TokenPrefix = "agt_"
	// payloadBytes gives 256 bits of entropy, twice the required minimum.
	payloadBytes = 32
	// lookupPrefixLen is the length of the non-secret leading slice stored
	// for candidate narrowing.
	lookupPrefixLen = 12
	// tokenLen is the full plaintext length: prefix + base64url payload.
	tokenLen = len(TokenPrefix) + 43
)

// DefaultBcryptCost yields 4096 hash rounds.
const DefaultBcryptCost = 12

// Service is the credential manager.
type Service struct {
	store storage.PrincipalStore
	cost  int
	log   *logger.Logger
	// dummyHash equalizes the no-candidate path with the hash-mismatch
	// path so response timing does not reveal whether a prefix matched.
	dummyHash []byte
}

// New creates a credential manager. A zero cost selects DefaultBcryptCost.
func New(store storage.PrincipalStore, cost int, log *logger.Logger) *Service {
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	if log == nil {
		log = logger.NewDefault("credentials")
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("credit-layer-dummy-comparison"), cost)
	if err != nil {
		// bcrypt only fails on an out-of-range cost, which Validate-time
		// config checks already exclude.
		dummy = []byte("$2a$12$invalidinvalidinvalidinvalidinvalidinvalidinvalidinval")
	}
	return &Service{store: store, cost: cost, log: log, dummyHash: dummy}
}

// Issue creates a new principal together with its credential and returns the
// plaintext token exactly once. The token is never persisted in recoverable
// form and never logged. Entropy source failure aborts issuance entirely.
func (s *Service) Issue(ctx context.Context, displayName string) (principal.Principal, string, error) {
	token, err := generateToken()
	if err != nil {
		s.log.WithError(err).Error("entropy source failed during issuance")
		return principal.Principal{}, "", errors.EntropyExhausted(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), s.cost)
	if err != nil {
		return principal.Principal{}, "", errors.Internal("hash credential", err)
	}

	p, err := s.store.CreatePrincipal(ctx, principal.Principal{
		DisplayName:      strings.TrimSpace(displayName),
		CredentialHash:   string(hash),
		CredentialPrefix: token[:lookupPrefixLen],
	})
	if err != nil {
		return principal.Principal{}, "", errors.Unavailable("record store", err)
	}

	metrics.RecordCredentialIssued()
	s.log.WithField("principal_id", p.ID).Info("credential issued")
	return p, token, nil
}

// Validate resolves a presented token to its principal. Validation is
// read-only: callers that want the activity side effect compose Validate
// with Touch. A malformed token, an empty candidate set and a verifier
// mismatch are indistinguishable to the caller.
func (s *Service) Validate(ctx context.Context, presented string) (principal.Principal, error) {
	if presented == "" {
		return principal.Principal{}, errors.MissingCredential()
	}
	if len(presented) != tokenLen || !strings.HasPrefix(presented, TokenPrefix) {
		metrics.RecordCredentialValidation("rejected")
		return principal.Principal{}, errors.MissingCredential()
	}

	candidates, err := s.store.ListPrincipalsByCredentialPrefix(ctx, presented[:lookupPrefixLen])
	if err != nil {
		return principal.Principal{}, errors.Unavailable("record store", err)
	}

	for _, candidate := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidate.CredentialHash), []byte(presented)) == nil {
			metrics.RecordCredentialValidation("ok")
			return candidate, nil
		}
	}

	// Burn one comparison when no candidate existed so both failure paths
	// cost the same.
	if len(candidates) == 0 {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(presented))
	}
	metrics.RecordCredentialValidation("rejected")
	return principal.Principal{}, errors.InvalidCredential()
}

// Touch marks the principal online and refreshes its last-seen timestamp.
// This is the explicit activity side effect of a successful authentication;
// it is separate from Validate so checking and mutating never conflate.
func (s *Service) Touch(ctx context.Context, principalID string) error {
	if err := s.store.TouchPrincipal(ctx, principalID, time.Now().UTC()); err != nil {
		return errors.Unavailable("record store", err)
	}
	return nil
}

// Rotate invalidates the current credential out-of-band and returns the
// replacement plaintext exactly once. Administrative use only.
func (s *Service) Rotate(ctx context.Context, principalID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		s.log.WithError(err).Error("entropy source failed during rotation")
		return "", errors.EntropyExhausted(err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), s.cost)
	if err != nil {
		return "", errors.Internal("hash credential", err)
	}

	if err := s.store.UpdateCredential(ctx, principalID, string(hash), token[:lookupPrefixLen]); err != nil {
		if err == storage.ErrNotFound {
			return "", errors.NotFound("principal")
		}
		return "", errors.Unavailable("record store", err)
	}

	s.log.WithField("principal_id", principalID).Info("credential rotated")
	return token, nil
}

func generateToken() (string, error) {
	payload := make([]byte, payloadBytes)
	if _, err := rand.Read(payload); err != nil {
		return "", err
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(payload), nil
}
