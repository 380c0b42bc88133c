// Package ratelimit implements token-bucket admission control over
// persisted buckets.
//
// Buckets refill lazily from elapsed wall-clock time at check time; there is
// no background refill task. The full bucket state is (tokens, capacity,
// last-refill), so it persists cleanly and reads safely from multiple
// replicas. The refill-and-consume cycle is applied through a conditional
// write: concurrent requests against the same bucket never both spend the
// last token.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/AgentBar-Labs/credit_layer/internal/domain/ratelimit"
	svcerrors "github.com/AgentBar-Labs/credit_layer/internal/errors"
	"github.com/AgentBar-Labs/credit_layer/internal/metrics"
	"github.com/AgentBar-Labs/credit_layer/internal/storage"
	"github.com/AgentBar-Labs/credit_layer/pkg/logger"
)

// casAttempts bounds the optimistic write retry loop.
const casAttempts = 4

// Decision is an admission outcome with client back-off signaling.
type Decision struct {
	Allowed bool
	// Remaining is the whole-token count left after this decision.
	Remaining int
	// RetryAfter is seconds until the next token becomes available; zero
	// when admitted.
	RetryAfter float64
}

// Service is the rate limiter.
type Service struct {
	store    storage.BucketStore
	limits   map[ratelimit.Action]ratelimit.Limit
	failOpen bool
	log      *logger.Logger
	now      func() time.Time
}

// New creates a rate limiter. nil limits selects ratelimit.DefaultLimits.
func New(store storage.BucketStore, limits map[ratelimit.Action]ratelimit.Limit, failOpen bool, log *logger.Logger) *Service {
	if limits == nil {
		limits = ratelimit.DefaultLimits()
	}
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	return &Service{
		store:    store,
		limits:   limits,
		failOpen: failOpen,
		log:      log,
		now:      time.Now,
	}
}

// WithClock overrides the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CheckAndConsume refills the subject's bucket for the action class and
// consumes one token if available. Unknown action classes are rejected
// outright. Store failures follow the configured policy: fail-closed
// (default) rejects with an infrastructure error, fail-open admits.
func (s *Service) CheckAndConsume(ctx context.Context, subject string, action ratelimit.Action) (Decision, error) {
	limit, ok := s.limits[action]
	if !ok {
		return Decision{}, svcerrors.BadRequest("unknown action class: " + string(action))
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		decision, err := s.tryConsume(ctx, subject, action, limit)
		if err == nil {
			metrics.RecordRateLimitDecision(string(action), decision.Allowed)
			return decision, nil
		}
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		return s.storeFailure(action, err)
	}

	// Persistent contention on one bucket; reject conservatively rather
	// than risk over-admission.
	s.log.WithField("subject", subject).Debug("bucket contention exhausted retries")
	metrics.RecordRateLimitDecision(string(action), false)
	return Decision{Allowed: false, RetryAfter: 1}, nil
}

func (s *Service) tryConsume(ctx context.Context, subject string, action ratelimit.Action, limit ratelimit.Limit) (Decision, error) {
	now := s.now().UTC()

	bucket, err := s.store.GetBucket(ctx, subject, action)
	expectedVersion := bucket.Version
	switch {
	case errors.Is(err, storage.ErrNotFound):
		bucket = ratelimit.Bucket{
			Subject:    subject,
			Action:     action,
			Tokens:     float64(limit.Capacity),
			Capacity:   limit.Capacity,
			LastRefill: now,
		}
		expectedVersion = 0
	case err != nil:
		return Decision{}, err
	default:
		bucket.Tokens = refill(bucket.Tokens, limit, bucket.LastRefill, now)
		bucket.Capacity = limit.Capacity
		bucket.LastRefill = now
	}

	rate := limit.RefillPerSecond()

	if bucket.Tokens < 1 {
		// No write on rejection: the stored state plus elapsed time fully
		// describes the bucket, and skipping the write avoids version
		// churn under abuse.
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: secondsUntilToken(bucket.Tokens, rate),
		}, nil
	}

	bucket.Tokens -= 1
	if err := s.store.UpsertBucket(ctx, bucket, expectedVersion); err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed:   true,
		Remaining: int(math.Floor(bucket.Tokens)),
	}, nil
}

func (s *Service) storeFailure(action ratelimit.Action, err error) (Decision, error) {
	if s.failOpen {
		s.log.WithError(err).Warn("bucket store unavailable; admitting (fail-open policy)")
		metrics.RecordRateLimitDecision(string(action), true)
		return Decision{Allowed: true}, nil
	}
	s.log.WithError(err).Warn("bucket store unavailable; rejecting (fail-closed policy)")
	metrics.RecordRateLimitDecision(string(action), false)
	return Decision{Allowed: false}, svcerrors.Unavailable("bucket store", err)
}

// refill adds elapsed-time tokens, capped at capacity. Negative elapsed time
// (clock skew between replicas) adds nothing.
func refill(tokens float64, limit ratelimit.Limit, lastRefill, now time.Time) float64 {
	elapsed := now.Sub(lastRefill).Seconds()
	if elapsed <= 0 {
		return tokens
	}
	tokens += elapsed * limit.RefillPerSecond()
	if capacity := float64(limit.Capacity); tokens > capacity {
		tokens = capacity
	}
	return tokens
}

func secondsUntilToken(tokens float64, ratePerSecond float64) float64 {
	if ratePerSecond <= 0 {
		return math.Inf(1)
	}
	deficit := 1 - tokens
	if deficit <= 0 {
		return 0
	}
	return deficit / ratePerSecond
}
