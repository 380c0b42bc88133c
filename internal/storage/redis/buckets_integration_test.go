//go:build integration && redis

package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/AgentBar-Labs/credit_layer/internal/domain/ratelimit"
	"github.com/AgentBar-Labs/credit_layer/internal/storage"
)

// Integration test against a live Redis to ensure the conditional write
// script behaves like the other bucket stores.
func TestIntegrationRedisBuckets(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis integration")
	}

	ctx := context.Background()
	store, err := New(ctx, Config{Addr: addr})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}

	subject := "integration-" + time.Now().UTC().Format("150405.000000000")
	b := ratelimit.Bucket{
		Subject:    subject,
		Action:     ratelimit.ActionDeposit,
		Tokens:     4,
		Capacity:   5,
		LastRefill: time.Now().UTC(),
	}

	if _, err := store.GetBucket(ctx, subject, ratelimit.ActionDeposit); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetBucket(fresh) = %v, want ErrNotFound", err)
	}

	if err := store.UpsertBucket(ctx, b, 0); err != nil {
		t.Fatalf("UpsertBucket(create) error: %v", err)
	}
	if err := store.UpsertBucket(ctx, b, 0); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("UpsertBucket(second create) = %v, want ErrConflict", err)
	}

	got, err := store.GetBucket(ctx, subject, ratelimit.ActionDeposit)
	if err != nil {
		t.Fatalf("GetBucket() error: %v", err)
	}
	if got.Version != 1 || got.Tokens != 4 || got.Capacity != 5 {
		t.Fatalf("bucket = %+v", got)
	}

	got.Tokens = 3
	if err := store.UpsertBucket(ctx, got, got.Version); err != nil {
		t.Fatalf("UpsertBucket(update) error: %v", err)
	}
	if err := store.UpsertBucket(ctx, got, got.Version); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("UpsertBucket(stale) = %v, want ErrConflict", err)
	}
}
