// Package redis implements the rate-limit bucket store on Redis. Bucket
// state lives in a hash per (subject, action) pair and conditional writes
// run as a single server-side Lua script, so concurrent consumers of the
// same bucket never both spend the last token.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/AgentBar-Labs/credit_layer/internal/domain/ratelimit"
	"github.com/AgentBar-Labs/credit_layer/internal/storage"
)

// bucketTTL lets idle buckets decay naturally instead of accumulating.
const bucketTTL = 24 * time.Hour

var casScript = redis.NewScript(`
local version = redis.call('HGET', KEYS[1], 'version')
if ARGV[5] == '0' then
	if version then return 0 end
else
	if not version or version ~= ARGV[5] then return 0 end
end
redis.call('HSET', KEYS[1],
	'tokens', ARGV[1],
	'capacity', ARGV[2],
	'last_refill', ARGV[3],
	'version', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// Buckets is a Redis-backed storage.BucketStore.
type Buckets struct {
	client *redis.Client
}

var _ storage.BucketStore = (*Buckets)(nil)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Buckets, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Buckets{client: client}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *redis.Client) *Buckets {
	return &Buckets{client: client}
}

// Close releases the underlying connection pool.
func (b *Buckets) Close() error {
	return b.client.Close()
}

func key(subject string, action ratelimit.Action) string {
	return "ratelimit:" + subject + ":" + string(action)
}

func (b *Buckets) GetBucket(ctx context.Context, subject string, action ratelimit.Action) (ratelimit.Bucket, error) {
	fields, err := b.client.HGetAll(ctx, key(subject, action)).Result()
	if err != nil {
		return ratelimit.Bucket{}, err
	}
	if len(fields) == 0 {
		return ratelimit.Bucket{}, storage.ErrNotFound
	}

	bucket := ratelimit.Bucket{Subject: subject, Action: action}
	if bucket.Tokens, err = strconv.ParseFloat(fields["tokens"], 64); err != nil {
		return ratelimit.Bucket{}, fmt.Errorf("corrupt bucket tokens: %w", err)
	}
	if bucket.Capacity, err = strconv.Atoi(fields["capacity"]); err != nil {
		return ratelimit.Bucket{}, fmt.Errorf("corrupt bucket capacity: %w", err)
	}
	refillNanos, err := strconv.ParseInt(fields["last_refill"], 10, 64)
	if err != nil {
		return ratelimit.Bucket{}, fmt.Errorf("corrupt bucket refill time: %w", err)
	}
	bucket.LastRefill = time.Unix(0, refillNanos).UTC()
	if bucket.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return ratelimit.Bucket{}, fmt.Errorf("corrupt bucket version: %w", err)
	}
	return bucket, nil
}

func (b *Buckets) UpsertBucket(ctx context.Context, bucket ratelimit.Bucket, expectedVersion int64) error {
	ok, err := casScript.Run(ctx, b.client,
		[]string{key(bucket.Subject, bucket.Action)},
		strconv.FormatFloat(bucket.Tokens, 'f', -1, 64),
		strconv.Itoa(bucket.Capacity),
		strconv.FormatInt(bucket.LastRefill.UTC().UnixNano(), 10),
		strconv.FormatInt(expectedVersion+1, 10),
		strconv.FormatInt(expectedVersion, 10),
		strconv.FormatInt(bucketTTL.Milliseconds(), 10),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return storage.ErrConflict
	}
	return nil
}
