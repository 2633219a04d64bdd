package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"caseflow/internal/models"
)

// RedisOptions configures the Redis connection of a RedisBackend.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	Prefix   string
}

// RedisBackend keeps idempotency records in Redis. Keys expire with their
// record, so purging is left to Redis.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{opts.Addr},
		Username:     opts.Username,
		Password:     opts.Password,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisBackendFromClient(client, opts.Prefix), nil
}

func NewRedisBackendFromClient(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "caseflow:idempotency:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(k string) string {
	return b.prefix + k
}

// takeOverScript replaces KEYS[1] with ARGV[2] only while it still holds
// ARGV[1], so two callers replacing the same stale reservation cannot both
// win.
var takeOverScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

func (b *RedisBackend) ReserveIdempotencyKey(ctx context.Context, rec *models.IdempotencyRecord, staleBefore time.Time) (*models.IdempotencyRecord, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)

	for attempt := 0; attempt < 3; attempt++ {
		ok, err := b.client.SetNX(ctx, b.key(rec.Key), data, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if ok {
			return nil, nil
		}

		raw, existing, err := b.get(ctx, rec.Key)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			continue
		}
		if existing.State == models.IdempotencyPending && existing.CreatedAt.Before(staleBefore) {
			taken, err := takeOverScript.Run(ctx, b.client, []string{b.key(rec.Key)}, raw, data, ttl.Milliseconds()).Int()
			if err != nil {
				return nil, fmt.Errorf("failed to take over stale idempotency key: %w", err)
			}
			if taken == 1 {
				return nil, nil
			}
			continue
		}
		return existing, nil
	}
	return nil, fmt.Errorf("failed to reserve idempotency key %q", rec.Key)
}

func (b *RedisBackend) CompleteIdempotencyKey(ctx context.Context, key string, statusCode int, body []byte) error {
	rec, err := b.GetIdempotencyKey(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("idempotency key %q vanished before completion", key)
	}
	rec.State = models.IdempotencyCompleted
	rec.StatusCode = statusCode
	rec.Body = body

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	if err := b.client.Set(ctx, b.key(key), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

func (b *RedisBackend) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.key(key)).Err()
}

func (b *RedisBackend) GetIdempotencyKey(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	_, rec, err := b.get(ctx, key)
	return rec, err
}

// get returns the stored record together with its raw encoding.
func (b *RedisBackend) get(ctx context.Context, key string) (string, *models.IdempotencyRecord, error) {
	raw, err := b.client.Get(ctx, b.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	var rec models.IdempotencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return raw, &rec, nil
}

func (b *RedisBackend) PurgeIdempotencyKeys(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
