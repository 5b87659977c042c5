// ABOUTME: Redis-backed conversation state store
// ABOUTME: Lets flows survive a process restart; expiry is delegated to Redis TTLs

package convstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/tally-gateway/internal/tenant"
)

// RedisStore implements Store on top of a Redis server.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix, defaults to "tally:"
	TTL      time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "tally:"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}, nil
}

// redisKey encodes tenant then user. Tenant IDs never contain ':' (see tenant.ParseID),
// so the tenant part cannot bleed into the user part.
func (r *RedisStore) redisKey(key Key) string {
	return r.prefix + "conv:" + string(key.Tenant) + ":" + string(key.User)
}

func (r *RedisStore) tenantPattern(t tenant.ID) string {
	return r.prefix + "conv:" + string(t) + ":*"
}

// Get loads the state for key, or nil when it is absent or expired.
func (r *RedisStore) Get(ctx context.Context, key Key) (*State, error) {
	data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding conversation state: %w", err)
	}
	st.Key = key
	if st.Collected == nil {
		st.Collected = make(map[string]string)
	}
	return &st, nil
}

// Set writes st with a fresh TTL.
func (r *RedisStore) Set(ctx context.Context, st *State) error {
	now := r.now()
	st.UpdatedAt = now
	st.ExpiresAt = now.Add(r.ttl)

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding conversation state: %w", err)
	}
	if err := r.client.Set(ctx, r.redisKey(st.Key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("saving conversation state: %w", err)
	}
	return nil
}

// Clear deletes the state for key.
func (r *RedisStore) Clear(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("clearing conversation state: %w", err)
	}
	return nil
}

// ClearTenant scans and deletes every key of tenant t.
func (r *RedisStore) ClearTenant(ctx context.Context, t tenant.ID) (int, error) {
	iter := r.client.Scan(ctx, 0, r.tenantPattern(t), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scanning tenant states: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("clearing tenant states: %w", err)
	}
	return int(n), nil
}

// SweepExpired is a no-op: Redis evicts expired keys itself.
func (r *RedisStore) SweepExpired(context.Context) (int, error) {
	return 0, nil
}

// Close releases the Redis connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
