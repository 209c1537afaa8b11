package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhilfond/domo/backend/observability"
)

// slidingWindowScript performs the atomic read-evict-insert admission check.
// KEYS[1] = window key, ARGV = now_ms, window_ms, limit, member.
// Returns {allowed, current, oldest_score_ms}.
const slidingWindowScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("zremrangebyscore", KEYS[1], 0, now - window)
local count = redis.call("zcard", KEYS[1])
if count >= limit then
	local oldest = redis.call("zrange", KEYS[1], 0, 0, "WITHSCORES")
	return {0, count, tonumber(oldest[2])}
end
redis.call("zadd", KEYS[1], now, ARGV[4])
redis.call("pexpire", KEYS[1], window * 2)
return {1, count + 1, now}
`

// nextSeqScript increments a counter and arms its TTL on first use, so a
// date-scoped counter expires on its own after the day rolls over.
const nextSeqScript = `
local v = redis.call("incr", KEYS[1])
if v == 1 then
	redis.call("pexpire", KEYS[1], tonumber(ARGV[1]))
end
return v
`

// RedisStore holds the ephemeral keyed state shared across instances:
// rate-limit windows, the allocator counter, the revocation cache and
// webhook idempotency records.
type RedisStore struct {
	client *redis.Client

	// Preloaded Lua script SHAs for atomic operations
	slidingWindowSHA string
	nextSeqSHA       string
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	// Preload Lua scripts so calls ship only the SHA
	windowSHA, err := client.ScriptLoad(ctx, slidingWindowScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload sliding window script: " + err.Error())
	}
	seqSHA, err := client.ScriptLoad(ctx, nextSeqScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload sequence script: " + err.Error())
	}

	return &RedisStore{
		client:           client,
		slidingWindowSHA: windowSHA,
		nextSeqSHA:       seqSHA,
	}, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// WindowResult is the outcome of one sliding-window admission check.
type WindowResult struct {
	Allowed  bool
	Current  int64
	OldestMS int64 // score of the oldest surviving entry (for retry_after)
}

// SlideWindow runs the atomic sliding-window check for key. member must be
// unique per call so concurrent callers never collapse into one entry.
func (s *RedisStore) SlideWindow(ctx context.Context, key string, limit int, window time.Duration, member string) (WindowResult, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	res, err := s.client.EvalSha(ctx, s.slidingWindowSHA, []string{key},
		time.Now().UnixMilli(), window.Milliseconds(), limit, member).Result()
	if err != nil {
		return WindowResult{}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return WindowResult{}, errors.New("unexpected return shape from sliding window script")
	}
	allowed, _ := vals[0].(int64)
	current, _ := vals[1].(int64)
	oldest, _ := vals[2].(int64)
	return WindowResult{Allowed: allowed == 1, Current: current, OldestMS: oldest}, nil
}

// NextSequence atomically increments the counter under key, arming ttl on
// first use. Allocation is globally serialized by Redis per key.
func (s *RedisStore) NextSequence(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	res, err := s.client.EvalSha(ctx, s.nextSeqSHA, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	seq, ok := res.(int64)
	if !ok {
		return 0, errors.New("unexpected return type from sequence script")
	}
	return seq, nil
}

// --- Generic keyed operations (revocation cache, idempotency records) ---

func (s *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Get returns ("", ErrNotFound) for a missing key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// SetNX sets the key only if absent. Returns false when the key exists.
func (s *RedisStore) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Publish sends a payload on a pub/sub channel (domain events).
func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}
