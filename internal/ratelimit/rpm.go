// Package ratelimit implements per-account request rate limiting using
// sliding window counters. The Redis variant uses an atomic Lua script so
// replicas share one window; the in-memory variant serves single-instance
// deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether an account may make another request right now.
// Rate limiting is protective, not billing-critical: implementations may
// degrade open when their backend is unavailable.
type Limiter interface {
	Allow(ctx context.Context, accountID string) (bool, error)
}

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "ratelimit:account:"

// RPMLimiter checks a per-account requests-per-minute limit using a Redis
// sliding window.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
}

// NewRPMLimiter creates a new RPMLimiter with the given per-account RPM limit.
// rpmLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit}
}

// Allow returns true if accountID is within its rate limit.
func (r *RPMLimiter) Allow(ctx context.Context, accountID string) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + accountID},
		now, window, r.rpmLimit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}

// MemoryLimiter is an in-process sliding window limiter for single-instance
// deployments. Safe for concurrent use.
type MemoryLimiter struct {
	mu       sync.Mutex
	rpmLimit int
	window   time.Duration
	hits     map[string][]time.Time
}

// NewMemoryLimiter creates a MemoryLimiter with the given per-account RPM
// limit.
func NewMemoryLimiter(rpmLimit int) *MemoryLimiter {
	return &MemoryLimiter{
		rpmLimit: rpmLimit,
		window:   time.Minute,
		hits:     make(map[string][]time.Time),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, accountID string) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-m.window)

	m.mu.Lock()
	defer m.mu.Unlock()

	recent := m.hits[accountID][:0]
	for _, ts := range m.hits[accountID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= m.rpmLimit {
		m.hits[accountID] = recent
		return false, nil
	}

	m.hits[accountID] = append(recent, now)
	return true, nil
}
