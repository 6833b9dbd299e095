package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// revokedSentinel tombstones a revoked key digest. The entry stays in the
// store so the key can never come back.
const revokedSentinel = "!revoked"

// KeyStore validates API keys and resolves them to accounts.
type KeyStore interface {
	// Authenticate validates a plaintext bearer token. Fails with
	// ErrUnauthorized for absent, malformed, unknown, or revoked keys.
	Authenticate(ctx context.Context, token string) (*Account, error)

	// Register binds a plaintext key to an account.
	Register(ctx context.Context, key, accountID string) error

	// Revoke invalidates a key immediately and irreversibly.
	Revoke(ctx context.Context, key string) error
}

// ── In-memory key store ──────────────────────────────────────────────────────

// MemoryKeyStore is an in-process KeyStore for single-instance deployments
// and tests. Safe for concurrent use.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]string // sha256 digest → account id, or revokedSentinel
}

// NewMemoryKeyStore creates an empty MemoryKeyStore.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]string)}
}

func (s *MemoryKeyStore) Authenticate(_ context.Context, token string) (*Account, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	s.mu.RLock()
	accountID, ok := s.keys[HashKey(token)]
	s.mu.RUnlock()

	if !ok || accountID == revokedSentinel {
		return nil, ErrUnauthorized
	}
	return &Account{ID: accountID}, nil
}

func (s *MemoryKeyStore) Register(_ context.Context, key, accountID string) error {
	digest := HashKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys[digest] == revokedSentinel {
		return fmt.Errorf("auth: key was revoked and cannot be re-registered")
	}
	s.keys[digest] = accountID
	return nil
}

func (s *MemoryKeyStore) Revoke(_ context.Context, key string) error {
	s.mu.Lock()
	s.keys[HashKey(key)] = revokedSentinel
	s.mu.Unlock()
	return nil
}

// ── Redis key store ──────────────────────────────────────────────────────────

const keystoreOpTimeout = 2 * time.Second

// RedisKeyStore is a Redis-backed KeyStore shared across gateway replicas.
// Key digests are stored under "apikey:<sha256>". Unlike caches, keystore
// errors are propagated — an unreachable keystore must not admit requests.
type RedisKeyStore struct {
	rdb *redis.Client
}

// NewRedisKeyStore wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisKeyStore(rdb *redis.Client) *RedisKeyStore {
	return &RedisKeyStore{rdb: rdb}
}

func apiKeyKey(digest string) string { return "apikey:" + digest }

func (s *RedisKeyStore) Authenticate(ctx context.Context, token string) (*Account, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	ctx, cancel := context.WithTimeout(ctx, keystoreOpTimeout)
	defer cancel()

	accountID, err := s.rdb.Get(ctx, apiKeyKey(HashKey(token))).Result()
	if err == redis.Nil {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("auth: keystore: %w", err)
	}
	if accountID == revokedSentinel {
		return nil, ErrUnauthorized
	}
	return &Account{ID: accountID}, nil
}

func (s *RedisKeyStore) Register(ctx context.Context, key, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, keystoreOpTimeout)
	defer cancel()

	digest := HashKey(key)
	current, err := s.rdb.Get(ctx, apiKeyKey(digest)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("auth: keystore: %w", err)
	}
	if current == revokedSentinel {
		return fmt.Errorf("auth: key was revoked and cannot be re-registered")
	}

	if err := s.rdb.Set(ctx, apiKeyKey(digest), accountID, 0).Err(); err != nil {
		return fmt.Errorf("auth: keystore: %w", err)
	}
	return nil
}

func (s *RedisKeyStore) Revoke(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, keystoreOpTimeout)
	defer cancel()

	if err := s.rdb.Set(ctx, apiKeyKey(HashKey(key)), revokedSentinel, 0).Err(); err != nil {
		return fmt.Errorf("auth: keystore: %w", err)
	}
	return nil
}
