package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists payment records. Records must be durably recorded before
// the pipeline proceeds to dispatch, so a crash mid-pipeline leaves an
// auditable trail instead of a lost charge.
type Store interface {
	// Create stores rec only when no committed record exists for its
	// (account, client request id) pair; a non-committed leftover (a
	// reversed earlier attempt) is replaced. The insert must be atomic —
	// it decides the winner between racing retransmissions. Returns the
	// committed record that blocked the insert, or nil when rec won.
	Create(ctx context.Context, rec *Record) (*Record, error)

	// Save rewrites an existing record (dispatch settled, reversal applied).
	Save(ctx context.Context, rec *Record) error

	// Delete withdraws the record for (accountID, clientRequestID). Used
	// only when a created record's funds never settled.
	Delete(ctx context.Context, accountID, clientRequestID string) error

	// FindByClientRequestID returns the record for (accountID, clientRequestID),
	// or (nil, nil) when none exists.
	FindByClientRequestID(ctx context.Context, accountID, clientRequestID string) (*Record, error)

	// Undispatched returns committed records whose dispatch never settled —
	// the reconciliation queue.
	Undispatched(ctx context.Context) ([]*Record, error)

	// FlagReconciliation marks accountID as requiring reconciliation after a
	// failed reversal.
	FlagReconciliation(ctx context.Context, accountID string) error
}

// ── In-memory store ──────────────────────────────────────────────────────────

// MemoryStore is an in-process Store for single-instance deployments and
// tests. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	byKey   map[string]*Record // account + "\x00" + client request id
	flagged map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:   make(map[string]*Record),
		flagged: make(map[string]bool),
	}
}

func recordKey(accountID, clientRequestID string) string {
	return accountID + "\x00" + clientRequestID
}

func (s *MemoryStore) Create(_ context.Context, rec *Record) (*Record, error) {
	key := recordKey(rec.AccountID, rec.ClientRequestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byKey[key]; ok && cur.Status == StatusCommitted {
		cp := *cur
		return &cp, nil
	}
	cp := *rec
	s.byKey[key] = &cp
	return nil, nil
}

func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	cp := *rec
	s.mu.Lock()
	s.byKey[recordKey(rec.AccountID, rec.ClientRequestID)] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, accountID, clientRequestID string) error {
	s.mu.Lock()
	delete(s.byKey, recordKey(accountID, clientRequestID))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) FindByClientRequestID(_ context.Context, accountID, clientRequestID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byKey[recordKey(accountID, clientRequestID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Undispatched(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.byKey {
		if rec.Status == StatusCommitted && !rec.Dispatched {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) FlagReconciliation(_ context.Context, accountID string) error {
	s.mu.Lock()
	s.flagged[accountID] = true
	s.mu.Unlock()
	return nil
}

// Flagged reports whether accountID has been flagged for reconciliation.
func (s *MemoryStore) Flagged(accountID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flagged[accountID]
}

// ── Redis store ──────────────────────────────────────────────────────────────

const storeOpTimeout = 2 * time.Second

// RedisStore persists payment records as JSON values shared across replicas.
// The reconciliation queue is a Redis set of record keys; entries are removed
// once dispatch settles. Errors are never swallowed: losing a payment record
// is a billing defect, not a degradation.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func paymentKey(accountID, clientRequestID string) string {
	return "payment:" + accountID + ":" + clientRequestID
}

const (
	undispatchedSet = "payments:undispatched"
	reconcileSet    = "payments:reconcile"
)

// createScript inserts a record only when the key is absent or holds a
// non-committed leftover. It returns the blocking committed record, or false
// when the insert won. Atomicity here is what makes commits exactly-once
// across replicas — a plain SET would let two racing retransmissions both
// charge.
var createScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	if cur then
		local rec = cjson.decode(cur)
		if rec.status == 'committed' then
			return cur
		end
	end
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SADD', KEYS[2], KEYS[1])
	return false
`)

func (s *RedisStore) Create(ctx context.Context, rec *Record) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("billing: marshal record: %w", err)
	}

	key := paymentKey(rec.AccountID, rec.ClientRequestID)
	cur, err := createScript.Run(ctx, s.rdb, []string{key, undispatchedSet}, data).Text()
	if err == redis.Nil {
		return nil, nil // rec won the insert
	}
	if err != nil {
		return nil, fmt.Errorf("billing: create record: %w", err)
	}

	var existing Record
	if err := json.Unmarshal([]byte(cur), &existing); err != nil {
		return nil, fmt.Errorf("billing: decode record: %w", err)
	}
	return &existing, nil
}

func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("billing: marshal record: %w", err)
	}

	key := paymentKey(rec.AccountID, rec.ClientRequestID)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	if rec.Status == StatusCommitted && !rec.Dispatched {
		pipe.SAdd(ctx, undispatchedSet, key)
	} else {
		pipe.SRem(ctx, undispatchedSet, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("billing: save record: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, accountID, clientRequestID string) error {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	key := paymentKey(accountID, clientRequestID)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, undispatchedSet, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("billing: delete record: %w", err)
	}
	return nil
}

func (s *RedisStore) FindByClientRequestID(ctx context.Context, accountID, clientRequestID string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	data, err := s.rdb.Get(ctx, paymentKey(accountID, clientRequestID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("billing: find record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("billing: decode record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Undispatched(ctx context.Context) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	keys, err := s.rdb.SMembers(ctx, undispatchedSet).Result()
	if err != nil {
		return nil, fmt.Errorf("billing: reconciliation queue: %w", err)
	}

	out := make([]*Record, 0, len(keys))
	for _, key := range keys {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("billing: reconciliation queue: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("billing: decode record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *RedisStore) FlagReconciliation(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	if err := s.rdb.SAdd(ctx, reconcileSet, accountID).Err(); err != nil {
		return fmt.Errorf("billing: flag reconciliation: %w", err)
	}
	return nil
}
