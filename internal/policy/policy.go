// Package policy implements the decision engine: it evaluates a canonical
// request's estimated cost against the account's spending policy and, on
// approval, places a reservation on the budget ledger.
//
// Rejections are cheap and side-effect free: policy rules are checked before
// the ledger is touched, so a rejected request leaves no hold behind.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/paygate/internal/ledger"
	"github.com/nulpointcorp/paygate/internal/providers"
)

// Reason is an enumerated rejection reason. Never freeform.
type Reason string

const (
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonPerRequestLimit   Reason = "per_request_limit_exceeded"
	ReasonPolicyRestricted  Reason = "policy_restricted"
)

// Outcome of a decision.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

// Spending is an account's spending policy. The zero value permits
// everything (no cap, no restrictions).
type Spending struct {
	// PerRequestCap is the maximum estimated cost of a single request in
	// micro-USDC. 0 disables the cap.
	PerRequestCap int64

	// AllowedProviders restricts which upstream providers the account may
	// use. nil or empty allows all.
	AllowedProviders map[string]bool

	// BlockedOperations lists operation types the account may not invoke.
	BlockedOperations map[providers.Operation]bool
}

// Store resolves the spending policy for an account.
type Store interface {
	Get(ctx context.Context, accountID string) (Spending, error)
}

// MemoryStore is an in-process policy Store with a fallback default policy
// for accounts without an explicit entry. Safe for concurrent use.
type MemoryStore struct {
	mu           sync.RWMutex
	policies     map[string]Spending
	defaultValue Spending
}

// NewMemoryStore creates a MemoryStore with the given default policy.
func NewMemoryStore(defaultPolicy Spending) *MemoryStore {
	return &MemoryStore{
		policies:     make(map[string]Spending),
		defaultValue: defaultPolicy,
	}
}

// Set installs an explicit policy for accountID.
func (s *MemoryStore) Set(accountID string, p Spending) {
	s.mu.Lock()
	s.policies[accountID] = p
	s.mu.Unlock()
}

func (s *MemoryStore) Get(_ context.Context, accountID string) (Spending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.policies[accountID]; ok {
		return p, nil
	}
	return s.defaultValue, nil
}

// Decision is the engine's verdict for one canonical request. Exactly one
// Decision exists per request. Reservation is non-nil only when approved.
type Decision struct {
	RequestID   string
	Outcome     string
	Reason      Reason
	EvaluatedAt time.Time
	Reservation *ledger.Reservation
}

// Approved reports whether the decision permits payment.
func (d *Decision) Approved() bool { return d.Outcome == OutcomeApproved }

// Engine evaluates requests against spending policies and the ledger.
type Engine struct {
	ledger   ledger.Ledger
	policies Store
}

// NewEngine creates a decision engine over the given ledger and policy store.
func NewEngine(l ledger.Ledger, policies Store) *Engine {
	return &Engine{ledger: l, policies: policies}
}

// Decide evaluates req and returns a Decision. Policy rules are checked
// first; only a request that passes them reaches the ledger's atomic
// reserve. A non-nil error means the engine itself failed (policy store or
// ledger infrastructure) — not a rejection.
func (e *Engine) Decide(ctx context.Context, requestID string, req *providers.Request) (*Decision, error) {
	pol, err := e.policies.Get(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("policy: lookup for account %s: %w", req.AccountID, err)
	}

	reject := func(reason Reason) *Decision {
		return &Decision{
			RequestID:   requestID,
			Outcome:     OutcomeRejected,
			Reason:      reason,
			EvaluatedAt: time.Now().UTC(),
		}
	}

	if len(pol.AllowedProviders) > 0 && !pol.AllowedProviders[req.Provider] {
		return reject(ReasonPolicyRestricted), nil
	}
	if pol.BlockedOperations[req.Operation] {
		return reject(ReasonPolicyRestricted), nil
	}
	if pol.PerRequestCap > 0 && req.EstimatedCost > pol.PerRequestCap {
		return reject(ReasonPerRequestLimit), nil
	}

	res, err := e.ledger.Reserve(ctx, req.AccountID, req.EstimatedCost)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return reject(ReasonInsufficientFunds), nil
		}
		return nil, fmt.Errorf("policy: reserve: %w", err)
	}

	return &Decision{
		RequestID:   requestID,
		Outcome:     OutcomeApproved,
		EvaluatedAt: time.Now().UTC(),
		Reservation: res,
	}, nil
}

// Release returns an approved decision's hold to the account's available
// balance. Used when the pipeline aborts between approval and commit.
func (e *Engine) Release(ctx context.Context, res *ledger.Reservation) error {
	return e.ledger.Release(ctx, res)
}
