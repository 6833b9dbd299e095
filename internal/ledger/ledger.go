// Package ledger defines the budget ledger contract: atomic
// reserve-then-commit-or-release operations keyed by account.
//
// The pipeline never computes a balance itself — all mutation is funneled
// through a Ledger so that N concurrent requests against a budget of B can
// never collectively hold more than B. Two implementations are provided:
//
//   - RedisLedger  — Lua-scripted atomic operations, shared across replicas.
//   - MemoryLedger — per-account mutex, zero external dependencies.
//
// All amounts are micro-USDC (1 USDC = 1_000_000 micros).
package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientFunds — the available balance (balance minus holds)
	// cannot cover the requested reservation.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSettled — the reservation was already committed or released.
	// A reservation is single-use; this guards against double settlement.
	ErrSettled = errors.New("reservation already settled")
)

// Reservation is a provisional hold on ledger funds pending a decision
// outcome. It is settled exactly once, by Commit or Release.
type Reservation struct {
	ID        string
	AccountID string
	Amount    int64
	CreatedAt time.Time

	settled atomic.Bool
}

// newReservation builds a reservation handle with a fresh UUID.
func newReservation(accountID string, amount int64) *Reservation {
	return &Reservation{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
}

// settle marks the reservation settled. Returns false if it already was.
func (r *Reservation) settle() bool {
	return r.settled.CompareAndSwap(false, true)
}

// Ledger is the budget ledger contract.
//
// Reserve atomically places a hold on the account's available funds or fails
// with ErrInsufficientFunds — no partial holds. Commit converts the hold into
// an irreversible debit; Release returns the hold to the available balance.
// Credit adds funds back (used by payment reversal and account funding).
type Ledger interface {
	Reserve(ctx context.Context, accountID string, amount int64) (*Reservation, error)
	Commit(ctx context.Context, res *Reservation) error
	Release(ctx context.Context, res *Reservation) error
	Credit(ctx context.Context, accountID string, amount int64) error
	Balance(ctx context.Context, accountID string) (int64, error)
}
