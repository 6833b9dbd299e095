package ledger

import (
	"context"
	"fmt"
	"sync"
)

// account holds one account's funds. balance is the total; held is the sum
// of outstanding reservations. available = balance - held.
type account struct {
	mu      sync.Mutex
	balance int64
	held    int64
}

// MemoryLedger is an in-process Ledger. Each account carries its own mutex so
// requests on different accounts never contend; the map lock is only taken to
// look up or create the account entry.
//
// Use for single-instance deployments and tests. Multi-replica deployments
// need RedisLedger so all replicas see the same holds.
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[string]*account)}
}

// get returns the account entry, creating it with a zero balance if needed.
func (l *MemoryLedger) get(accountID string) *account {
	l.mu.RLock()
	a, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[accountID]; ok {
		return a
	}
	a = &account{}
	l.accounts[accountID] = a
	return a
}

// Reserve places a hold of amount on accountID or fails with
// ErrInsufficientFunds. The compare-and-hold runs under the account mutex so
// concurrent reservations can never collectively exceed the balance.
func (l *MemoryLedger) Reserve(_ context.Context, accountID string, amount int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("ledger: reserve amount must be positive, got %d", amount)
	}

	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.balance-a.held < amount {
		return nil, ErrInsufficientFunds
	}
	a.held += amount

	return newReservation(accountID, amount), nil
}

// Commit converts the reservation's hold into a debit.
func (l *MemoryLedger) Commit(_ context.Context, res *Reservation) error {
	if !res.settle() {
		return ErrSettled
	}

	a := l.get(res.AccountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.balance -= res.Amount
	a.held -= res.Amount
	return nil
}

// Release returns the reservation's hold to the available balance.
func (l *MemoryLedger) Release(_ context.Context, res *Reservation) error {
	if !res.settle() {
		return ErrSettled
	}

	a := l.get(res.AccountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.held -= res.Amount
	return nil
}

// Credit adds amount to the account balance.
func (l *MemoryLedger) Credit(_ context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: credit amount must be positive, got %d", amount)
	}

	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.balance += amount
	return nil
}

// Balance returns the total (not available) balance for accountID.
func (l *MemoryLedger) Balance(_ context.Context, accountID string) (int64, error) {
	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}
