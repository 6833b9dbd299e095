package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript atomically checks available funds (balance minus held) and
// places the hold. Executing the check and the increment in one Lua script
// prevents the check-then-act race where concurrent requests all see enough
// funds and collectively over-reserve.
//
// KEYS[1] = balance key, KEYS[2] = held key, ARGV[1] = amount.
// Returns 1 if the hold was placed, 0 if funds are insufficient.
var reserveScript = redis.NewScript(`
	local bal    = tonumber(redis.call('GET', KEYS[1]) or '0')
	local held   = tonumber(redis.call('GET', KEYS[2]) or '0')
	local amount = tonumber(ARGV[1])
	if bal - held < amount then
		return 0
	end
	redis.call('INCRBY', KEYS[2], amount)
	return 1
`)

// commitScript debits the balance and drops the hold in one step.
var commitScript = redis.NewScript(`
	redis.call('DECRBY', KEYS[1], ARGV[1])
	redis.call('DECRBY', KEYS[2], ARGV[1])
	return 1
`)

const ledgerOpTimeout = 2 * time.Second

// RedisLedger is a Redis-backed Ledger. All balance mutation happens inside
// Lua scripts, so the atomicity guarantee holds across gateway replicas.
//
// Unlike the response-cache style of Redis usage, ledger errors are never
// swallowed: a failed ledger operation fails the pipeline stage.
type RedisLedger struct {
	rdb *redis.Client
}

// NewRedisLedger wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

func balanceKey(accountID string) string { return "ledger:" + accountID + ":balance" }
func heldKey(accountID string) string    { return "ledger:" + accountID + ":held" }

// Reserve places a hold of amount on accountID or fails with
// ErrInsufficientFunds.
func (l *RedisLedger) Reserve(ctx context.Context, accountID string, amount int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("ledger: reserve amount must be positive, got %d", amount)
	}

	ctx, cancel := context.WithTimeout(ctx, ledgerOpTimeout)
	defer cancel()

	ok, err := reserveScript.Run(ctx, l.rdb,
		[]string{balanceKey(accountID), heldKey(accountID)},
		amount,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("ledger: reserve: %w", err)
	}
	if ok != 1 {
		return nil, ErrInsufficientFunds
	}

	return newReservation(accountID, amount), nil
}

// Commit converts the reservation's hold into a debit.
func (l *RedisLedger) Commit(ctx context.Context, res *Reservation) error {
	if !res.settle() {
		return ErrSettled
	}

	ctx, cancel := context.WithTimeout(ctx, ledgerOpTimeout)
	defer cancel()

	if err := commitScript.Run(ctx, l.rdb,
		[]string{balanceKey(res.AccountID), heldKey(res.AccountID)},
		res.Amount,
	).Err(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// Release returns the reservation's hold to the available balance.
func (l *RedisLedger) Release(ctx context.Context, res *Reservation) error {
	if !res.settle() {
		return ErrSettled
	}

	ctx, cancel := context.WithTimeout(ctx, ledgerOpTimeout)
	defer cancel()

	if err := l.rdb.DecrBy(ctx, heldKey(res.AccountID), res.Amount).Err(); err != nil {
		return fmt.Errorf("ledger: release: %w", err)
	}
	return nil
}

// Credit adds amount to the account balance.
func (l *RedisLedger) Credit(ctx context.Context, accountID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: credit amount must be positive, got %d", amount)
	}

	ctx, cancel := context.WithTimeout(ctx, ledgerOpTimeout)
	defer cancel()

	if err := l.rdb.IncrBy(ctx, balanceKey(accountID), amount).Err(); err != nil {
		return fmt.Errorf("ledger: credit: %w", err)
	}
	return nil
}

// Balance returns the total balance for accountID.
func (l *RedisLedger) Balance(ctx context.Context, accountID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, ledgerOpTimeout)
	defer cancel()

	n, err := l.rdb.Get(ctx, balanceKey(accountID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return n, nil
}
