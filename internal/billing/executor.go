package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/paygate/internal/ledger"
)

// ErrAlreadyReversed — a second reversal was attempted for the same payment.
// Reversal runs at most once; repeats are a pipeline bug.
var ErrAlreadyReversed = errors.New("payment already reversed")

// Executor converts approved reservations into committed payment records and
// applies compensating reversals on the failure path.
type Executor struct {
	ledger ledger.Ledger
	store  Store
	log    *slog.Logger
}

// NewExecutor creates an Executor. log may be nil.
func NewExecutor(l ledger.Ledger, store Store, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{ledger: l, store: store, log: log}
}

// Find returns the existing payment record for (accountID, clientRequestID),
// or nil. The pipeline consults this before evaluating a retransmission so a
// repeated client request id never reaches the decision engine.
func (x *Executor) Find(ctx context.Context, accountID, clientRequestID string) (*Record, error) {
	return x.store.FindByClientRequestID(ctx, accountID, clientRequestID)
}

// Commit converts res into a committed payment record, durably stored before
// dispatch may start.
//
// Idempotency: the record insert is conditional on absence, so exactly one
// of any number of racing retransmissions wins it; only the winner settles
// funds. Losers release their fresh reservation and return the winner's
// record with committed=false. The caller is never charged twice.
func (x *Executor) Commit(
	ctx context.Context,
	requestID, clientRequestID string,
	res *ledger.Reservation,
) (rec *Record, committed bool, err error) {
	rec = newRecord(requestID, clientRequestID, res.AccountID, res.Amount)

	existing, err := x.store.Create(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if relErr := x.ledger.Release(ctx, res); relErr != nil {
			x.log.WarnContext(ctx, "duplicate_reservation_release_failed",
				slog.String("request_id", requestID),
				slog.String("error", relErr.Error()),
			)
		}
		return existing, false, nil
	}

	if err := x.ledger.Commit(ctx, res); err != nil {
		// The insert won but the funds never settled. Withdraw the record so
		// a retry can commit cleanly; if even that fails, the stored record
		// overstates the charge and the account needs reconciliation.
		if delErr := x.store.Delete(ctx, res.AccountID, clientRequestID); delErr != nil {
			_ = x.store.FlagReconciliation(ctx, res.AccountID)
			return nil, false, &ReconciliationError{PaymentID: rec.ID, AccountID: res.AccountID, Err: delErr}
		}
		return nil, false, fmt.Errorf("billing: commit reservation %s: %w", res.ID, err)
	}

	x.log.InfoContext(ctx, "payment_committed",
		slog.String("request_id", requestID),
		slog.String("payment_id", rec.ID),
		slog.String("account_id", rec.AccountID),
		slog.Int64("amount_micros", rec.Amount),
	)

	return rec, true, nil
}

// MarkDispatched settles the reconciliation queue entry for rec once the
// upstream call has concluded (successfully or after reversal).
func (x *Executor) MarkDispatched(ctx context.Context, rec *Record) error {
	rec.Dispatched = true
	return x.store.Save(ctx, rec)
}

// Reverse credits back a committed payment after a downstream failure and
// marks the record reversed. Attempted at most once per payment.
//
// If the credit itself fails the error is escalated as a
// *ReconciliationError and the account is flagged — never retried here,
// because a blind retry risks a duplicate credit.
func (x *Executor) Reverse(ctx context.Context, rec *Record) error {
	if rec.Status == StatusReversed {
		return ErrAlreadyReversed
	}

	if err := x.ledger.Credit(ctx, rec.AccountID, rec.Amount); err != nil {
		_ = x.store.FlagReconciliation(ctx, rec.AccountID)
		x.log.ErrorContext(ctx, "reversal_failed",
			slog.String("payment_id", rec.ID),
			slog.String("account_id", rec.AccountID),
			slog.String("error", err.Error()),
		)
		return &ReconciliationError{PaymentID: rec.ID, AccountID: rec.AccountID, Err: err}
	}

	rec.Status = StatusReversed
	rec.ReversedAt = nowUTC()
	if err := x.store.Save(ctx, rec); err != nil {
		_ = x.store.FlagReconciliation(ctx, rec.AccountID)
		return &ReconciliationError{PaymentID: rec.ID, AccountID: rec.AccountID, Err: err}
	}

	x.log.InfoContext(ctx, "payment_reversed",
		slog.String("payment_id", rec.ID),
		slog.String("account_id", rec.AccountID),
		slog.Int64("amount_micros", rec.Amount),
	)

	return nil
}
