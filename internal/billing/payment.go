// Package billing implements the payment executor: conversion of ledger
// reservations into committed payment records, idempotent by client request
// id, with a single compensating reversal for the pipeline's failure path.
package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Currency is the only settlement currency the gateway supports.
const Currency = "USDC"

// Status of a payment record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusReversed  Status = "reversed"
)

// Record is one payment. At most one committed Record exists per
// (account, client request id) pair — a retransmission with the same client
// request id returns the existing record instead of charging again.
//
// A Record with Status committed and Dispatched false is a known
// reconciliation case: the caller was charged but the upstream call has not
// settled. The store exposes these as a queue rather than losing them.
type Record struct {
	ID              string    `json:"id"`
	RequestID       string    `json:"request_id"`
	ClientRequestID string    `json:"client_request_id"`
	AccountID       string    `json:"account_id"`
	Amount          int64     `json:"amount"` // micro-USDC
	Currency        string    `json:"currency"`
	Status          Status    `json:"status"`
	CommittedAt     time.Time `json:"committed_at"`
	ReversedAt      time.Time `json:"reversed_at,omitempty"`
	Dispatched      bool      `json:"dispatched"`
}

// newRecord builds a committed payment record.
func newRecord(requestID, clientRequestID, accountID string, amount int64) *Record {
	return &Record{
		ID:              uuid.New().String(),
		RequestID:       requestID,
		ClientRequestID: clientRequestID,
		AccountID:       accountID,
		Amount:          amount,
		Currency:        Currency,
		Status:          StatusCommitted,
		CommittedAt:     nowUTC(),
	}
}

func nowUTC() time.Time { return time.Now().UTC() }

// ReconciliationError marks a failed reversal: the compensating credit could
// not be applied and must not be retried blindly (a duplicate credit is as
// wrong as a missing one). The account is flagged for manual or automated
// reconciliation; the caller still sees a provider failure.
type ReconciliationError struct {
	PaymentID string
	AccountID string
	Err       error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("billing: reversal of payment %s requires reconciliation: %v", e.PaymentID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }
