// Package ledger provides the pure value types and rules of the credit ledger.
// All functions are deterministic - storage adapters own atomicity.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the kind of balance mutation a ledger event records.
type Kind string

const (
	KindDebit      Kind = "debit"
	KindRefund     Kind = "refund"
	KindGrant      Kind = "grant"
	KindAdjustment Kind = "adjustment"
)

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDebit, KindRefund, KindGrant, KindAdjustment:
		return true
	}
	return false
}

// Operation names the business operation behind an event.
type Operation string

const (
	OpGenerate          Operation = "generate"
	OpDesignPreview     Operation = "design_preview"
	OpClone             Operation = "clone"
	OpMonthlyAllocation Operation = "monthly_allocation"
	OpManualAdjustment  Operation = "manual_adjustment"
	OpPaidPurchase      Operation = "paid_purchase"
)

// TrialOperations are the operations that carry free-use counters.
var TrialOperations = []Operation{OpDesignPreview, OpClone}

// ReferenceType names what an event's reference id points to.
type ReferenceType string

const (
	RefTask       ReferenceType = "task"
	RefGeneration ReferenceType = "generation"
	RefVoice      ReferenceType = "voice"
	RefBilling    ReferenceType = "billing"
	RefSystem     ReferenceType = "system"
)

// Event is one immutable ledger row.
type Event struct {
	ID             int64
	Actor          string
	Kind           Kind
	Operation      Operation
	Amount         int64
	SignedAmount   int64
	BalanceAfter   int64
	ReferenceType  ReferenceType
	ReferenceID    string
	IdempotencyKey string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// ApplyRequest is the input of an atomic ledger apply.
type ApplyRequest struct {
	Actor          string
	Kind           Kind
	Operation      Operation
	Amount         int64
	ReferenceType  ReferenceType
	ReferenceID    string
	IdempotencyKey string
	Metadata       map[string]any
}

// ApplyResult is the outcome of an apply.
// Exactly one of Applied, Duplicate, Insufficient is true.
type ApplyResult struct {
	Applied      bool
	Duplicate    bool
	Insufficient bool
	BalanceAfter int64
	LedgerID     int64
	SignedAmount int64
}

// TrialRequest is the input of a trial-or-debit charge.
type TrialRequest struct {
	Actor          string
	Operation      Operation
	Amount         int64
	ReferenceType  ReferenceType
	ReferenceID    string
	IdempotencyKey string
	Metadata       map[string]any
}

// TrialResult is the outcome of a trial-or-debit charge.
type TrialResult struct {
	UsedTrial       bool
	Duplicate       bool
	Insufficient    bool
	BalanceAfter    int64
	LedgerID        int64
	TrialsRemaining int
}

// RestoreResult is the outcome of a trial restore.
type RestoreResult struct {
	Restored        bool
	AlreadyRestored bool
	TrialsRemaining int
}

// Account is the materialized view of an actor's credits.
type Account struct {
	Actor     string
	Balance   int64
	Trials    map[Operation]int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageTotals summarizes ledger movement over a window.
type UsageTotals struct {
	Debited  int64
	Credited int64
	Net      int64
}

// Validation errors.
var (
	ErrInvalidKind   = errors.New("ledger: invalid event kind")
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	ErrMissingKey    = errors.New("ledger: idempotency key is required")
	ErrMissingActor  = errors.New("ledger: actor is required")
	ErrNoTrial       = errors.New("ledger: operation has no trial counter")
)

// Validate checks an apply request before any storage access.
func (r ApplyRequest) Validate() error {
	if strings.TrimSpace(r.Actor) == "" {
		return ErrMissingActor
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, r.Kind)
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return ErrMissingKey
	}
	return nil
}

// Validate checks a trial request before any storage access.
func (r TrialRequest) Validate() error {
	if strings.TrimSpace(r.Actor) == "" {
		return ErrMissingActor
	}
	if !HasTrial(r.Operation) {
		return fmt.Errorf("%w: %q", ErrNoTrial, r.Operation)
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return ErrMissingKey
	}
	return nil
}

// Debit converts a trial request into the equivalent debit.
func (r TrialRequest) Debit() ApplyRequest {
	return ApplyRequest{
		Actor:          r.Actor,
		Kind:           KindDebit,
		Operation:      r.Operation,
		Amount:         r.Amount,
		ReferenceType:  r.ReferenceType,
		ReferenceID:    r.ReferenceID,
		IdempotencyKey: r.IdempotencyKey,
		Metadata:       r.Metadata,
	}
}

// HasTrial reports whether op carries a trial counter.
func HasTrial(op Operation) bool {
	for _, t := range TrialOperations {
		if t == op {
			return true
		}
	}
	return false
}

// SignedAmount returns the balance delta of an event.
// Debits subtract; every other kind adds.
func SignedAmount(kind Kind, amount int64) int64 {
	if kind == KindDebit {
		return -amount
	}
	return amount
}

// Decide computes the result of applying req against the current balance.
// This is a PURE function - the caller persists when Applied is true.
func Decide(req ApplyRequest, balance int64) ApplyResult {
	signed := SignedAmount(req.Kind, req.Amount)
	if req.Kind == KindDebit && req.Amount > balance {
		return ApplyResult{Insufficient: true, BalanceAfter: balance}
	}
	return ApplyResult{
		Applied:      true,
		BalanceAfter: balance + signed,
		SignedAmount: signed,
	}
}

// Replay runs a sequence of events and returns the resulting balance.
// Used to audit the materialized balance against the event log.
func Replay(events []Event) int64 {
	var balance int64
	for _, e := range events {
		balance += e.SignedAmount
	}
	return balance
}

// -----------------------------------------------------------------------------
// Idempotency keys
// -----------------------------------------------------------------------------

// ChargeKey is the idempotency key of the charge for a reference.
func ChargeKey(op Operation, ref string) string {
	return fmt.Sprintf("%s:%s:charge", op, ref)
}

// RefundKey is the idempotency key of the refund matching ChargeKey.
func RefundKey(op Operation, ref string) string {
	return fmt.Sprintf("%s:%s:refund", op, ref)
}

// GrantKey is the idempotency key of a payment provider grant.
func GrantKey(provider, eventID string) string {
	return fmt.Sprintf("%s:event:%s:grant", provider, eventID)
}

// MonthlyKey is the idempotency key of an actor's monthly allowance grant.
func MonthlyKey(actor string, at time.Time) string {
	return fmt.Sprintf("monthly:%s:%s:grant", actor, at.UTC().Format("2006-01"))
}
