package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/utter/domain/credit"
	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/ports"
)

// recentEvents is how many events a usage view lists.
const recentEvents = 20

// LedgerService is the credit ledger use case.
type LedgerService struct {
	store            ports.LedgerStore
	clock            ports.Clock
	metrics          ports.Metrics
	logger           zerolog.Logger
	monthlyAllowance int64
}

// LedgerConfig configures a LedgerService.
type LedgerConfig struct {
	Store            ports.LedgerStore
	Clock            ports.Clock
	Metrics          ports.Metrics
	Logger           zerolog.Logger
	MonthlyAllowance int64
}

// NewLedgerService creates a ledger service.
func NewLedgerService(cfg LedgerConfig) *LedgerService {
	return &LedgerService{
		store:            cfg.Store,
		clock:            cfg.Clock,
		metrics:          orNop(cfg.Metrics),
		logger:           cfg.Logger,
		monthlyAllowance: cfg.MonthlyAllowance,
	}
}

// MonthlyAllowance is the credit amount granted each calendar month.
func (s *LedgerService) MonthlyAllowance() int64 { return s.monthlyAllowance }

// Account returns the actor's account. See EnsureAccount.
func (s *LedgerService) Account(ctx context.Context, actor string) (ledger.Account, error) {
	return s.EnsureAccount(ctx, actor)
}

// EnsureAccount creates the actor's account on first use and grants the
// monthly allowance once per calendar month. Charges call it first.
func (s *LedgerService) EnsureAccount(ctx context.Context, actor string) (ledger.Account, error) {
	acct, err := s.store.EnsureAccount(ctx, actor)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("ensure account: %w", err)
	}
	if s.monthlyAllowance <= 0 {
		return acct, nil
	}

	now := s.clock.Now()
	res, err := s.Apply(ctx, ledger.ApplyRequest{
		Actor:          actor,
		Kind:           ledger.KindGrant,
		Operation:      ledger.OpMonthlyAllocation,
		Amount:         s.monthlyAllowance,
		ReferenceType:  ledger.RefSystem,
		ReferenceID:    now.UTC().Format("2006-01"),
		IdempotencyKey: ledger.MonthlyKey(actor, now),
	})
	if err != nil {
		return ledger.Account{}, err
	}
	acct.Balance = res.BalanceAfter
	return acct, nil
}

// grantAllowance runs EnsureAccount ahead of a charge when an allowance is
// configured.
func (s *LedgerService) grantAllowance(ctx context.Context, actor string) error {
	if s.monthlyAllowance <= 0 {
		return nil
	}
	_, err := s.EnsureAccount(ctx, actor)
	return err
}

// Apply records a ledger event once per idempotency key.
func (s *LedgerService) Apply(ctx context.Context, req ledger.ApplyRequest) (ledger.ApplyResult, error) {
	if err := req.Validate(); err != nil {
		return ledger.ApplyResult{}, &Error{Kind: ErrValidation, Detail: err.Error(), Err: err}
	}
	res, err := s.store.Apply(ctx, req)
	if err != nil {
		s.metrics.LedgerApplied(string(req.Kind), "error")
		return ledger.ApplyResult{}, fmt.Errorf("ledger apply %s: %w", req.IdempotencyKey, err)
	}
	s.metrics.LedgerApplied(string(req.Kind), applyOutcome(res))
	if res.Applied {
		s.logger.Debug().
			Str("actor", req.Actor).
			Str("kind", string(req.Kind)).
			Str("operation", string(req.Operation)).
			Int64("amount", req.Amount).
			Int64("balance_after", res.BalanceAfter).
			Str("key", req.IdempotencyKey).
			Msg("ledger event applied")
	}
	return res, nil
}

// Debit charges amount, failing with ErrInsufficientCredits when the balance
// does not cover it.
func (s *LedgerService) Debit(ctx context.Context, req ledger.ApplyRequest) (ledger.ApplyResult, error) {
	req.Kind = ledger.KindDebit
	if err := req.Validate(); err != nil {
		return ledger.ApplyResult{}, &Error{Kind: ErrValidation, Detail: err.Error(), Err: err}
	}
	if err := s.grantAllowance(ctx, req.Actor); err != nil {
		return ledger.ApplyResult{}, err
	}
	res, err := s.Apply(ctx, req)
	if err != nil {
		return res, err
	}
	if res.Insufficient {
		return res, newError(ErrInsufficientCredits, credit.InsufficientDetail(req.Amount, res.BalanceAfter))
	}
	return res, nil
}

// TrialOrDebit consumes a free trial if one remains, else debits.
func (s *LedgerService) TrialOrDebit(ctx context.Context, req ledger.TrialRequest) (ledger.TrialResult, error) {
	if err := req.Validate(); err != nil {
		return ledger.TrialResult{}, &Error{Kind: ErrValidation, Detail: err.Error(), Err: err}
	}
	if err := s.grantAllowance(ctx, req.Actor); err != nil {
		return ledger.TrialResult{}, err
	}
	res, err := s.store.TrialOrDebit(ctx, req)
	if err != nil {
		s.metrics.LedgerApplied(string(ledger.KindDebit), "error")
		return ledger.TrialResult{}, fmt.Errorf("trial or debit %s: %w", req.IdempotencyKey, err)
	}
	switch {
	case res.Insufficient:
		s.metrics.LedgerApplied(string(ledger.KindDebit), "insufficient")
		return res, newError(ErrInsufficientCredits, credit.InsufficientDetail(req.Amount, res.BalanceAfter))
	case res.Duplicate:
		s.metrics.LedgerApplied(string(ledger.KindDebit), "duplicate")
	case res.UsedTrial:
		s.metrics.LedgerApplied("trial", "applied")
	default:
		s.metrics.LedgerApplied(string(ledger.KindDebit), "applied")
	}
	return res, nil
}

// Compensate undoes a charge: a trial is restored, a debit is refunded.
// Both are keyed so repeated calls change nothing.
func (s *LedgerService) Compensate(ctx context.Context, c Compensation) error {
	if c.UsedTrial {
		res, err := s.store.TrialRestore(ctx, c.Actor, c.Operation, c.ChargeKey)
		if err != nil {
			return fmt.Errorf("trial restore %s: %w", c.ChargeKey, err)
		}
		if res.Restored {
			s.metrics.LedgerApplied("trial_restore", "applied")
		}
		return nil
	}
	if c.Amount <= 0 {
		return nil
	}
	_, err := s.Apply(ctx, ledger.ApplyRequest{
		Actor:          c.Actor,
		Kind:           ledger.KindRefund,
		Operation:      c.Operation,
		Amount:         c.Amount,
		ReferenceType:  c.ReferenceType,
		ReferenceID:    c.ReferenceID,
		IdempotencyKey: c.RefundKey,
		Metadata:       map[string]any{"reason": c.Reason},
	})
	return err
}

// Compensation describes the charge to undo.
type Compensation struct {
	Actor         string
	Operation     ledger.Operation
	ChargeKey     string
	RefundKey     string
	Amount        int64
	UsedTrial     bool
	ReferenceType ledger.ReferenceType
	ReferenceID   string
	Reason        string
}

// Adjust applies a manual balance correction. Negative amounts debit.
func (s *LedgerService) Adjust(ctx context.Context, actor string, amount int64, key, reason string) (ledger.ApplyResult, error) {
	if amount == 0 {
		return ledger.ApplyResult{}, invalid("amount must not be zero")
	}
	if _, err := s.store.EnsureAccount(ctx, actor); err != nil {
		return ledger.ApplyResult{}, fmt.Errorf("ensure account: %w", err)
	}
	req := ledger.ApplyRequest{
		Actor:          actor,
		Kind:           ledger.KindAdjustment,
		Operation:      ledger.OpManualAdjustment,
		Amount:         amount,
		ReferenceType:  ledger.RefSystem,
		ReferenceID:    key,
		IdempotencyKey: "adjustment:" + key,
		Metadata:       map[string]any{"reason": reason},
	}
	if amount < 0 {
		req.Amount = -amount
		return s.Debit(ctx, req)
	}
	return s.Apply(ctx, req)
}

// Usage is the movement of an actor's credits over a window.
type Usage struct {
	WindowDays int
	Totals     ledger.UsageTotals
	Events     []ledger.Event
}

// Usage sums the last windowDays of ledger movement.
func (s *LedgerService) Usage(ctx context.Context, actor string, windowDays int) (Usage, error) {
	if windowDays == 0 {
		windowDays = 30
	}
	if windowDays < 1 || windowDays > 365 {
		return Usage{}, invalid("window_days must be between 1 and 365")
	}
	since := s.clock.Now().Add(-time.Duration(windowDays) * 24 * time.Hour)
	totals, events, err := s.store.Usage(ctx, actor, since, recentEvents)
	if err != nil {
		return Usage{}, fmt.Errorf("usage: %w", err)
	}
	return Usage{WindowDays: windowDays, Totals: totals, Events: events}, nil
}

// Audit replays the event log and reports whether it matches the balance.
func (s *LedgerService) Audit(ctx context.Context, actor string) (replayed, balance int64, err error) {
	acct, err := s.store.EnsureAccount(ctx, actor)
	if err != nil {
		return 0, 0, err
	}
	events, err := s.store.Events(ctx, actor)
	if err != nil {
		return 0, 0, err
	}
	replayed = ledger.Replay(events)
	if replayed != acct.Balance {
		s.logger.Error().
			Str("actor", actor).
			Int64("replayed", replayed).
			Int64("balance", acct.Balance).
			Msg("ledger balance does not match event log")
	}
	return replayed, acct.Balance, nil
}

func applyOutcome(res ledger.ApplyResult) string {
	switch {
	case res.Duplicate:
		return "duplicate"
	case res.Insufficient:
		return "insufficient"
	}
	return "applied"
}

// IsInsufficient reports whether err is a failed charge.
func IsInsufficient(err error) bool {
	return errors.Is(err, ErrInsufficientCredits)
}
