package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/ports"
)

// LedgerStore implements ports.LedgerStore using SQLite.
// Each mutation runs in one BEGIN IMMEDIATE transaction.
type LedgerStore struct {
	db     *DB
	trials map[ledger.Operation]int
}

// NewLedgerStore creates a ledger store. trials seeds the counters of new accounts.
func NewLedgerStore(db *DB, trials map[ledger.Operation]int) *LedgerStore {
	return &LedgerStore{db: db, trials: trials}
}

// EnsureAccount creates the account if missing and returns it.
func (s *LedgerStore) EnsureAccount(ctx context.Context, actor string) (ledger.Account, error) {
	if actor == "" {
		return ledger.Account{}, ledger.ErrMissingActor
	}
	var acct ledger.Account
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.ensureAccountTx(ctx, tx, actor, time.Now().UTC()); err != nil {
			return err
		}
		a, err := readAccountTx(ctx, tx, actor)
		acct = a
		return err
	})
	return acct, err
}

// Apply records an event once per idempotency key.
func (s *LedgerStore) Apply(ctx context.Context, req ledger.ApplyRequest) (ledger.ApplyResult, error) {
	if err := req.Validate(); err != nil {
		return ledger.ApplyResult{}, err
	}
	var res ledger.ApplyResult
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		r, err := s.applyTx(ctx, tx, req, time.Now().UTC())
		res = r
		return err
	})
	return res, err
}

// TrialOrDebit consumes a trial when one remains, else debits under the same key.
func (s *LedgerStore) TrialOrDebit(ctx context.Context, req ledger.TrialRequest) (ledger.TrialResult, error) {
	if err := req.Validate(); err != nil {
		return ledger.TrialResult{}, err
	}
	var res ledger.TrialResult
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		balance, err := s.ensureAccountTx(ctx, tx, req.Actor, now)
		if err != nil {
			return err
		}
		remaining, err := trialsRemainingTx(ctx, tx, req.Actor, req.Operation)
		if err != nil {
			return err
		}

		var trialID int64
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM credit_trial_events WHERE idempotency_key = ?`, req.IdempotencyKey,
		).Scan(&trialID)
		if err == nil {
			res = ledger.TrialResult{UsedTrial: true, Duplicate: true, BalanceAfter: balance, TrialsRemaining: remaining}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup trial event: %w", err)
		}

		if remaining > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE credit_trials SET remaining = remaining - 1 WHERE actor_id = ? AND operation = ? AND remaining > 0`,
				req.Actor, string(req.Operation)); err != nil {
				return fmt.Errorf("consume trial: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO credit_trial_events (actor_id, operation, idempotency_key, created_at)
				VALUES (?, ?, ?, ?)`,
				req.Actor, string(req.Operation), req.IdempotencyKey, now); err != nil {
				return fmt.Errorf("insert trial event: %w", err)
			}
			res = ledger.TrialResult{UsedTrial: true, BalanceAfter: balance, TrialsRemaining: remaining - 1}
			return nil
		}

		ar, err := s.applyTx(ctx, tx, req.Debit(), now)
		if err != nil {
			return err
		}
		res = ledger.TrialResult{
			Duplicate:       ar.Duplicate,
			Insufficient:    ar.Insufficient,
			BalanceAfter:    ar.BalanceAfter,
			LedgerID:        ar.LedgerID,
			TrialsRemaining: remaining,
		}
		return nil
	})
	return res, err
}

// TrialRestore gives back a consumed trial at most once.
func (s *LedgerStore) TrialRestore(ctx context.Context, actor string, op ledger.Operation, key string) (ledger.RestoreResult, error) {
	if key == "" {
		return ledger.RestoreResult{}, ledger.ErrMissingKey
	}
	var res ledger.RestoreResult
	err := s.db.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		result, err := tx.ExecContext(ctx, `
			UPDATE credit_trial_events SET restored_at = ?
			WHERE actor_id = ? AND operation = ? AND idempotency_key = ? AND restored_at IS NULL`,
			now, actor, string(op), key)
		if err != nil {
			return fmt.Errorf("mark trial restored: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE credit_trials SET remaining = remaining + 1 WHERE actor_id = ? AND operation = ?`,
				actor, string(op)); err != nil {
				return fmt.Errorf("restore trial: %w", err)
			}
			res.Restored = true
		} else {
			var exists int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM credit_trial_events WHERE actor_id = ? AND operation = ? AND idempotency_key = ?`,
				actor, string(op), key).Scan(&exists)
			if err != nil {
				return fmt.Errorf("lookup trial event: %w", err)
			}
			res.AlreadyRestored = exists > 0
		}
		remaining, err := trialsRemainingTx(ctx, tx, actor, op)
		res.TrialsRemaining = remaining
		return err
	})
	return res, err
}

// Usage sums debits and credits since a time and returns recent events.
func (s *LedgerStore) Usage(ctx context.Context, actor string, since time.Time, recent int) (ledger.UsageTotals, []ledger.Event, error) {
	var totals ledger.UsageTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN signed_amount < 0 THEN -signed_amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN signed_amount > 0 THEN signed_amount ELSE 0 END), 0)
		FROM credit_ledger
		WHERE actor_id = ? AND created_at >= ?`,
		actor, since.UTC(),
	).Scan(&totals.Debited, &totals.Credited)
	if err != nil {
		return ledger.UsageTotals{}, nil, fmt.Errorf("sum usage: %w", err)
	}
	totals.Net = totals.Credited - totals.Debited

	events, err := s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM credit_ledger
		WHERE actor_id = ? AND created_at >= ?
		ORDER BY id DESC LIMIT ?`, actor, since.UTC(), recent)
	if err != nil {
		return ledger.UsageTotals{}, nil, err
	}
	return totals, events, nil
}

// Events returns the full event log of an actor, oldest first.
func (s *LedgerStore) Events(ctx context.Context, actor string) ([]ledger.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM credit_ledger WHERE actor_id = ? ORDER BY id`, actor)
}

// -----------------------------------------------------------------------------
// Transaction steps
// -----------------------------------------------------------------------------

// ensureAccountTx creates the account with seeded trials and returns its balance.
func (s *LedgerStore) ensureAccountTx(ctx context.Context, tx *sql.Tx, actor string, now time.Time) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (actor_id, balance, created_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(actor_id) DO NOTHING`, actor, now, now)
	if err != nil {
		return 0, fmt.Errorf("create account: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		for op, remaining := range s.trials {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO credit_trials (actor_id, operation, remaining) VALUES (?, ?, ?)`,
				actor, string(op), remaining); err != nil {
				return 0, fmt.Errorf("seed trials: %w", err)
			}
		}
	}

	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE actor_id = ?`, actor).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (s *LedgerStore) applyTx(ctx context.Context, tx *sql.Tx, req ledger.ApplyRequest, now time.Time) (ledger.ApplyResult, error) {
	balance, err := s.ensureAccountTx(ctx, tx, req.Actor, now)
	if err != nil {
		return ledger.ApplyResult{}, err
	}

	var existingID, existingSigned int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, signed_amount FROM credit_ledger WHERE idempotency_key = ?`, req.IdempotencyKey,
	).Scan(&existingID, &existingSigned)
	if err == nil {
		return ledger.ApplyResult{Duplicate: true, BalanceAfter: balance, LedgerID: existingID, SignedAmount: existingSigned}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ledger.ApplyResult{}, fmt.Errorf("lookup idempotency key: %w", err)
	}

	res := ledger.Decide(req, balance)
	if !res.Applied {
		return res, nil
	}

	meta, err := encodeJSON(req.Metadata)
	if err != nil {
		return ledger.ApplyResult{}, err
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (
			actor_id, kind, operation, amount, signed_amount, balance_after,
			reference_type, reference_id, idempotency_key, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Actor, string(req.Kind), string(req.Operation), req.Amount, res.SignedAmount, res.BalanceAfter,
		string(req.ReferenceType), req.ReferenceID, req.IdempotencyKey, meta, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ApplyResult{}, ErrDuplicate
		}
		return ledger.ApplyResult{}, fmt.Errorf("insert ledger event: %w", err)
	}
	res.LedgerID, err = result.LastInsertId()
	if err != nil {
		return ledger.ApplyResult{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts SET balance = ?, updated_at = ? WHERE actor_id = ?`,
		res.BalanceAfter, now, req.Actor); err != nil {
		return ledger.ApplyResult{}, fmt.Errorf("update balance: %w", err)
	}
	return res, nil
}

func trialsRemainingTx(ctx context.Context, tx *sql.Tx, actor string, op ledger.Operation) (int, error) {
	var remaining int
	err := tx.QueryRowContext(ctx,
		`SELECT remaining FROM credit_trials WHERE actor_id = ? AND operation = ?`, actor, string(op),
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read trials: %w", err)
	}
	return remaining, nil
}

func readAccountTx(ctx context.Context, tx *sql.Tx, actor string) (ledger.Account, error) {
	acct := ledger.Account{Actor: actor, Trials: make(map[ledger.Operation]int)}
	err := tx.QueryRowContext(ctx,
		`SELECT balance, created_at, updated_at FROM credit_accounts WHERE actor_id = ?`, actor,
	).Scan(&acct.Balance, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT operation, remaining FROM credit_trials WHERE actor_id = ?`, actor)
	if err != nil {
		return ledger.Account{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var op string
		var remaining int
		if err := rows.Scan(&op, &remaining); err != nil {
			return ledger.Account{}, err
		}
		acct.Trials[ledger.Operation(op)] = remaining
	}
	return acct, rows.Err()
}

const eventColumns = `id, actor_id, kind, operation, amount, signed_amount, balance_after,
	reference_type, reference_id, idempotency_key, metadata, created_at`

func (s *LedgerStore) queryEvents(ctx context.Context, query string, args ...any) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var e ledger.Event
		var kind, op, refType string
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &kind, &op, &e.Amount, &e.SignedAmount, &e.BalanceAfter,
			&refType, &e.ReferenceID, &e.IdempotencyKey, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = ledger.Kind(kind)
		e.Operation = ledger.Operation(op)
		e.ReferenceType = ledger.ReferenceType(refType)
		e.Metadata = decodeJSON(meta)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Ensure interface compliance.
var _ ports.LedgerStore = (*LedgerStore)(nil)
