// Package postgres provides a PostgreSQL-backed credit ledger for
// multi-instance deployments.
//
// Every mutation runs in one transaction that locks the account row with
// SELECT ... FOR UPDATE, so concurrent charges for one actor serialize.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/ports"
)

// LedgerStore is a PostgreSQL-backed ports.LedgerStore.
type LedgerStore struct {
	pool   *pgxpool.Pool
	trials map[ledger.Operation]int
}

var _ ports.LedgerStore = (*LedgerStore)(nil)

// New creates a ledger store. trials seeds the counters of new accounts.
func New(pool *pgxpool.Pool, trials map[ledger.Operation]int) *LedgerStore {
	return &LedgerStore{pool: pool, trials: trials}
}

// Connect opens a pool for dsn and verifies it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("utter/postgres: pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("utter/postgres: ping: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the ledger tables if they don't exist.
func (s *LedgerStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS credit_accounts (
			actor_id   TEXT PRIMARY KEY,
			balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS credit_trials (
			actor_id  TEXT NOT NULL REFERENCES credit_accounts(actor_id) ON DELETE CASCADE,
			operation TEXT NOT NULL,
			remaining INTEGER NOT NULL CHECK (remaining >= 0),
			PRIMARY KEY (actor_id, operation)
		);
		CREATE TABLE IF NOT EXISTS credit_ledger (
			id              BIGSERIAL PRIMARY KEY,
			actor_id        TEXT NOT NULL,
			kind            TEXT NOT NULL,
			operation       TEXT NOT NULL,
			amount          BIGINT NOT NULL CHECK (amount > 0),
			signed_amount   BIGINT NOT NULL,
			balance_after   BIGINT NOT NULL,
			reference_type  TEXT NOT NULL DEFAULT '',
			reference_id    TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL UNIQUE,
			metadata        JSONB NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_credit_ledger_actor_created ON credit_ledger(actor_id, created_at);
		CREATE TABLE IF NOT EXISTS credit_trial_events (
			id              BIGSERIAL PRIMARY KEY,
			actor_id        TEXT NOT NULL,
			operation       TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			restored_at     TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("utter/postgres: ensure schema: %w", err)
	}
	return nil
}

// EnsureAccount creates the account if missing and returns it.
func (s *LedgerStore) EnsureAccount(ctx context.Context, actor string) (ledger.Account, error) {
	if actor == "" {
		return ledger.Account{}, ledger.ErrMissingActor
	}
	var acct ledger.Account
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.lockAccount(ctx, tx, actor); err != nil {
			return err
		}
		acct = ledger.Account{Actor: actor, Trials: make(map[ledger.Operation]int)}
		if err := tx.QueryRow(ctx,
			`SELECT balance, created_at, updated_at FROM credit_accounts WHERE actor_id = $1`, actor,
		).Scan(&acct.Balance, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return fmt.Errorf("utter/postgres: read account: %w", err)
		}
		rows, err := tx.Query(ctx, `SELECT operation, remaining FROM credit_trials WHERE actor_id = $1`, actor)
		if err != nil {
			return fmt.Errorf("utter/postgres: read trials: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var op string
			var remaining int
			if err := rows.Scan(&op, &remaining); err != nil {
				return err
			}
			acct.Trials[ledger.Operation(op)] = remaining
		}
		return rows.Err()
	})
	return acct, err
}

// Apply records an event once per idempotency key.
func (s *LedgerStore) Apply(ctx context.Context, req ledger.ApplyRequest) (ledger.ApplyResult, error) {
	if err := req.Validate(); err != nil {
		return ledger.ApplyResult{}, err
	}
	var res ledger.ApplyResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		balance, err := s.lockAccount(ctx, tx, req.Actor)
		if err != nil {
			return err
		}
		res, err = s.applyLocked(ctx, tx, req, balance)
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
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		balance, err := s.lockAccount(ctx, tx, req.Actor)
		if err != nil {
			return err
		}
		remaining, err := s.remaining(ctx, tx, req.Actor, req.Operation)
		if err != nil {
			return err
		}

		var trialID int64
		err = tx.QueryRow(ctx,
			`SELECT id FROM credit_trial_events WHERE idempotency_key = $1`, req.IdempotencyKey).Scan(&trialID)
		if err == nil {
			res = ledger.TrialResult{UsedTrial: true, Duplicate: true, BalanceAfter: balance, TrialsRemaining: remaining}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("utter/postgres: lookup trial event: %w", err)
		}

		if remaining > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE credit_trials SET remaining = remaining - 1 WHERE actor_id = $1 AND operation = $2`,
				req.Actor, string(req.Operation)); err != nil {
				return fmt.Errorf("utter/postgres: consume trial: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO credit_trial_events (actor_id, operation, idempotency_key) VALUES ($1, $2, $3)`,
				req.Actor, string(req.Operation), req.IdempotencyKey); err != nil {
				return fmt.Errorf("utter/postgres: insert trial event: %w", err)
			}
			res = ledger.TrialResult{UsedTrial: true, BalanceAfter: balance, TrialsRemaining: remaining - 1}
			return nil
		}

		ar, err := s.applyLocked(ctx, tx, req.Debit(), balance)
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
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE credit_trial_events SET restored_at = now()
			WHERE actor_id = $1 AND operation = $2 AND idempotency_key = $3 AND restored_at IS NULL`,
			actor, string(op), key)
		if err != nil {
			return fmt.Errorf("utter/postgres: mark restored: %w", err)
		}
		if tag.RowsAffected() == 1 {
			if _, err := tx.Exec(ctx,
				`UPDATE credit_trials SET remaining = remaining + 1 WHERE actor_id = $1 AND operation = $2`,
				actor, string(op)); err != nil {
				return fmt.Errorf("utter/postgres: restore trial: %w", err)
			}
			res.Restored = true
		} else {
			var exists bool
			err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM credit_trial_events WHERE actor_id = $1 AND operation = $2 AND idempotency_key = $3)`,
				actor, string(op), key).Scan(&exists)
			if err != nil {
				return fmt.Errorf("utter/postgres: lookup trial event: %w", err)
			}
			res.AlreadyRestored = exists
		}
		res.TrialsRemaining, err = s.remaining(ctx, tx, actor, op)
		return err
	})
	return res, err
}

// Usage sums debits and credits since a time and returns recent events.
func (s *LedgerStore) Usage(ctx context.Context, actor string, since time.Time, recent int) (ledger.UsageTotals, []ledger.Event, error) {
	var totals ledger.UsageTotals
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN signed_amount < 0 THEN -signed_amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN signed_amount > 0 THEN signed_amount ELSE 0 END), 0)
		FROM credit_ledger WHERE actor_id = $1 AND created_at >= $2`, actor, since,
	).Scan(&totals.Debited, &totals.Credited)
	if err != nil {
		return ledger.UsageTotals{}, nil, fmt.Errorf("utter/postgres: usage: %w", err)
	}
	totals.Net = totals.Credited - totals.Debited

	events, err := s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM credit_ledger
		WHERE actor_id = $1 AND created_at >= $2
		ORDER BY id DESC LIMIT $3`, actor, since, recent)
	return totals, events, err
}

// Events returns the full event log of an actor, oldest first.
func (s *LedgerStore) Events(ctx context.Context, actor string) ([]ledger.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM credit_ledger WHERE actor_id = $1 ORDER BY id`, actor)
}

// -----------------------------------------------------------------------------
// Transaction steps
// -----------------------------------------------------------------------------

func (s *LedgerStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("utter/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("utter/postgres: commit: %w", err)
	}
	return nil
}

// lockAccount creates the account if missing, locks its row and returns the balance.
func (s *LedgerStore) lockAccount(ctx context.Context, tx pgx.Tx, actor string) (int64, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO credit_accounts (actor_id) VALUES ($1) ON CONFLICT (actor_id) DO NOTHING`, actor)
	if err != nil {
		return 0, fmt.Errorf("utter/postgres: create account: %w", err)
	}
	if tag.RowsAffected() == 1 {
		for op, remaining := range s.trials {
			if _, err := tx.Exec(ctx,
				`INSERT INTO credit_trials (actor_id, operation, remaining) VALUES ($1, $2, $3)`,
				actor, string(op), remaining); err != nil {
				return 0, fmt.Errorf("utter/postgres: seed trials: %w", err)
			}
		}
	}

	var balance int64
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE actor_id = $1 FOR UPDATE`, actor).Scan(&balance); err != nil {
		return 0, fmt.Errorf("utter/postgres: lock account: %w", err)
	}
	return balance, nil
}

func (s *LedgerStore) applyLocked(ctx context.Context, tx pgx.Tx, req ledger.ApplyRequest, balance int64) (ledger.ApplyResult, error) {
	var existingID, existingSigned int64
	err := tx.QueryRow(ctx,
		`SELECT id, signed_amount FROM credit_ledger WHERE idempotency_key = $1`, req.IdempotencyKey,
	).Scan(&existingID, &existingSigned)
	if err == nil {
		return ledger.ApplyResult{Duplicate: true, BalanceAfter: balance, LedgerID: existingID, SignedAmount: existingSigned}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.ApplyResult{}, fmt.Errorf("utter/postgres: lookup key: %w", err)
	}

	res := ledger.Decide(req, balance)
	if !res.Applied {
		return res, nil
	}

	meta := []byte("{}")
	if len(req.Metadata) > 0 {
		if meta, err = json.Marshal(req.Metadata); err != nil {
			return ledger.ApplyResult{}, fmt.Errorf("utter/postgres: encode metadata: %w", err)
		}
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (
			actor_id, kind, operation, amount, signed_amount, balance_after,
			reference_type, reference_id, idempotency_key, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		req.Actor, string(req.Kind), string(req.Operation), req.Amount, res.SignedAmount, res.BalanceAfter,
		string(req.ReferenceType), req.ReferenceID, req.IdempotencyKey, meta,
	).Scan(&res.LedgerID)
	if err != nil {
		return ledger.ApplyResult{}, fmt.Errorf("utter/postgres: insert event: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE credit_accounts SET balance = $1, updated_at = now() WHERE actor_id = $2`,
		res.BalanceAfter, req.Actor); err != nil {
		return ledger.ApplyResult{}, fmt.Errorf("utter/postgres: update balance: %w", err)
	}
	return res, nil
}

func (s *LedgerStore) remaining(ctx context.Context, tx pgx.Tx, actor string, op ledger.Operation) (int, error) {
	var remaining int
	err := tx.QueryRow(ctx,
		`SELECT remaining FROM credit_trials WHERE actor_id = $1 AND operation = $2`, actor, string(op)).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("utter/postgres: read trials: %w", err)
	}
	return remaining, nil
}

const eventColumns = `id, actor_id, kind, operation, amount, signed_amount, balance_after,
	reference_type, reference_id, idempotency_key, metadata, created_at`

func (s *LedgerStore) queryEvents(ctx context.Context, query string, args ...any) ([]ledger.Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("utter/postgres: query ledger: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		var e ledger.Event
		var kind, op, refType string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Actor, &kind, &op, &e.Amount, &e.SignedAmount, &e.BalanceAfter,
			&refType, &e.ReferenceID, &e.IdempotencyKey, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = ledger.Kind(kind)
		e.Operation = ledger.Operation(op)
		e.ReferenceType = ledger.ReferenceType(refType)
		if len(meta) > 2 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
