package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/artpar/utter/domain/billing"
	"github.com/artpar/utter/ports"
)

// BillingEventStore implements ports.BillingEventStore using SQLite.
type BillingEventStore struct {
	db *DB
}

// NewBillingEventStore creates a new SQLite billing event store.
func NewBillingEventStore(db *DB) *BillingEventStore {
	return &BillingEventStore{db: db}
}

// Insert records a received event. Returns ErrDuplicate when the provider
// event id was already recorded.
func (s *BillingEventStore) Insert(ctx context.Context, e billing.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_events (
			id, provider, provider_event_id, event_type, actor_id, status,
			credits_granted, ledger_event_id, error_detail, payload, created_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Provider, e.ProviderEventID, e.Type, nullString(e.Actor), string(e.Status),
		e.CreditsGranted, nullInt(e.LedgerEventID), nullString(e.ErrorDetail), payload,
		e.CreatedAt.UTC(), nullTime(e.ProcessedAt),
	)
	if err != nil && isUniqueConstraintError(err) {
		return ErrDuplicate
	}
	return err
}

// GetByProviderID loads a recorded event.
func (s *BillingEventStore) GetByProviderID(ctx context.Context, provider, providerEventID string) (billing.Event, error) {
	var e billing.Event
	var status, payload string
	var actor, detail sql.NullString
	var ledgerID sql.NullInt64
	var processedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider, provider_event_id, event_type, actor_id, status,
		       credits_granted, ledger_event_id, error_detail, payload, created_at, processed_at
		FROM billing_events
		WHERE provider = ? AND provider_event_id = ?`, provider, providerEventID,
	).Scan(&e.ID, &e.Provider, &e.ProviderEventID, &e.Type, &actor, &status,
		&e.CreditsGranted, &ledgerID, &detail, &payload, &e.CreatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Event{}, ErrNotFound
	}
	if err != nil {
		return billing.Event{}, err
	}

	e.Status = billing.EventStatus(status)
	e.Actor = actor.String
	e.LedgerEventID = ledgerID.Int64
	e.ErrorDetail = detail.String
	e.Payload = []byte(payload)
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	return e, nil
}

// Settle writes the processing outcome of an event.
func (s *BillingEventStore) Settle(ctx context.Context, e billing.Event) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE billing_events
		SET status = ?, actor_id = COALESCE(?, actor_id), credits_granted = ?,
		    ledger_event_id = ?, error_detail = ?, processed_at = ?
		WHERE id = ?`,
		string(e.Status), nullString(e.Actor), e.CreditsGranted,
		nullInt(e.LedgerEventID), nullString(e.ErrorDetail), nullTime(e.ProcessedAt), e.ID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullInt(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

// Ensure interface compliance.
var _ ports.BillingEventStore = (*BillingEventStore)(nil)
