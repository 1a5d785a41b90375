package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/artpar/utter/domain/billing"
	"github.com/artpar/utter/domain/credit"
	"github.com/artpar/utter/domain/ledger"
	"github.com/artpar/utter/ports"
)

// BillingService sells credit packs and applies verified payment events.
// Events only ever grant credit, once per processor event id.
type BillingService struct {
	payments   ports.PaymentProvider
	events     ports.BillingEventStore
	ledger     *LedgerService
	catalog    *credit.Catalog
	ids        ports.IDGenerator
	clock      ports.Clock
	metrics    ports.Metrics
	logger     zerolog.Logger
	successURL string
	cancelURL  string
}

// BillingConfig wires a BillingService.
type BillingConfig struct {
	Payments   ports.PaymentProvider
	Events     ports.BillingEventStore
	Ledger     *LedgerService
	Catalog    *credit.Catalog
	IDs        ports.IDGenerator
	Clock      ports.Clock
	Metrics    ports.Metrics
	Logger     zerolog.Logger
	SuccessURL string
	CancelURL  string
}

// NewBillingService creates a billing service.
func NewBillingService(cfg BillingConfig) *BillingService {
	return &BillingService{
		payments:   cfg.Payments,
		events:     cfg.Events,
		ledger:     cfg.Ledger,
		catalog:    cfg.Catalog,
		ids:        cfg.IDs,
		clock:      cfg.Clock,
		metrics:    orNop(cfg.Metrics),
		logger:     cfg.Logger,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
	}
}

// Packs lists the purchasable credit packs.
func (s *BillingService) Packs() []credit.Pack {
	return s.catalog.Packs()
}

// CreateCheckout starts a hosted checkout for a pack.
func (s *BillingService) CreateCheckout(ctx context.Context, actor, packID string) (string, error) {
	pack, ok := s.catalog.ByID(packID)
	if !ok {
		return "", invalid("Unknown pack_id.")
	}
	if pack.PriceID == "" {
		return "", newError(ErrPaymentsDisabled, "This credit pack is not available for purchase.")
	}
	url, err := s.payments.CreateCheckout(ctx, billing.CheckoutRequest{
		Actor:      actor,
		Pack:       pack,
		SuccessURL: s.successURL,
		CancelURL:  s.cancelURL,
	})
	if errors.Is(err, ports.ErrPaymentsDisabled) {
		return "", &Error{Kind: ErrPaymentsDisabled, Detail: "Payments are not configured.", Err: err}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("actor", actor).Str("pack_id", string(pack.ID)).Msg("create checkout session")
		return "", &Error{Kind: ErrProviderUnavailable, Detail: "Failed to create checkout session.", Err: err}
	}
	return url, nil
}

// HandleWebhook verifies and applies one delivery. Once an event is
// recorded the processor gets a success answer, even if applying it failed.
func (s *BillingService) HandleWebhook(ctx context.Context, payload []byte, signature string) (billing.WebhookResult, error) {
	pe, err := s.payments.VerifyWebhook(payload, signature)
	if errors.Is(err, ports.ErrPaymentsDisabled) {
		return billing.WebhookResult{}, &Error{Kind: ErrPaymentsDisabled, Detail: "Payments are not configured.", Err: err}
	}
	if err != nil {
		s.metrics.WebhookEvent("invalid_signature")
		s.logger.Warn().Err(err).Msg("webhook signature rejected")
		return billing.WebhookResult{}, &Error{Kind: ErrValidation, Detail: "Invalid webhook signature.", Err: err}
	}

	e := billing.Event{
		ID:              s.ids.New(),
		Provider:        s.payments.Name(),
		ProviderEventID: pe.ID,
		Type:            pe.Type,
		Status:          billing.StatusReceived,
		Payload:         pe.Payload,
		CreatedAt:       s.clock.Now(),
	}
	if pe.Session != nil {
		e.Actor = pe.Session.ResolveActor()
	}

	if err := s.events.Insert(ctx, e); err != nil {
		if !errors.Is(err, ports.ErrDuplicate) {
			return billing.WebhookResult{}, fmt.Errorf("record billing event: %w", err)
		}
		existing, gerr := s.events.GetByProviderID(ctx, e.Provider, e.ProviderEventID)
		if gerr != nil {
			return billing.WebhookResult{}, fmt.Errorf("load billing event: %w", gerr)
		}
		if existing.Status.Settled() {
			s.metrics.WebhookEvent("duplicate")
			return billing.WebhookResult{Received: true, Duplicate: true, Status: existing.Status}, nil
		}
		// An earlier delivery was recorded but not settled; retry it.
		e = existing
		if pe.Session != nil && e.Actor == "" {
			e.Actor = pe.Session.ResolveActor()
		}
	}

	if e.Type != billing.EventCheckoutCompleted || pe.Session == nil {
		e.Status = billing.StatusIgnored
		s.settle(ctx, e)
		s.metrics.WebhookEvent("ignored")
		return billing.WebhookResult{Received: true, Status: e.Status}, nil
	}

	granted, ledgerID, err := s.grant(ctx, e, *pe.Session)
	if err != nil {
		e.Status = billing.StatusFailed
		e.ErrorDetail = err.Error()
		s.settle(ctx, e)
		s.metrics.WebhookEvent("failed")
		s.logger.Error().Err(err).
			Str("event_id", e.ProviderEventID).
			Str("actor", e.Actor).
			Msg("billing event failed")
		return billing.WebhookResult{Received: true, Status: e.Status}, nil
	}

	e.Status = billing.StatusProcessed
	e.CreditsGranted = granted
	e.LedgerEventID = ledgerID
	s.settle(ctx, e)
	s.metrics.WebhookEvent("processed")
	s.logger.Info().
		Str("event_id", e.ProviderEventID).
		Str("actor", e.Actor).
		Int64("credits", granted).
		Msg("credits granted from payment")
	return billing.WebhookResult{Received: true, Status: e.Status}, nil
}

func (s *BillingService) grant(ctx context.Context, e billing.Event, session billing.CheckoutSession) (int64, int64, error) {
	if session.PaymentStatus != "" && !strings.EqualFold(session.PaymentStatus, "paid") &&
		!strings.EqualFold(session.PaymentStatus, "no_payment_required") {
		return 0, 0, fmt.Errorf("checkout session %s is %s", session.ID, session.PaymentStatus)
	}
	if e.Actor == "" {
		return 0, 0, errors.New("checkout session carries no user")
	}

	pack, ok := session.PackFromMetadata(s.catalog)
	if !ok {
		prices, err := s.payments.LineItemPrices(ctx, session.ID)
		if err != nil {
			return 0, 0, fmt.Errorf("list line items: %w", err)
		}
		if pack, ok = billing.PackFromPrices(s.catalog, prices); !ok {
			return 0, 0, errors.New("no configured credit pack in checkout session")
		}
	}

	res, err := s.ledger.Apply(ctx, ledger.ApplyRequest{
		Actor:          e.Actor,
		Kind:           ledger.KindGrant,
		Operation:      ledger.OpPaidPurchase,
		Amount:         pack.Credits,
		ReferenceType:  ledger.RefBilling,
		ReferenceID:    e.ProviderEventID,
		IdempotencyKey: ledger.GrantKey(e.Provider, e.ProviderEventID),
		Metadata: map[string]any{
			"pack_id":    string(pack.ID),
			"session_id": session.ID,
		},
	})
	if err != nil {
		return 0, 0, err
	}
	return pack.Credits, res.LedgerID, nil
}

func (s *BillingService) settle(ctx context.Context, e billing.Event) {
	now := s.clock.Now()
	e.ProcessedAt = &now
	if err := s.events.Settle(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("event_id", e.ProviderEventID).Msg("settle billing event")
	}
}
