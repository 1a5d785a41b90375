// Package payment provides payment provider adapters.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/artpar/utter/domain/billing"
	"github.com/artpar/utter/ports"
)

// ErrInvalidSignature is returned when a webhook fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Tolerance     time.Duration
}

// StripeProvider implements ports.PaymentProvider for Stripe.
type StripeProvider struct {
	config StripeConfig
}

var _ ports.PaymentProvider = (*StripeProvider)(nil)

// NewStripeProvider creates a new Stripe payment provider.
func NewStripeProvider(config StripeConfig) *StripeProvider {
	stripe.Key = config.SecretKey
	if config.Tolerance <= 0 {
		config.Tolerance = webhook.DefaultTolerance
	}
	return &StripeProvider{config: config}
}

// Name returns the provider name.
func (p *StripeProvider) Name() string {
	return "stripe"
}

// CreateCheckout creates a one-time payment Checkout session for a pack.
func (p *StripeProvider) CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	if req.Pack.PriceID == "" {
		return "", fmt.Errorf("pack %s has no stripe price configured", req.Pack.ID)
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.Actor),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.Pack.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("user_id", req.Actor)
	params.AddMetadata("pack_id", string(req.Pack.ID))

	s, err := checkoutsession.New(params)
	if err != nil {
		return "", err
	}
	return s.URL, nil
}

// VerifyWebhook checks the Stripe-Signature header and parses the event.
func (p *StripeProvider) VerifyWebhook(payload []byte, signature string) (billing.ProviderEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.config.WebhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                p.config.Tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return billing.ProviderEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return parseStripeEvent(event, payload)
}

// LineItemPrices returns the price ids bought in a checkout session.
func (p *StripeProvider) LineItemPrices(ctx context.Context, sessionID string) ([]string, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{
		Session: stripe.String(sessionID),
	}
	params.Context = ctx

	var prices []string
	iter := checkoutsession.ListLineItems(params)
	for iter.Next() {
		item := iter.LineItem()
		if item.Price != nil && item.Price.ID != "" {
			prices = append(prices, item.Price.ID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return prices, nil
}

func parseStripeEvent(event stripe.Event, payload []byte) (billing.ProviderEvent, error) {
	out := billing.ProviderEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Payload: payload,
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return out, nil
	}

	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return out, fmt.Errorf("decode event object: %w", err)
	}
	if obj.Object != "checkout.session" {
		return out, nil
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return out, fmt.Errorf("decode checkout session: %w", err)
	}
	out.Session = &billing.CheckoutSession{
		ID:                s.ID,
		ClientReferenceID: s.ClientReferenceID,
		Metadata:          s.Metadata,
		PaymentStatus:     string(s.PaymentStatus),
	}
	return out, nil
}
