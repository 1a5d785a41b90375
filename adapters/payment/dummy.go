package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/artpar/utter/domain/billing"
)

// DummyProvider simulates checkout for development and demos.
// Checkout redirects straight to the success URL. Webhooks use the Stripe
// event format and signature scheme, signed with a local secret, so the
// whole grant path can be exercised without a Stripe account.
type DummyProvider struct {
	webhookSecret string
}

// NewDummyProvider creates a new dummy payment provider.
func NewDummyProvider(webhookSecret string) *DummyProvider {
	return &DummyProvider{webhookSecret: webhookSecret}
}

// Name returns the provider name.
func (p *DummyProvider) Name() string {
	return "dummy"
}

// CreateCheckout skips the hosted page and returns the success URL.
func (p *DummyProvider) CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	return fmt.Sprintf("%s?session_id=cs_dummy_%s", req.SuccessURL, uuid.NewString()), nil
}

// VerifyWebhook verifies a Stripe-format signature made with the local secret.
func (p *DummyProvider) VerifyWebhook(payload []byte, signature string) (billing.ProviderEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return billing.ProviderEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return parseStripeEvent(event, payload)
}

// LineItemPrices has nothing to look up; packs resolve from metadata.
func (p *DummyProvider) LineItemPrices(ctx context.Context, sessionID string) ([]string, error) {
	return nil, nil
}
