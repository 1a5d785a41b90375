package payment

import (
	"context"

	"github.com/artpar/utter/domain/billing"
	"github.com/artpar/utter/ports"
)

// ErrPaymentsDisabled is returned when payments are not configured.
var ErrPaymentsDisabled = ports.ErrPaymentsDisabled

// NoopProvider is a no-op payment provider for when payments are disabled.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op payment provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Name returns the provider name.
func (p *NoopProvider) Name() string {
	return "none"
}

// CreateCheckout returns an error as payments are disabled.
func (p *NoopProvider) CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	return "", ErrPaymentsDisabled
}

// VerifyWebhook returns an error as payments are disabled.
func (p *NoopProvider) VerifyWebhook(payload []byte, signature string) (billing.ProviderEvent, error) {
	return billing.ProviderEvent{}, ErrPaymentsDisabled
}

// LineItemPrices returns an error as payments are disabled.
func (p *NoopProvider) LineItemPrices(ctx context.Context, sessionID string) ([]string, error) {
	return nil, ErrPaymentsDisabled
}
