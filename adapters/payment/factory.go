package payment

import (
	"fmt"
	"time"

	"github.com/artpar/utter/ports"
)

// Config selects and configures the payment provider.
type Config struct {
	Mode          string // stripe, dummy, none
	SecretKey     string
	WebhookSecret string
	Tolerance     time.Duration
}

// NewProvider creates a payment provider based on config.
func NewProvider(cfg Config) (ports.PaymentProvider, error) {
	switch cfg.Mode {
	case "stripe":
		if cfg.SecretKey == "" {
			return nil, fmt.Errorf("stripe secret key is required")
		}
		if cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("stripe webhook secret is required")
		}
		return NewStripeProvider(StripeConfig{
			SecretKey:     cfg.SecretKey,
			WebhookSecret: cfg.WebhookSecret,
			Tolerance:     cfg.Tolerance,
		}), nil

	case "dummy", "test":
		if cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("dummy provider needs a webhook secret")
		}
		return NewDummyProvider(cfg.WebhookSecret), nil

	case "none", "":
		return NewNoopProvider(), nil

	default:
		return nil, fmt.Errorf("unknown payment provider: %s", cfg.Mode)
	}
}
