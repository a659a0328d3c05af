package payment

import (
	"fmt"

	"github.com/velariq/tokengate/ports"
)

// Config selects and configures a billing provider.
type Config struct {
	Provider      string // "stripe" or "none"
	SecretKey     string
	WebhookSecret string
}

// NewProvider creates a billing provider from configuration.
func NewProvider(cfg Config) (ports.BillingProvider, error) {
	switch cfg.Provider {
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
		}), nil

	case "none", "":
		return NewNoopProvider(), nil

	default:
		return nil, fmt.Errorf("unknown billing provider: %s", cfg.Provider)
	}
}
