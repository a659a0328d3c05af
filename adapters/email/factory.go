package email

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/velariq/tokengate/ports"
)

// Config selects and configures a key notifier.
type Config struct {
	Provider string // "smtp", "log" or "none"
	SMTP     SMTPConfig
}

// NewNotifier creates a key notifier from configuration.
func NewNotifier(cfg Config, logger zerolog.Logger) (ports.KeyNotifier, error) {
	switch cfg.Provider {
	case "smtp":
		if cfg.SMTP.Host == "" {
			return nil, fmt.Errorf("SMTP host is required")
		}
		if cfg.SMTP.Port == 0 {
			cfg.SMTP.Port = 587
		}
		return NewSMTPNotifier(cfg.SMTP)

	case "log", "none", "":
		return NewLogNotifier(logger), nil

	default:
		return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
	}
}
