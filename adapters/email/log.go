package email

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/velariq/tokengate/ports"
)

// LogNotifier records key issuance in the log instead of sending mail. Only a
// masked form of the key is written.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) KeyIssued(ctx context.Context, email, apiKey string) error {
	n.logger.Info().
		Str("email", email).
		Str("api_key", MaskKey(apiKey)).
		Msg("api key issued")
	return nil
}

// MaskKey keeps the first eight characters of a key.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "****"
}

// Ensure interface compliance.
var _ ports.KeyNotifier = (*LogNotifier)(nil)
