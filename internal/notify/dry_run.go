package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunNotifier logs the batches it would have sent.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

// NewDryRunNotifier wraps inner without ever calling it.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger.With().Bool("dry_run", true).Logger(), inner: inner}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, service string, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	lines := make([]string, 0, len(events))
	for _, event := range events {
		host := event.Host
		if host == "" {
			host = "-"
		}
		lines = append(lines, host+": "+event.Message)
	}
	n.logger.Info().
		Str("service", service).
		Int("events", len(events)).
		Strs("lines", lines).
		Msg("notification suppressed")
	return nil
}
