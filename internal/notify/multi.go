package notify

import (
	"context"
	"errors"
	"fmt"
)

// MultiNotifier fans events out to every enabled backend.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier keeps the given notifiers, dropping nils and backends
// constructed without a URL.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		if b, ok := n.(backend); ok && !b.enabled() {
			continue
		}
		m.notifiers = append(m.notifiers, n)
	}
	return m
}

// Len reports how many notifiers receive events.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// Notify sends events to every notifier, even after one fails, and joins
// the failures.
func (m *MultiNotifier) Notify(ctx context.Context, service string, events []Event) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, service, events); err != nil {
			if b, ok := n.(backend); ok {
				err = fmt.Errorf("%s: %w", b.name(), err)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
