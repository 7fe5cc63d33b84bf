// Package notify broadcasts audit events to chat and webhook backends.
package notify

import (
	"context"
	"time"
)

// Event is one audited deploy action.
type Event struct {
	Host    string    `json:"host"`
	User    string    `json:"user"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier delivers audit events to external systems.
type Notifier interface {
	Notify(ctx context.Context, service string, events []Event) error
}

// backend is a Notifier that can be switched off by configuration.
type backend interface {
	Notifier
	name() string
	enabled() bool
}

// Discard drops every event.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(context.Context, string, []Event) error { return nil }
