// Package audit records what a deploy did. Each line is appended to a log
// file on the host it concerns and kept for the run summary; Flush
// broadcasts pending lines to the configured notifiers in one batch.
// Recording never fails a deploy.
package audit

import (
	"context"
	"fmt"
	"os/user"
	"path"
	"sync"
	"time"

	"github.com/nholik/cordon/internal/notify"
	"github.com/nholik/cordon/internal/remote"
	"github.com/rs/zerolog"
)

// Path is the audit log of a service and destination under runDirectory.
func Path(runDirectory, service, destination string) string {
	name := service
	if destination != "" {
		name += "-" + destination
	}
	return path.Join(runDirectory, name+"-audit.log")
}

// Auditor writes audit lines for one service.
type Auditor struct {
	logger   zerolog.Logger
	exec     remote.Executor
	notifier notify.Notifier
	service  string
	path     string
	user     string
	now      func() time.Time

	mu     sync.Mutex
	events []notify.Event
	sent   int
}

// Option customizes an Auditor.
type Option func(*Auditor)

// WithNotifier sets where Flush broadcasts recorded lines.
func WithNotifier(n notify.Notifier) Option {
	return func(a *Auditor) {
		a.notifier = n
	}
}

// WithUser overrides the user recorded on each line.
func WithUser(name string) Option {
	return func(a *Auditor) {
		a.user = name
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) {
		a.now = now
	}
}

// New returns an Auditor appending to logPath on each host.
func New(logger zerolog.Logger, exec remote.Executor, service, logPath string, opts ...Option) *Auditor {
	a := &Auditor{
		logger:  logger,
		exec:    exec,
		service: service,
		path:    logPath,
		user:    currentUser(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Line renders an event the way it is stored in the audit log.
func Line(event notify.Event) string {
	return fmt.Sprintf("[%s] [%s] %s", event.At.UTC().Format(time.RFC3339), event.User, event.Message)
}

// Record audits message on host. An empty host records locally only.
func (a *Auditor) Record(ctx context.Context, host, message string) {
	event := notify.Event{Host: host, User: a.user, Message: message, At: a.now().UTC()}

	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()

	a.logger.Info().Str("host", host).Str("user", a.user).Msg(message)

	if host != "" {
		cmd := remote.Combine(
			remote.Cmd("mkdir", "-p", path.Dir(a.path)),
			remote.Cmd("echo", Line(event)).AppendTo(a.path),
		)
		if err := a.exec.Execute(ctx, host, cmd); err != nil {
			a.logger.Warn().Err(err).Str("host", host).Msg("failed to write audit line")
		}
	}
}

// Flush broadcasts the lines recorded since the previous Flush. Lines that
// fail to send are not retried.
func (a *Auditor) Flush(ctx context.Context) error {
	a.mu.Lock()
	pending := append([]notify.Event(nil), a.events[a.sent:]...)
	a.sent = len(a.events)
	a.mu.Unlock()

	if a.notifier == nil || len(pending) == 0 {
		return nil
	}
	if err := a.notifier.Notify(ctx, a.service, pending); err != nil {
		return fmt.Errorf("broadcast %d audit event(s): %w", len(pending), err)
	}
	return nil
}

// Events returns every event recorded so far, oldest first.
func (a *Auditor) Events() []notify.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]notify.Event, len(a.events))
	copy(out, a.events)
	return out
}

func currentUser() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "unknown"
	}
	return u.Username
}
