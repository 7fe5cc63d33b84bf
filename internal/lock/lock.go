// Package lock serializes deploys of a service with a directory on the
// primary host. Creating the directory acquires the lock and removing it
// releases it; the details file inside records the holder. A crashed holder
// leaves the directory behind until an operator releases it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"path"
	"time"

	"github.com/nholik/cordon/internal/metrics"
	"github.com/nholik/cordon/internal/remote"
	"github.com/rs/zerolog"
)

// ErrLocked reports that another deploy holds the lock.
var ErrLocked = errors.New("deploy lock already held")

// LockedError carries the details of the current holder.
type LockedError struct {
	Dir     string
	Details Details
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s (%s)\n%s", ErrLocked, e.Dir, e.Details)
}

func (e *LockedError) Unwrap() error {
	return ErrLocked
}

// Dir is the lock directory of a service and destination under runDirectory.
func Dir(runDirectory, service, destination string) string {
	name := "lock-" + service
	if destination != "" {
		name += "-" + destination
	}
	return path.Join(runDirectory, name)
}

// Lock is the deploy lock of one service on one host.
type Lock struct {
	logger  zerolog.Logger
	exec    remote.Executor
	host    string
	dir     string
	holder  string
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option customizes a Lock.
type Option func(*Lock)

// WithHolder overrides the holder recorded in the lock details.
func WithHolder(holder string) Option {
	return func(l *Lock) {
		l.holder = holder
	}
}

// WithClock overrides the acquisition timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) {
		l.now = now
	}
}

// WithMetrics counts contended acquisitions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Lock) {
		l.metrics = m
	}
}

// New returns the lock stored at dir on host.
func New(logger zerolog.Logger, exec remote.Executor, host, dir string, opts ...Option) *Lock {
	l := &Lock{
		logger: logger.With().Str("host", host).Str("lock", dir).Logger(),
		exec:   exec,
		host:   host,
		dir:    dir,
		holder: currentUser(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire creates the lock directory and writes the holder details. When the
// directory already exists it returns a *LockedError describing the holder
// and leaves the existing details untouched.
func (l *Lock) Acquire(ctx context.Context, message, version string) error {
	if err := l.exec.Execute(ctx, l.host, remote.Cmd("mkdir", "-p", path.Dir(l.dir))); err != nil {
		return fmt.Errorf("prepare lock parent: %w", err)
	}

	if err := l.exec.Execute(ctx, l.host, remote.Cmd("mkdir", l.dir)); err != nil {
		var exitErr *remote.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("create lock directory: %w", err)
		}
		l.metrics.IncLockContention()
		details, locked, statusErr := l.Status(ctx)
		if statusErr != nil {
			return fmt.Errorf("%w: %s", ErrLocked, statusErr)
		}
		if !locked {
			return fmt.Errorf("create lock directory: %w", err)
		}
		return &LockedError{Dir: l.dir, Details: details}
	}

	details := Details{
		LockedBy: l.holder,
		LockedAt: l.now().UTC(),
		Version:  version,
		Message:  message,
	}
	write := remote.Cmd("printf", "%s", details.Encode()).WriteTo(l.detailsPath())
	if err := l.exec.Execute(ctx, l.host, write); err != nil {
		return fmt.Errorf("write lock details: %w", err)
	}

	l.logger.Info().Str("version", version).Str("message", message).Msg("acquired deploy lock")
	return nil
}

// Release removes the details file, then the directory.
func (l *Lock) Release(ctx context.Context) error {
	if err := l.exec.Execute(ctx, l.host, remote.Cmd("rm", l.detailsPath())); err != nil {
		return fmt.Errorf("remove lock details: %w", err)
	}
	if err := l.exec.Execute(ctx, l.host, remote.Cmd("rm", "-r", l.dir)); err != nil {
		return fmt.Errorf("remove lock directory: %w", err)
	}
	l.logger.Info().Msg("released deploy lock")
	return nil
}

// Status reports whether the lock is held and, if so, by whom.
func (l *Lock) Status(ctx context.Context) (Details, bool, error) {
	_, err := l.exec.Capture(ctx, l.host, remote.Cmd("stat", l.dir), true)
	if err != nil {
		var exitErr *remote.ExitError
		if errors.As(err, &exitErr) {
			return Details{}, false, nil
		}
		return Details{}, false, fmt.Errorf("stat lock directory: %w", err)
	}

	blob, err := l.exec.Capture(ctx, l.host, remote.Cmd("cat", l.detailsPath()), true)
	if err != nil {
		return Details{}, true, fmt.Errorf("read lock details: %w", err)
	}
	details, err := DecodeDetails(blob)
	if err != nil {
		return Details{}, true, err
	}
	return details, true, nil
}

// WithLock runs fn while holding the lock. The lock is released even when fn
// fails.
func (l *Lock) WithLock(ctx context.Context, message, version string, fn func(context.Context) error) error {
	if err := l.Acquire(ctx, message, version); err != nil {
		return err
	}

	runErr := fn(ctx)
	if err := l.Release(ctx); err != nil {
		l.logger.Error().Err(err).Msg("failed to release deploy lock")
		return errors.Join(runErr, err)
	}
	return runErr
}

func (l *Lock) detailsPath() string {
	return path.Join(l.dir, "details")
}

func currentUser() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "unknown"
	}
	return u.Username
}
