// Package healthcheck gates deploy transitions on container status.
//
// A status function reports one of "healthy", "running" or anything else,
// which means not ready. Failed attempts back off linearly (one second per
// attempt) and, in the deadline form, never sleep past the remaining budget.
// Sleeps are not interruptible; the context only reaches the status function.
package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	StatusHealthy = "healthy"
	StatusRunning = "running"
)

// StatusFunc reports the current status of the thing being polled.
type StatusFunc func(ctx context.Context) (string, error)

// Observer is told the result of every poll attempt.
type Observer func(result string)

// Attempt results passed to an Observer.
const (
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultTimeout = "timeout"
	ResultFatal   = "fatal"
)

// Kind classifies a single attempt.
type Kind int

const (
	Success Kind = iota
	Retryable
	Fatal
)

// Outcome is the result of one attempt.
type Outcome struct {
	Kind   Kind
	Status string
	Reason string
}

func succeeded(status string) Outcome {
	return Outcome{Kind: Success, Status: status}
}

func retry(status, format string, args ...any) Outcome {
	return Outcome{Kind: Retryable, Status: status, Reason: fmt.Sprintf(format, args...)}
}

// TimeoutError is returned once the deadline or attempt cap is exhausted.
type TimeoutError struct {
	Attempts   int
	LastStatus string
	Reason     string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("healthcheck timed out after %d attempt(s): %s", e.Attempts, e.Reason)
}

// FatalError is returned when an attempt cannot be retried.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("healthcheck aborted: %s", e.Reason)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Poller polls a StatusFunc until it reports the wanted state.
type Poller struct {
	logger         zerolog.Logger
	timeout        time.Duration
	readinessDelay time.Duration
	sleep          func(time.Duration)
	now            func() time.Time
	observe        Observer
}

// Option customizes poller behavior.
type Option func(*Poller)

// WithSleep overrides how the poller waits between attempts.
func WithSleep(sleep func(time.Duration)) Option {
	return func(p *Poller) {
		p.sleep = sleep
	}
}

// WithClock overrides the poller's notion of now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// WithObserver reports attempt results, typically to metrics.
func WithObserver(observe Observer) Option {
	return func(p *Poller) {
		p.observe = observe
	}
}

// New constructs a Poller with the given deadline and readiness delay.
func New(logger zerolog.Logger, timeout, readinessDelay time.Duration, opts ...Option) *Poller {
	p := &Poller{
		logger:         logger,
		timeout:        timeout,
		readinessDelay: readinessDelay,
		sleep:          time.Sleep,
		now:            time.Now,
		observe:        func(string) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitForHealthy polls until status reports healthy, or running when no
// health check is configured. With pauseAfterReady a running container is
// re-checked after the readiness delay, so one that crashes right after
// starting is not reported ready.
func (p *Poller) WaitForHealthy(ctx context.Context, pauseAfterReady bool, status StatusFunc) error {
	err := p.untilDeadline(ctx, func(ctx context.Context) Outcome {
		current, err := status(ctx)
		if outcome, failed := statusError(ctx, err); failed {
			return outcome
		}
		switch current {
		case StatusHealthy:
			return succeeded(current)
		case StatusRunning:
			if !pauseAfterReady {
				return succeeded(current)
			}
			p.sleep(p.readinessDelay)
			again, err := status(ctx)
			if outcome, failed := statusError(ctx, err); failed {
				return outcome
			}
			if again == StatusHealthy || again == StatusRunning {
				return succeeded(again)
			}
			return retry(again, "container not ready after readiness delay (%s)", again)
		default:
			return retry(current, "container not ready (%s)", current)
		}
	})
	if err == nil {
		p.logger.Info().Msg("container is healthy")
	}
	return err
}

// WaitForUnhealthy polls until status reports anything other than healthy
// or running. It is used to confirm traffic has drained.
func (p *Poller) WaitForUnhealthy(ctx context.Context, status StatusFunc) error {
	err := p.untilDeadline(ctx, func(ctx context.Context) Outcome {
		current, err := status(ctx)
		if outcome, failed := statusError(ctx, err); failed {
			return outcome
		}
		if current == StatusHealthy || current == StatusRunning {
			return retry(current, "container still ready (%s)", current)
		}
		return succeeded(current)
	})
	if err == nil {
		p.logger.Info().Msg("container is unhealthy")
	}
	return err
}

// WaitForValue polls fetch up to maxAttempts times until it returns want.
func (p *Poller) WaitForValue(ctx context.Context, maxAttempts int, want string, fetch StatusFunc) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var last Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		got, err := fetch(ctx)
		if outcome, failed := statusError(ctx, err); failed {
			last = outcome
		} else if got == want {
			p.observe(ResultSuccess)
			return nil
		} else {
			last = retry(got, "got %q, want %q", got, want)
		}

		if last.Kind == Fatal {
			p.observe(ResultFatal)
			return &FatalError{Reason: last.Reason, Err: ctx.Err()}
		}
		if attempt == maxAttempts {
			break
		}
		p.observe(ResultRetry)
		wait := time.Duration(attempt) * time.Second
		p.logger.Info().
			Str("reason", last.Reason).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("retry_in", wait).
			Msg("value not observed, retrying")
		p.sleep(wait)
	}

	p.observe(ResultTimeout)
	return &TimeoutError{Attempts: maxAttempts, LastStatus: last.Status, Reason: last.Reason}
}

func (p *Poller) untilDeadline(ctx context.Context, check func(context.Context) Outcome) error {
	deadline := p.now().Add(p.timeout)

	for attempt := 1; ; attempt++ {
		outcome := check(ctx)
		switch outcome.Kind {
		case Success:
			p.observe(ResultSuccess)
			return nil
		case Fatal:
			p.observe(ResultFatal)
			return &FatalError{Reason: outcome.Reason, Err: ctx.Err()}
		}

		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			p.observe(ResultTimeout)
			return &TimeoutError{Attempts: attempt, LastStatus: outcome.Status, Reason: outcome.Reason}
		}

		p.observe(ResultRetry)
		wait := time.Duration(attempt) * time.Second
		if wait > remaining {
			wait = remaining
		}
		p.logger.Info().
			Str("reason", outcome.Reason).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("healthcheck failed, retrying")
		p.sleep(wait)
	}
}

func statusError(ctx context.Context, err error) (Outcome, bool) {
	if err == nil {
		return Outcome{}, false
	}
	if ctx.Err() != nil {
		return Outcome{Kind: Fatal, Reason: ctx.Err().Error()}, true
	}
	return retry("", "status unavailable: %v", err), true
}
