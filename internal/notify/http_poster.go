package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const httpErrorBodyLimit = 1024

type timingConfig struct {
	timeout           time.Duration
	rateInterval      time.Duration
	rateBurst         int
	backoffMaxElapsed time.Duration
	backoffMax        time.Duration
	backoffInitial    time.Duration
}

var defaultTiming = timingConfig{
	timeout:           10 * time.Second,
	rateInterval:      time.Second,
	rateBurst:         1,
	backoffMaxElapsed: 30 * time.Second,
	backoffMax:        10 * time.Second,
	backoffInitial:    time.Second,
}

// httpPoster delivers JSON payloads to one endpoint on behalf of a backend,
// throttled per deployed service.
type httpPoster struct {
	logger      zerolog.Logger
	backend     string
	url         string
	contentType string
	client      *retryablehttp.Client
	timing      timingConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newHTTPPoster(logger zerolog.Logger, backend, url, contentType string, timing timingConfig) *httpPoster {
	// Retries are driven by deliver so Retry-After can steer the schedule.
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = func(context.Context, *http.Response, error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timing.timeout}

	return &httpPoster{
		logger:      logger.With().Str("backend", backend).Logger(),
		backend:     backend,
		url:         url,
		contentType: contentType,
		client:      client,
		timing:      timing,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// throttle blocks until the service's limiter admits another delivery.
func (p *httpPoster) throttle(ctx context.Context, service string) error {
	p.mu.Lock()
	limiter, ok := p.limiters[service]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.timing.rateInterval), p.timing.rateBurst)
		p.limiters[service] = limiter
	}
	p.mu.Unlock()
	return limiter.Wait(ctx)
}

// deliver posts payload, retrying transport errors, 429 and 5xx responses
// with exponential backoff. A Retry-After header replaces the next wait.
func (p *httpPoster) deliver(ctx context.Context, payload []byte) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.timing.backoffInitial
	exp.MaxInterval = p.timing.backoffMax
	exp.MaxElapsedTime = p.timing.backoffMaxElapsed
	policy := &retryAfterBackOff{next: exp}

	attempt := func() error {
		err := p.postOnce(ctx, payload)
		var hint *retryAfterError
		if errors.As(err, &hint) {
			policy.hint = hint.wait
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		p.logger.Warn().Err(err).Dur("retry_in", wait).Msg("notification delivery failed, retrying")
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx), onRetry)
}

// postOnce makes one delivery attempt. Errors that must not be retried are
// wrapped with backoff.Permanent.
func (p *httpPoster) postOnce(ctx context.Context, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.timing.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build %s request: %w", p.backend, err))
	}
	req.Header.Set("Content-Type", p.contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", p.backend, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, httpErrorBodyLimit))
	detail := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		limited := fmt.Errorf("%s rate limited: %s", p.backend, resp.Status)
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return &retryAfterError{wait: wait, err: limited}
		}
		return limited
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%s server error: %s", p.backend, resp.Status)
	case detail != "":
		return backoff.Permanent(fmt.Errorf("%s request failed: %s (%s)", p.backend, resp.Status, detail))
	default:
		return backoff.Permanent(fmt.Errorf("%s request failed: %s", p.backend, resp.Status))
	}
}

// parseRetryAfter reads delay-seconds or an HTTP date.
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, seconds > 0
	}
	if when, err := http.ParseTime(value); err == nil {
		wait := time.Until(when)
		return wait, wait > 0
	}
	return 0, false
}

// retryAfterBackOff waits for a server supplied delay once, then falls back
// to the wrapped policy.
type retryAfterBackOff struct {
	next backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if b.hint > 0 {
		wait := b.hint
		b.hint = 0
		return wait
	}
	return b.next.NextBackOff()
}

func (b *retryAfterBackOff) Reset() {
	b.hint = 0
	b.next.Reset()
}

type retryAfterError struct {
	wait time.Duration
	err  error
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("%v; retry after %s", e.err, e.wait)
}

func (e *retryAfterError) Unwrap() error {
	return e.err
}
