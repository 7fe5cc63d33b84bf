package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var fastTiming = timingConfig{
	timeout:           time.Second,
	rateInterval:      time.Millisecond,
	rateBurst:         1,
	backoffInitial:    time.Millisecond,
	backoffMax:        2 * time.Millisecond,
	backoffMaxElapsed: 200 * time.Millisecond,
}

// scriptedEndpoint answers with statuses in turn, repeating the last one.
type scriptedEndpoint struct {
	statuses []int
	body     string
	calls    atomic.Int32
}

func (e *scriptedEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(e.calls.Add(1))
	status := e.statuses[min(n, len(e.statuses))-1]
	w.WriteHeader(status)
	_, _ = w.Write([]byte(e.body))
}

func TestHTTPPosterDeliver(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		body      string
		wantCalls int32
		wantErr   []string
	}{
		{name: "first attempt", statuses: []int{http.StatusOK}, wantCalls: 1},
		{name: "server errors are retried", statuses: []int{500, 502, 200}, wantCalls: 3},
		{name: "rate limit without hint is retried", statuses: []int{429, 204}, wantCalls: 2},
		{name: "client error is permanent", statuses: []int{400}, body: "invalid_payload", wantCalls: 1, wantErr: []string{"400", "invalid_payload"}},
		{name: "not found is permanent", statuses: []int{404}, wantCalls: 1, wantErr: []string{"404 Not Found"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint := &scriptedEndpoint{statuses: tt.statuses, body: tt.body}
			server := httptest.NewServer(endpoint)
			defer server.Close()

			poster := newHTTPPoster(zerolog.Nop(), "test", server.URL, "application/json", fastTiming)
			err := poster.deliver(context.Background(), []byte(`{}`))

			if len(tt.wantErr) == 0 && err != nil {
				t.Fatalf("expected delivery, got %v", err)
			}
			for _, want := range tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), want) {
					t.Fatalf("expected error containing %q, got %v", want, err)
				}
			}
			if got := endpoint.calls.Load(); got != tt.wantCalls {
				t.Fatalf("expected %d attempts, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestHTTPPosterGivesUp(t *testing.T) {
	endpoint := &scriptedEndpoint{statuses: []int{http.StatusServiceUnavailable}}
	server := httptest.NewServer(endpoint)
	defer server.Close()

	poster := newHTTPPoster(zerolog.Nop(), "test", server.URL, "application/json", fastTiming)
	err := poster.deliver(context.Background(), []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected the last server error, got %v", err)
	}
	if endpoint.calls.Load() < 2 {
		t.Fatalf("expected several attempts before giving up, got %d", endpoint.calls.Load())
	}
}

func TestHTTPPosterSendsContentType(t *testing.T) {
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
	}))
	defer server.Close()

	poster := newHTTPPoster(zerolog.Nop(), "test", server.URL, "text/plain", fastTiming)
	if err := poster.deliver(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if contentType != "text/plain" {
		t.Fatalf("expected text/plain, got %q", contentType)
	}
}

func TestHTTPPosterRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	poster := newHTTPPoster(zerolog.Nop(), "test", server.URL, "application/json", fastTiming)
	err := poster.postOnce(context.Background(), []byte(`{}`))

	var retryAfterErr *retryAfterError
	if !errors.As(err, &retryAfterErr) {
		t.Fatalf("expected retry-after error, got %v", err)
	}
	if retryAfterErr.wait != time.Second {
		t.Fatalf("expected 1s retry-after, got %s", retryAfterErr.wait)
	}
}

func TestHTTPPosterHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer server.Close()

	timing := fastTiming
	timing.backoffMaxElapsed = 5 * time.Second
	poster := newHTTPPoster(zerolog.Nop(), "test", server.URL, "application/json", timing)

	start := time.Now()
	if err := poster.deliver(context.Background(), []byte(`{}`)); err != nil {
		t.Fatalf("expected delivery after waiting, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Fatalf("expected to wait for Retry-After, waited %s", elapsed)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestHTTPPosterContextCancellation(t *testing.T) {
	endpoint := &scriptedEndpoint{statuses: []int{http.StatusInternalServerError}}
	server := httptest.NewServer(endpoint)
	defer server.Close()

	timing := fastTiming
	timing.backoffInitial = 100 * time.Millisecond
	timing.backoffMax = 200 * time.Millisecond
	timing.backoffMaxElapsed = time.Second
	poster := newHTTPPoster(zerolog.Nop(), "test", server.URL, "application/json", timing)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := poster.deliver(ctx, []byte(`{}`))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHTTPPosterThrottlesPerService(t *testing.T) {
	timing := fastTiming
	timing.rateInterval = time.Hour
	poster := newHTTPPoster(zerolog.Nop(), "test", "http://unused.invalid", "application/json", timing)

	if err := poster.throttle(context.Background(), "alpha"); err != nil {
		t.Fatalf("first call for alpha: %v", err)
	}
	if err := poster.throttle(context.Background(), "beta"); err != nil {
		t.Fatalf("beta has its own budget: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := poster.throttle(ctx, "alpha"); err == nil {
		t.Fatalf("expected alpha to be throttled")
	}
}

func TestParseRetryAfter(t *testing.T) {
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)

	tests := []struct {
		value  string
		wantOK bool
		want   time.Duration
	}{
		{value: "3", wantOK: true, want: 3 * time.Second},
		{value: "0"},
		{value: ""},
		{value: "soon"},
		{value: past},
		{value: future, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.value), func(t *testing.T) {
			got, ok := parseRetryAfter(tt.value)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.want > 0 && got != tt.want {
				t.Fatalf("wait = %s, want %s", got, tt.want)
			}
			if tt.wantOK && got <= 0 {
				t.Fatalf("expected a positive wait, got %s", got)
			}
		})
	}
}
