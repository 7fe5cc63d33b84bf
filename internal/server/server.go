package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nholik/cordon/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Routes groups the daemon's endpoints by listening port. Health routes go
// on healthPort and /metrics on metricsPort; equal ports share one mux. A
// zero port, or a nil collector for /metrics, leaves the routes out.
func Routes(tracker *Tracker, pollInterval time.Duration, m *metrics.Metrics, healthPort, metricsPort int) map[int]*http.ServeMux {
	muxes := map[int]*http.ServeMux{}
	muxFor := func(port int) *http.ServeMux {
		if mux, ok := muxes[port]; ok {
			return mux
		}
		mux := http.NewServeMux()
		muxes[port] = mux
		return mux
	}

	if healthPort > 0 {
		mux := muxFor(healthPort)
		mux.HandleFunc("/healthz", HealthHandler(tracker, pollInterval))
		mux.HandleFunc("/readyz", ReadyHandler(tracker))
	}
	if metricsPort > 0 && m != nil {
		muxFor(metricsPort).Handle("/metrics", m.Handler())
	}
	return muxes
}

// Start serves Routes in the background until ctx is done.
func Start(ctx context.Context, logger zerolog.Logger, pollInterval time.Duration, tracker *Tracker, m *metrics.Metrics, healthPort, metricsPort int) {
	for port, mux := range Routes(tracker, pollInterval, m, healthPort, metricsPort) {
		serve(ctx, logger.With().Int("port", port).Logger(), port, mux)
	}
}

func serve(ctx context.Context, logger zerolog.Logger, port int, handler http.Handler) {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		logger.Info().Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown failed")
		}
	}()
}
