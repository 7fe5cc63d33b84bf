// Package tunnel forwards a local port to many hosts at once over SSH remote
// forwards, so hosts can pull from a registry that only listens locally.
//
// Open starts one worker per host. Every worker reports readiness exactly
// once, whether it forwarded, failed or panicked, and Open waits for all of
// them or the timeout. Forwards stay up until Close. Workers still stuck
// connecting when Open gives up are cancelled and left to exit on their own.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nholik/cordon/internal/metrics"
	"github.com/nholik/cordon/internal/remote"
	"github.com/rs/zerolog"
)

// ErrAlreadyOpen is returned by Open while forwards are up.
var ErrAlreadyOpen = errors.New("tunnels already open")

// Listener opens a listener on a remote host whose connections are
// delivered locally.
type Listener interface {
	ListenRemote(ctx context.Context, host, addr string) (net.Listener, error)
}

// DialFunc connects to the local end of a forward.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ForwardError lists the hosts whose forward could not be established.
type ForwardError struct {
	Failed map[string]error
}

func (e *ForwardError) Error() string {
	hosts := make([]string, 0, len(e.Failed))
	for host := range e.Failed {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	parts := make([]string, 0, len(hosts))
	for _, host := range hosts {
		parts = append(parts, fmt.Sprintf("%s: %v", host, e.Failed[host]))
	}
	return "port forward failed on " + strings.Join(parts, "; ")
}

type readiness struct {
	host string
	err  error
}

// Manager owns a set of forwards.
type Manager struct {
	logger   zerolog.Logger
	listener Listener
	dial     DialFunc
	metrics  *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers []<-chan struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer overrides how the local end of a forward is reached.
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) {
		m.dial = dial
	}
}

// WithMetrics tracks open forwards.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// New returns a Manager opening forwards through listener.
func New(logger zerolog.Logger, listener Listener, opts ...Option) *Manager {
	var dialer net.Dialer
	m := &Manager{
		logger:   logger,
		listener: listener,
		dial:     dialer.DialContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open forwards port on every host to port on this machine. It returns once
// every host reported or timeout elapsed; if any host failed, the forwards
// that did come up are closed and a *ForwardError is returned. Loopback
// hosts already reach the port and are skipped.
func (m *Manager) Open(ctx context.Context, hosts []string, port int, timeout time.Duration) error {
	hosts, skipped := splitLocal(hosts)
	if len(skipped) > 0 {
		m.logger.Debug().Strs("hosts", skipped).Msg("skipping port forward to local hosts")
	}
	if len(hosts) == 0 {
		return nil
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyOpen
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.mu.Unlock()

	addr := net.JoinHostPort("localhost", strconv.Itoa(port))
	ready := make(chan readiness, len(hosts))
	done := make(map[string]<-chan struct{}, len(hosts))
	workers := make([]<-chan struct{}, 0, len(hosts))
	for _, host := range hosts {
		exited := make(chan struct{})
		done[host] = exited
		workers = append(workers, exited)
		go m.forward(workerCtx, host, addr, ready, exited)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	failed := make(map[string]error)
	reported := make(map[string]struct{}, len(hosts))
wait:
	for len(reported) < len(hosts) {
		select {
		case r := <-ready:
			reported[r.host] = struct{}{}
			if r.err != nil {
				failed[r.host] = r.err
			}
		case <-timer.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}
	for _, host := range hosts {
		if _, ok := reported[host]; !ok {
			failed[host] = fmt.Errorf("no forward after %s", timeout)
		}
	}

	if len(failed) > 0 {
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
		cancel()

		// Workers that never reported exit on their own once ListenRemote returns.
		stalled := 0
		for _, host := range hosts {
			if _, ok := reported[host]; ok {
				<-done[host]
			} else {
				stalled++
			}
		}
		if stalled > 0 {
			m.logger.Warn().Int("stalled", stalled).Dur("timeout", timeout).Msg("abandoning stalled port forwards")
		}
		return &ForwardError{Failed: failed}
	}

	m.mu.Lock()
	m.workers = workers
	m.mu.Unlock()
	m.logger.Info().Strs("hosts", hosts).Int("port", port).Msg("port forwards open")
	return nil
}

// Close stops every forward and waits for the workers to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel, workers := m.cancel, m.workers
	m.cancel, m.workers = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	for _, exited := range workers {
		<-exited
	}
	m.logger.Debug().Msg("port forwards closed")
}

func splitLocal(hosts []string) (remoteHosts, local []string) {
	for _, host := range hosts {
		if remote.IsLocal(host) {
			local = append(local, host)
		} else {
			remoteHosts = append(remoteHosts, host)
		}
	}
	return remoteHosts, local
}

func (m *Manager) forward(ctx context.Context, host, addr string, ready chan<- readiness, exited chan<- struct{}) {
	defer close(exited)

	var once sync.Once
	signal := func(err error) {
		once.Do(func() {
			ready <- readiness{host: host, err: err}
		})
	}
	defer func() {
		if r := recover(); r != nil {
			signal(fmt.Errorf("forward worker panicked: %v", r))
		}
	}()

	ln, err := m.listener.ListenRemote(ctx, host, addr)
	if err != nil {
		signal(err)
		return
	}
	defer ln.Close()
	if ctx.Err() != nil {
		signal(ctx.Err())
		return
	}

	m.metrics.AddTunnels(1)
	defer m.metrics.AddTunnels(-1)
	signal(nil)

	logger := m.logger.With().Str("host", host).Logger()
	logger.Debug().Str("addr", addr).Msg("remote forward listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("remote forward stopped accepting")
			}
			return
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			m.pipe(ctx, logger, conn, addr)
		}()
	}
}

func (m *Manager) pipe(ctx context.Context, logger zerolog.Logger, remote net.Conn, addr string) {
	defer remote.Close()

	local, err := m.dial(ctx, "tcp", addr)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to reach forward target")
		return
	}
	defer local.Close()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			remote.Close()
			local.Close()
		case <-finished:
		}
	}()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(local, remote)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(remote, local)
		done <- struct{}{}
	}()
	<-done
}
