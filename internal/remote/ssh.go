package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultSSHPort        = 22
	defaultDialTimeout    = 30 * time.Second
	defaultDialMaxElapsed = 30 * time.Second
)

// SSHConfig describes how to reach hosts over SSH.
type SSHConfig struct {
	User           string
	Port           int
	KeyPath        string
	KnownHostsPath string
	DialTimeout    time.Duration
}

// SSHExecutor runs commands over SSH, keeping one client per host.
type SSHExecutor struct {
	logger     zerolog.Logger
	config     *ssh.ClientConfig
	port       int
	maxElapsed time.Duration

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHExecutor builds an executor from the given SSH settings. Keys come from
// KeyPath and, when SSH_AUTH_SOCK is set, the running agent.
func NewSSHExecutor(logger zerolog.Logger, cfg SSHConfig) (*SSHExecutor, error) {
	user := cfg.User
	if user == "" {
		user = "root"
	}
	port := cfg.Port
	if port <= 0 {
		port = defaultSSHPort
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	auth, err := authMethods(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh auth available: set a key path or run an ssh agent")
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeys, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	} else {
		logger.Warn().Msg("known hosts not configured; host keys are not verified")
	}

	return &SSHExecutor{
		logger: logger,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         timeout,
		},
		port:       port,
		maxElapsed: defaultDialMaxElapsed,
		clients:    make(map[string]*ssh.Client),
	}, nil
}

func authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	return methods, nil
}

// Execute implements Executor.
func (e *SSHExecutor) Execute(ctx context.Context, host string, cmd Command) error {
	_, err := e.Capture(ctx, host, cmd, true)
	return err
}

// Capture implements Executor.
func (e *SSHExecutor) Capture(ctx context.Context, host string, cmd Command, raise bool) (string, error) {
	line := cmd.String()
	e.logger.Debug().Str("host", host).Str("command", line).Msg("running command")

	client, err := e.Client(ctx, host)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		e.forget(host, client)
		return "", fmt.Errorf("%s: open session: %w", host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return "", ctx.Err()
	case err = <-done:
	}

	output := strings.TrimSpace(stdout.String())
	if err == nil {
		return output, nil
	}

	var exitErr *ssh.ExitError
	if !errors.As(err, &exitErr) {
		return "", fmt.Errorf("%s: run %q: %w", host, line, err)
	}
	if !raise {
		return output, nil
	}
	return output, &ExitError{
		Host:    host,
		Command: line,
		Status:  exitErr.ExitStatus(),
		Output:  strings.TrimSpace(stderr.String()),
	}
}

// Client returns the cached SSH client for host, dialing with exponential
// backoff when none is open yet.
func (e *SSHExecutor) Client(ctx context.Context, host string) (*ssh.Client, error) {
	e.mu.Lock()
	client, ok := e.clients[host]
	e.mu.Unlock()
	if ok {
		return client, nil
	}

	addr := e.address(host)
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = e.maxElapsed

	err := backoff.RetryNotify(func() error {
		var dialErr error
		client, dialErr = ssh.Dial("tcp", addr, e.config)
		return dialErr
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		e.logger.Warn().Err(err).Str("host", host).Dur("retry_in", wait).Msg("ssh dial failed")
	})
	if err != nil {
		return nil, fmt.Errorf("%s: ssh dial: %w", host, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.clients[host]; ok {
		_ = client.Close()
		return existing, nil
	}
	e.clients[host] = client
	return client, nil
}

// ListenRemote asks host to listen on addr and forward accepted connections
// over the SSH connection. Closing the listener cancels the forward. It
// returns as soon as ctx is done; a listener that comes up afterwards is
// closed.
func (e *SSHExecutor) ListenRemote(ctx context.Context, host, addr string) (net.Listener, error) {
	type result struct {
		ln  net.Listener
		err error
	}
	done := make(chan result, 1)
	go func() {
		client, err := e.Client(ctx, host)
		if err != nil {
			done <- result{err: err}
			return
		}
		ln, err := client.Listen("tcp", addr)
		done <- result{ln: ln, err: err}
	}()

	select {
	case r := <-done:
		return r.ln, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.ln != nil {
				_ = r.ln.Close()
			}
		}()
		return nil, fmt.Errorf("%s: remote forward: %w", host, ctx.Err())
	}
}

// Close closes every cached client.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for host, client := range e.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
		}
		delete(e.clients, host)
	}
	return errors.Join(errs...)
}

func (e *SSHExecutor) forget(host string, client *ssh.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clients[host] == client {
		_ = client.Close()
		delete(e.clients, host)
	}
}

func (e *SSHExecutor) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(e.port))
}
