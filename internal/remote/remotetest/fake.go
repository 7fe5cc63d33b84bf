// Package remotetest provides an in-memory remote.Executor for tests.
package remotetest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/nholik/cordon/internal/remote"
)

// Handler answers a command run on host.
type Handler func(host string, cmd remote.Command) (string, error)

// Call is a recorded command.
type Call struct {
	Host    string
	Command string
}

// Fake records every command and answers through a Handler.
type Fake struct {
	mu      sync.Mutex
	calls   []Call
	handler Handler
}

// New returns a Fake. A nil handler succeeds with empty output.
func New(handler Handler) *Fake {
	if handler == nil {
		handler = func(string, remote.Command) (string, error) { return "", nil }
	}
	return &Fake{handler: handler}
}

// Execute implements remote.Executor.
func (f *Fake) Execute(ctx context.Context, host string, cmd remote.Command) error {
	_, err := f.Capture(ctx, host, cmd, true)
	return err
}

// Capture implements remote.Executor.
func (f *Fake) Capture(_ context.Context, host string, cmd remote.Command, raise bool) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Host: host, Command: cmd.String()})
	handler := f.handler
	f.mu.Unlock()

	out, err := handler(host, cmd)
	var exitErr *remote.ExitError
	if err != nil && !raise && errors.As(err, &exitErr) {
		return out, nil
	}
	return out, err
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Matching returns the recorded command lines containing substr.
func (f *Fake) Matching(substr string) []string {
	var out []string
	for _, call := range f.Calls() {
		if strings.Contains(call.Command, substr) {
			out = append(out, call.Command)
		}
	}
	return out
}

// Exit builds the error a failing command returns.
func Exit(host string, cmd remote.Command, status int) error {
	return &remote.ExitError{Host: host, Command: cmd.String(), Status: status}
}
