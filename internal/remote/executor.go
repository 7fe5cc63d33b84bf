package remote

import (
	"context"
	"fmt"
	"strings"
)

// Executor runs commands on a host.
type Executor interface {
	// Execute runs cmd and fails on a non-zero exit status.
	Execute(ctx context.Context, host string, cmd Command) error

	// Capture runs cmd and returns its trimmed stdout. When raise is false a
	// non-zero exit status is not an error and the captured output is returned.
	Capture(ctx context.Context, host string, cmd Command, raise bool) (string, error)
}

// ExitError reports a command that exited with a non-zero status.
type ExitError struct {
	Host    string
	Command string
	Status  int
	Output  string
}

func (e *ExitError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s: %q exited with status %d: %s", e.Host, e.Command, e.Status, e.Output)
	}
	return fmt.Sprintf("%s: %q exited with status %d", e.Host, e.Command, e.Status)
}

// localHosts are dispatched to the local executor by Dispatch.
var localHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// Dispatch sends loopback hosts to Local and everything else to Remote.
type Dispatch struct {
	Local  Executor
	Remote Executor
}

// Execute implements Executor.
func (d Dispatch) Execute(ctx context.Context, host string, cmd Command) error {
	return d.pick(host).Execute(ctx, host, cmd)
}

// Capture implements Executor.
func (d Dispatch) Capture(ctx context.Context, host string, cmd Command, raise bool) (string, error) {
	return d.pick(host).Capture(ctx, host, cmd, raise)
}

// IsLocal reports whether host names this machine.
func IsLocal(host string) bool {
	_, ok := localHosts[strings.ToLower(host)]
	return ok
}

func (d Dispatch) pick(host string) Executor {
	if IsLocal(host) && d.Local != nil {
		return d.Local
	}
	return d.Remote
}
