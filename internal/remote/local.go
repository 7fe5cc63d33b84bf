package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// LocalExecutor runs commands through the local shell.
type LocalExecutor struct {
	logger zerolog.Logger
	shell  string
}

// NewLocalExecutor returns an executor backed by /bin/sh.
func NewLocalExecutor(logger zerolog.Logger) *LocalExecutor {
	return &LocalExecutor{logger: logger, shell: "/bin/sh"}
}

// Execute implements Executor.
func (e *LocalExecutor) Execute(ctx context.Context, host string, cmd Command) error {
	_, err := e.Capture(ctx, host, cmd, true)
	return err
}

// Capture implements Executor.
func (e *LocalExecutor) Capture(ctx context.Context, host string, cmd Command, raise bool) (string, error) {
	line := cmd.String()
	e.logger.Debug().Str("host", host).Str("command", line).Msg("running command")

	var stdout, stderr bytes.Buffer
	proc := exec.CommandContext(ctx, e.shell, "-c", line)
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	output := strings.TrimSpace(stdout.String())
	if err == nil {
		return output, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return "", err
	}
	if !raise {
		return output, nil
	}
	return output, &ExitError{
		Host:    host,
		Command: line,
		Status:  exitErr.ExitCode(),
		Output:  strings.TrimSpace(stderr.String()),
	}
}
