// Package stopper stops containers off the critical path and reconciles the
// stops it issued: containers that ignored their stop signal past the
// deadline are stopped synchronously and records of containers that are
// gone are dropped.
//
// Records live on the host, so a fresh process picks up where a previous one
// left off. A reconciliation pass assumes exclusive access to the records
// file, which holds while deploys of the service are serialized by the
// deploy lock. Deadlines are compared against the local clock.
package stopper

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/nholik/cordon/internal/metrics"
	"github.com/nholik/cordon/internal/remote"
	"github.com/rs/zerolog"
)

// Commands builds the container commands the stopper needs.
type Commands interface {
	ActiveContainerIDs() remote.Command
	StopAsync(ids ...string) remote.Command
	Stop(ids ...string) remote.Command
}

// Stopper tracks asynchronous stops on a single host.
type Stopper struct {
	logger   zerolog.Logger
	exec     remote.Executor
	commands Commands
	host     string
	path     string
	stopWait time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
}

// Option customizes stopper behavior.
type Option func(*Stopper)

// WithClock overrides the clock used for deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Stopper) {
		s.now = now
	}
}

// WithMetrics reports zombie stops and outstanding records.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stopper) {
		s.metrics = m
	}
}

// New returns a Stopper for host whose records live at recordsPath.
func New(logger zerolog.Logger, exec remote.Executor, commands Commands, host, recordsPath string, stopWait time.Duration, opts ...Option) *Stopper {
	s := &Stopper{
		logger:   logger.With().Str("host", host).Logger(),
		exec:     exec,
		commands: commands,
		host:     host,
		path:     recordsPath,
		stopWait: stopWait,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Host is the host this stopper reconciles.
func (s *Stopper) Host() string {
	return s.host
}

// Stop runs one reconciliation pass: issue async stops for ids, force-stop
// zombies, then drop records of containers that are gone.
func (s *Stopper) Stop(ctx context.Context, ids []string) error {
	if err := s.StopAsyncAndRecordStopTime(ctx, ids); err != nil {
		return err
	}
	if err := s.KillZombieContainers(ctx); err != nil {
		return err
	}
	return s.CleanStopRecords(ctx)
}

// StopAsyncAndRecordStopTime signals every container in ids that has no
// record yet and records a deadline for it. Containers already recorded are
// not signalled again.
func (s *Stopper) StopAsyncAndRecordStopTime(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	records, err := s.Records(ctx)
	if err != nil {
		return err
	}

	var pending []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || recorded(records, id) || containsContainer(pending, id) {
			continue
		}
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		s.logger.Debug().Int("containers", len(ids)).Msg("async stops already issued")
		return nil
	}

	if err := s.exec.Execute(ctx, s.host, s.commands.StopAsync(pending...)); err != nil {
		return fmt.Errorf("issue async stop: %w", err)
	}

	deadline := s.now().Add(s.stopWait).UTC()
	added := make([]Record, 0, len(pending))
	for _, id := range pending {
		added = append(added, Record{ContainerID: id, Deadline: deadline})
	}

	cmd := remote.Combine(
		remote.Cmd("mkdir", "-p", path.Dir(s.path)),
		remote.Cmd("printf", "%s", FormatRecords(added)).AppendTo(s.path),
	)
	if err := s.exec.Execute(ctx, s.host, cmd); err != nil {
		return fmt.Errorf("record async stops: %w", err)
	}

	s.logger.Info().
		Strs("containers", pending).
		Time("deadline", deadline).
		Msg("issued async stop")
	s.metrics.SetStopRecords(s.host, len(records)+len(added))
	return nil
}

// KillZombieContainers synchronously stops every recorded container that is
// still active after its deadline.
func (s *Stopper) KillZombieContainers(ctx context.Context) error {
	records, err := s.Records(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	active, err := s.ActiveContainerIDs(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	var errs []error
	for _, record := range records {
		if !now.After(record.Deadline) || !containsContainer(active, record.ContainerID) {
			continue
		}
		s.logger.Warn().
			Str("container", record.ContainerID).
			Time("deadline", record.Deadline).
			Msg("container still running after async stop deadline, stopping synchronously")
		if err := s.exec.Execute(ctx, s.host, s.commands.Stop(record.ContainerID)); err != nil {
			errs = append(errs, fmt.Errorf("stop zombie %s: %w", record.ContainerID, err))
			continue
		}
		s.metrics.IncZombieStops()
	}
	return errors.Join(errs...)
}

// CleanStopRecords rewrites the records file keeping only containers that
// are still active.
func (s *Stopper) CleanStopRecords(ctx context.Context) error {
	records, err := s.Records(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		s.metrics.SetStopRecords(s.host, 0)
		return nil
	}

	active, err := s.ActiveContainerIDs(ctx)
	if err != nil {
		return err
	}

	kept := make([]Record, 0, len(records))
	for _, record := range records {
		if containsContainer(active, record.ContainerID) {
			kept = append(kept, record)
		}
	}

	cmd := remote.Cmd("printf", "%s", FormatRecords(kept)).WriteTo(s.path)
	if err := s.exec.Execute(ctx, s.host, cmd); err != nil {
		return fmt.Errorf("rewrite stop records: %w", err)
	}

	if removed := len(records) - len(kept); removed > 0 {
		s.logger.Info().Int("removed", removed).Int("remaining", len(kept)).Msg("cleaned stop records")
	}
	s.metrics.SetStopRecords(s.host, len(kept))
	return nil
}

// Records reads the records file. A missing file has no records.
func (s *Stopper) Records(ctx context.Context) ([]Record, error) {
	out, err := s.exec.Capture(ctx, s.host, remote.Cmd("cat", s.path), false)
	if err != nil {
		return nil, fmt.Errorf("read stop records: %w", err)
	}
	records, malformed := ParseRecords(out)
	for _, line := range malformed {
		s.logger.Warn().Str("line", line).Msg("ignoring malformed stop record")
	}
	return records, nil
}

// ActiveContainerIDs lists running containers of the service on the host.
func (s *Stopper) ActiveContainerIDs(ctx context.Context) ([]string, error) {
	out, err := s.exec.Capture(ctx, s.host, s.commands.ActiveContainerIDs(), true)
	if err != nil {
		return nil, fmt.Errorf("list active containers: %w", err)
	}
	return strings.Fields(out), nil
}
