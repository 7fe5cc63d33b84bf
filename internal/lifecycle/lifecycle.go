// Package lifecycle rolls one role on one host from the version it serves to
// a new one: rename a clashing container, boot the new version and wait for
// it to become healthy, switch the proxy, drain and stop the old version,
// then clean up. Boot failures are fatal for the host; everything after the
// new version is live is best effort.
package lifecycle

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/cordon/internal/docker"
	"github.com/nholik/cordon/internal/healthcheck"
	"github.com/nholik/cordon/internal/metrics"
	"github.com/nholik/cordon/internal/remote"
	"github.com/rs/zerolog"
)

const maxHostnamePrefix = 51

// State is a step of a host deploy.
type State string

const (
	StateIdle              State = "idle"
	StateRenamedIfClashing State = "renamed_if_clashing"
	StateBooted            State = "booted"
	StateAwaitingHealthy   State = "awaiting_healthy"
	StateDraining          State = "draining"
	StateAwaitingUnhealthy State = "awaiting_unhealthy"
	StateStoppedOld        State = "stopped_old"
	StateDone              State = "done"
)

// Auditor records deploy actions.
type Auditor interface {
	Record(ctx context.Context, host, message string)
}

// Switcher points a host's proxy at a container.
type Switcher interface {
	Publish(ctx context.Context, host, container, runID string) error
	Observe(ctx context.Context, host string) (string, error)
}

// StatusFunc reports the status of a named container on host.
type StatusFunc func(ctx context.Context, host, container string) (string, error)

// Config holds per role deploy settings.
type Config struct {
	Role           string
	Cord           bool
	DeployTimeout  time.Duration
	DrainTimeout   time.Duration
	ReadinessDelay time.Duration
	ProxyAttempts  int
}

// HostError is a fatal deploy failure of a role on a host.
type HostError struct {
	Host string
	Role string
	Err  error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("deploy %s on %s: %v", e.Role, e.Host, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// Deployer runs host deploys of one role. Deploys on different hosts may run
// concurrently; steps of one host deploy run in order.
type Deployer struct {
	logger   zerolog.Logger
	exec     remote.Executor
	app      *docker.AppCommands
	audit    Auditor
	cfg      Config
	proxy    Switcher
	status   StatusFunc
	metrics  *metrics.Metrics
	sleep    func(time.Duration)
	now      func() time.Time
	suffix   func() string
	runID    func() string
	boot     *healthcheck.Poller
	drain    *healthcheck.Poller
	switcher *healthcheck.Poller
}

// Option customizes a Deployer.
type Option func(*Deployer)

// WithProxy switches the proxy to every new version before the old one is
// drained.
func WithProxy(s Switcher) Option {
	return func(d *Deployer) {
		d.proxy = s
	}
}

// WithStatusFunc reads container status from somewhere other than the
// docker CLI, such as the Engine API.
func WithStatusFunc(fn StatusFunc) Option {
	return func(d *Deployer) {
		d.status = fn
	}
}

// WithMetrics records deploy durations and poll attempts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Deployer) {
		d.metrics = m
	}
}

// WithSleep overrides the poll sleep.
func WithSleep(sleep func(time.Duration)) Option {
	return func(d *Deployer) {
		d.sleep = sleep
	}
}

// WithClock overrides the poll clock.
func WithClock(now func() time.Time) Option {
	return func(d *Deployer) {
		d.now = now
	}
}

// WithSuffix overrides the random suffix used for hostnames, renamed
// containers and cord directories.
func WithSuffix(suffix func() string) Option {
	return func(d *Deployer) {
		d.suffix = suffix
	}
}

// WithRunID overrides the proxy run id generator.
func WithRunID(runID func() string) Option {
	return func(d *Deployer) {
		d.runID = runID
	}
}

// New returns a Deployer for the role app belongs to.
func New(logger zerolog.Logger, exec remote.Executor, app *docker.AppCommands, auditor Auditor, cfg Config, opts ...Option) *Deployer {
	d := &Deployer{
		logger: logger.With().Str("role", cfg.Role).Logger(),
		exec:   exec,
		app:    app,
		audit:  auditor,
		cfg:    cfg,
		sleep:  time.Sleep,
		now:    time.Now,
		suffix: randomSuffix,
		runID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}

	pollOpts := []healthcheck.Option{
		healthcheck.WithSleep(d.sleep),
		healthcheck.WithClock(d.now),
		healthcheck.WithObserver(d.metrics.IncHealthcheckAttempts),
	}
	d.boot = healthcheck.New(d.logger, cfg.DeployTimeout, cfg.ReadinessDelay, pollOpts...)
	d.drain = healthcheck.New(d.logger, cfg.DrainTimeout, cfg.ReadinessDelay, pollOpts...)
	d.switcher = healthcheck.New(d.logger, 0, 0, pollOpts...)
	return d
}

// Role is the role this deployer rolls out.
func (d *Deployer) Role() string {
	return d.cfg.Role
}

// Deploy rolls host to version. A returned error is always a *HostError.
func (d *Deployer) Deploy(ctx context.Context, host, version string) error {
	start := d.now()
	err := d.run(ctx, host, version)
	d.metrics.ObserveDeploy(d.cfg.Role, d.now().Sub(start), err)
	if err != nil {
		return &HostError{Host: host, Role: d.cfg.Role, Err: err}
	}
	return nil
}

func (d *Deployer) run(ctx context.Context, host, version string) error {
	logger := d.logger.With().Str("host", host).Str("version", version).Logger()
	state := func(s State) {
		logger.Debug().Str("state", string(s)).Msg("deploy state")
	}

	state(StateIdle)
	oldVersion, err := d.renameIfClashing(ctx, host, version)
	if err != nil {
		return err
	}
	state(StateRenamedIfClashing)

	if err := d.startNewVersion(ctx, logger, host, version, state); err != nil {
		return err
	}

	if d.proxy != nil {
		if err := d.switchProxy(ctx, logger, host, version); err != nil {
			return err
		}
	}

	if oldVersion != "" && oldVersion != version {
		d.stopOldVersion(ctx, logger, host, oldVersion, state)
	}
	state(StateStoppedOld)

	d.cleanUpAssets(ctx, logger, host, version)
	state(StateDone)
	return nil
}

// renameIfClashing moves a container already named for version out of the
// way and returns the version currently serving, if any.
func (d *Deployer) renameIfClashing(ctx context.Context, host, version string) (string, error) {
	ids, err := d.exec.Capture(ctx, host, d.app.ContainerIDs(version), false)
	if err != nil {
		return "", fmt.Errorf("look up containers for %s: %w", version, err)
	}
	if strings.TrimSpace(ids) != "" {
		renamed := fmt.Sprintf("%s_replaced_%s", version, d.suffix())
		d.audit.Record(ctx, host, fmt.Sprintf("Renaming container %s to %s as already deployed on %s", version, renamed, host))
		if err := d.exec.Execute(ctx, host, d.app.Rename(version, renamed)); err != nil {
			return "", fmt.Errorf("rename clashing container: %w", err)
		}
	}

	name, err := d.exec.Capture(ctx, host, d.app.CurrentRunningContainer(), false)
	if err != nil {
		return "", fmt.Errorf("look up running version: %w", err)
	}
	old, _ := d.app.VersionFromName(strings.TrimSpace(name))
	return old, nil
}

func (d *Deployer) startNewVersion(ctx context.Context, logger zerolog.Logger, host, version string, state func(State)) error {
	suffix := d.suffix()

	if d.app.UsesAssets() {
		if err := d.exec.Execute(ctx, host, d.app.ExtractAssets(version)); err != nil {
			return fmt.Errorf("extract assets: %w", err)
		}
	}

	var cordDir string
	if d.cfg.Cord {
		cordDir = path.Join(d.app.CordsDir(), version+"-"+suffix)
		if err := d.exec.Execute(ctx, host, d.app.TieCord(cordDir)); err != nil {
			return fmt.Errorf("tie cord: %w", err)
		}
	}

	if err := d.exec.Execute(ctx, host, d.app.Run(version, hostname(host, suffix), cordDir)); err != nil {
		return fmt.Errorf("boot %s: %w", version, err)
	}
	d.audit.Record(ctx, host, fmt.Sprintf("Booted app version %s on %s", version, host))
	state(StateBooted)

	state(StateAwaitingHealthy)
	if err := d.boot.WaitForHealthy(ctx, true, d.statusFunc(host, version)); err != nil {
		logger.Error().Err(err).Msg("new version failed to become healthy, stopping it")
		if stopErr := d.exec.Execute(ctx, host, d.app.Stop(d.app.ContainerName(version))); stopErr != nil {
			logger.Warn().Err(stopErr).Msg("failed to stop unhealthy container")
		}
		return fmt.Errorf("healthcheck %s: %w", version, err)
	}
	d.audit.Record(ctx, host, fmt.Sprintf("App version %s is healthy on %s", version, host))
	return nil
}

func (d *Deployer) switchProxy(ctx context.Context, logger zerolog.Logger, host, version string) error {
	runID := d.runID()
	if err := d.proxy.Publish(ctx, host, d.app.ContainerName(version), runID); err != nil {
		return err
	}

	observe := func(ctx context.Context) (string, error) {
		return d.proxy.Observe(ctx, host)
	}
	if err := d.switcher.WaitForValue(ctx, d.cfg.ProxyAttempts, runID, observe); err != nil {
		return fmt.Errorf("proxy did not pick up %s: %w", version, err)
	}
	logger.Info().Str("run_id", runID).Msg("proxy switched to new version")
	return nil
}

// stopOldVersion drains and stops old. Failures are logged, never returned.
func (d *Deployer) stopOldVersion(ctx context.Context, logger zerolog.Logger, host, old string, state func(State)) {
	logger = logger.With().Str("old_version", old).Logger()

	var cordDir string
	if d.cfg.Cord {
		mounts, err := d.exec.Capture(ctx, host, d.app.Mounts(old), false)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to read old container mounts")
		}
		if dir, ok := docker.CordDirFromMounts(mounts); ok {
			cordDir = dir
			state(StateDraining)
			if err := d.exec.Execute(ctx, host, d.app.CutCord(dir)); err != nil {
				logger.Warn().Err(err).Msg("failed to cut cord")
			} else {
				state(StateAwaitingUnhealthy)
				if err := d.drain.WaitForUnhealthy(ctx, d.statusFunc(host, old)); err != nil {
					logger.Warn().Err(err).Msg("old version still ready after drain timeout, stopping anyway")
				}
			}
		}
	}

	if err := d.exec.Execute(ctx, host, d.app.Stop(d.app.ContainerName(old))); err != nil {
		logger.Warn().Err(err).Msg("failed to stop old version")
	} else {
		d.audit.Record(ctx, host, fmt.Sprintf("Stopped app version %s on %s", old, host))
	}

	if cordDir != "" {
		if err := d.exec.Execute(ctx, host, d.app.RemoveCordDir(cordDir)); err != nil {
			logger.Warn().Err(err).Msg("failed to remove old cord")
		}
	}
}

// cleanUpAssets removes extracted assets of every version but the live one.
func (d *Deployer) cleanUpAssets(ctx context.Context, logger zerolog.Logger, host, version string) {
	if !d.app.UsesAssets() {
		return
	}

	out, err := d.exec.Capture(ctx, host, d.app.ListAssetDirs(), false)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list asset directories")
		return
	}

	prefix := d.app.ContainerPrefix() + "-"
	live := d.app.ContainerName(version)
	for _, name := range strings.Fields(out) {
		if !strings.HasPrefix(name, prefix) || name == live {
			continue
		}
		if err := d.exec.Execute(ctx, host, d.app.RemoveAssetDir(name)); err != nil {
			logger.Warn().Err(err).Str("assets", name).Msg("failed to remove asset directory")
		}
	}
}

func (d *Deployer) statusFunc(host, version string) healthcheck.StatusFunc {
	container := d.app.ContainerName(version)
	if d.status != nil {
		return func(ctx context.Context) (string, error) {
			return d.status(ctx, host, container)
		}
	}
	return func(ctx context.Context) (string, error) {
		return d.exec.Capture(ctx, host, d.app.Status(version), true)
	}
}

// hostname keeps container hostnames unique across repeated deploys of the
// same version.
func hostname(host, suffix string) string {
	if len(host) > maxHostnamePrefix {
		host = host[:maxHostnamePrefix]
	}
	host = strings.TrimSuffix(host, ".")
	if len(suffix) > 12 {
		suffix = suffix[:12]
	}
	return host + "-" + suffix
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
