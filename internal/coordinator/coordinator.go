// Package coordinator drives a deploy across the fleet: it resolves which
// hosts and roles to touch, takes the deploy lock on the primary host,
// reconciles outstanding async stops, then rolls each role out with the
// primary host first and the remaining hosts in bounded parallel batches.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/nholik/cordon/internal/audit"
	"github.com/nholik/cordon/internal/config"
	"github.com/nholik/cordon/internal/docker"
	"github.com/nholik/cordon/internal/lifecycle"
	"github.com/nholik/cordon/internal/lock"
	"github.com/nholik/cordon/internal/metrics"
	"github.com/nholik/cordon/internal/notify"
	"github.com/nholik/cordon/internal/proxy"
	"github.com/nholik/cordon/internal/remote"
	"github.com/nholik/cordon/internal/runner"
	"github.com/nholik/cordon/internal/specifics"
	"github.com/nholik/cordon/internal/state"
	"github.com/nholik/cordon/internal/stopper"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Deployer rolls one role out on one host.
type Deployer interface {
	Role() string
	Deploy(ctx context.Context, host, version string) error
}

// Locker guards a deploy of the service.
type Locker interface {
	Acquire(ctx context.Context, message, version string) error
	Release(ctx context.Context) error
}

// HostStopper issues and reconciles async stops on one host.
type HostStopper interface {
	runner.Reaper
	ActiveContainerIDs(ctx context.Context) ([]string, error)
}

// Tunnels forwards a local port to every host while a deploy runs.
type Tunnels interface {
	Open(ctx context.Context, hosts []string, port int, timeout time.Duration) error
	Close()
}

// Recorder stores the outcome of a deploy.
type Recorder interface {
	RecordDeploy(ctx context.Context, key string, snapshot state.DeploySnapshot) error
}

// Auditor records deploy actions and keeps them for the run summary.
type Auditor interface {
	lifecycle.Auditor
	Events() []notify.Event
	Flush(ctx context.Context) error
}

// Report summarizes a fleet deploy.
type Report struct {
	Version    string
	Hosts      []string
	Roles      []string
	Failed     map[string]error
	Skipped    []string
	Audit      []string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Err joins every host failure, or returns nil when the deploy succeeded.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, host := range r.Hosts {
		if err, ok := r.Failed[host]; ok {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Report) fail(host string, err error) {
	r.Failed[host] = errors.Join(r.Failed[host], err)
}

// Snapshot converts the report into its stored form.
func (r Report) Snapshot() state.DeploySnapshot {
	snapshot := state.DeploySnapshot{
		Version:    r.Version,
		Hosts:      r.Hosts,
		Audit:      r.Audit,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	if len(r.Failed) > 0 {
		snapshot.Failed = make(map[string]string, len(r.Failed))
		for host, err := range r.Failed {
			snapshot.Failed[host] = err.Error()
		}
	}
	return snapshot
}

// Coordinator runs fleet operations for one service.
type Coordinator struct {
	logger   zerolog.Logger
	deploy   config.Deploy
	exec     remote.Executor
	audit    Auditor
	metrics  *metrics.Metrics
	tunnels  Tunnels
	recorder Recorder
	now      func() time.Time

	newDeployer func(role config.Role) Deployer
	newStopper  func(host string) HostStopper
	newLock     func(host string) Locker

	statusOnce sync.Once
	status     *docker.HostClients
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithMetrics records deploy, lock and stopper metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTunnels forwards the registry port to every host during deploys.
func WithTunnels(t Tunnels) Option {
	return func(c *Coordinator) {
		c.tunnels = t
	}
}

// WithRecorder stores every deploy report.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = r
	}
}

// WithClock overrides the report clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithDeployerFactory overrides how role deployers are built.
func WithDeployerFactory(fn func(role config.Role) Deployer) Option {
	return func(c *Coordinator) {
		c.newDeployer = fn
	}
}

// WithStopperFactory overrides how host stoppers are built.
func WithStopperFactory(fn func(host string) HostStopper) Option {
	return func(c *Coordinator) {
		c.newStopper = fn
	}
}

// WithLockFactory overrides how the deploy lock is built.
func WithLockFactory(fn func(host string) Locker) Option {
	return func(c *Coordinator) {
		c.newLock = fn
	}
}

// New constructs a Coordinator for the service described by deploy.
func New(logger zerolog.Logger, deploy config.Deploy, exec remote.Executor, auditor Auditor, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger: logger.With().Str("service", deploy.Service).Logger(),
		deploy: deploy,
		exec:   exec,
		audit:  auditor,
		now:    time.Now,
	}
	c.newDeployer = c.defaultDeployer
	c.newStopper = func(host string) HostStopper { return c.Stopper(host) }
	c.newLock = func(host string) Locker { return c.Lock(host) }

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve selects and orders the hosts and roles matching the filters.
func (c *Coordinator) Resolve(hostFilter, roleFilter []string) (specifics.Specifics, error) {
	cfg := specifics.Config{PrimaryRole: c.deploy.PrimaryRole}
	for _, role := range c.deploy.Roles {
		cfg.Roles = append(cfg.Roles, specifics.Role{
			Name:   role.Name,
			Hosts:  role.Hosts,
			Cord:   role.Cord,
			Assets: role.AssetsPath != "",
		})
	}
	return specifics.Resolve(cfg, hostFilter, roleFilter)
}

// Deploy rolls version out to the selected hosts and roles. Host failures
// are collected in the report; the returned error joins them. A held lock or
// a failed tunnel aborts before any host is touched.
func (c *Coordinator) Deploy(ctx context.Context, version string, hostFilter, roleFilter []string) (Report, error) {
	spec, err := c.Resolve(hostFilter, roleFilter)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		Version:   version,
		Hosts:     spec.Hosts,
		Failed:    map[string]error{},
		StartedAt: c.now().UTC(),
	}
	for _, role := range spec.Roles {
		report.Roles = append(report.Roles, role.Name)
	}

	logger := c.logger.With().Str("version", version).Logger()
	locker := c.newLock(spec.PrimaryHost)
	if err := locker.Acquire(ctx, fmt.Sprintf("Deploying %s", version), version); err != nil {
		return report, fmt.Errorf("acquire deploy lock on %s: %w", spec.PrimaryHost, err)
	}
	defer func() {
		if err := locker.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Error().Err(err).Str("host", spec.PrimaryHost).Msg("failed to release deploy lock")
		}
	}()
	defer c.flushAudit(ctx)

	c.audit.Record(ctx, spec.PrimaryHost, fmt.Sprintf("Deploying %s to %s", version, strings.Join(spec.Hosts, ", ")))
	c.reconcile(ctx, spec.Hosts)

	if c.tunnels != nil && c.deploy.Registry.LocalPort > 0 {
		if err := c.tunnels.Open(ctx, spec.Hosts, c.deploy.Registry.LocalPort, c.deploy.Registry.TunnelTimeout); err != nil {
			return report, fmt.Errorf("open registry tunnels: %w", err)
		}
		defer c.tunnels.Close()
	}

	for i, role := range spec.Roles {
		if err := c.deployRole(ctx, logger, role, spec.PrimaryHost, version, &report); err != nil {
			for _, rest := range spec.Roles[i+1:] {
				report.Skipped = append(report.Skipped, rest.Name)
			}
			logger.Error().Err(err).Strs("skipped_roles", report.Skipped).Msg("stopping rollout")
			break
		}
	}

	c.reconcile(ctx, spec.Hosts)

	report.FinishedAt = c.now().UTC()
	for _, event := range c.audit.Events() {
		report.Audit = append(report.Audit, audit.Line(event))
	}
	if c.recorder != nil {
		key := state.Key(c.deploy.Service, c.deploy.Destination)
		if err := c.recorder.RecordDeploy(ctx, key, report.Snapshot()); err != nil {
			logger.Warn().Err(err).Msg("failed to record deploy")
		}
	}
	return report, report.Err()
}

func (c *Coordinator) flushAudit(ctx context.Context) {
	if err := c.audit.Flush(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn().Err(err).Msg("failed to broadcast audit events")
	}
}

// deployRole deploys the role's first host alone, then the rest within the
// boot limit. A failure on the first host is returned and leaves the rest
// untouched; failures on the rest are only recorded.
func (c *Coordinator) deployRole(ctx context.Context, logger zerolog.Logger, role specifics.Role, primaryHost, version string, report *Report) error {
	cfgRole, ok := c.roleConfig(role.Name)
	if !ok {
		return fmt.Errorf("role %q is not configured", role.Name)
	}
	deployer := c.newDeployer(cfgRole)

	first, rest := splitFirst(role.Hosts, primaryHost)
	if first == "" {
		return nil
	}
	if err := deployer.Deploy(ctx, first, version); err != nil {
		report.fail(first, err)
		return err
	}

	limit, err := c.deploy.BootLimit(len(rest))
	if err != nil {
		return err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, host := range rest {
		g.Go(func() error {
			if err := deployer.Deploy(gctx, host, version); err != nil {
				logger.Error().Err(err).Str("host", host).Str("role", role.Name).Msg("host deploy failed")
				mu.Lock()
				report.fail(host, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// StopAll issues async stops for every active container of the service on
// the selected hosts, then reconciles.
func (c *Coordinator) StopAll(ctx context.Context, hostFilter []string) error {
	spec, err := c.Resolve(hostFilter, nil)
	if err != nil {
		return err
	}

	locker := c.newLock(spec.PrimaryHost)
	if err := locker.Acquire(ctx, "Stopping all containers", ""); err != nil {
		return fmt.Errorf("acquire deploy lock on %s: %w", spec.PrimaryHost, err)
	}
	defer func() {
		if err := locker.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error().Err(err).Str("host", spec.PrimaryHost).Msg("failed to release deploy lock")
		}
	}()
	defer c.flushAudit(ctx)

	var mu sync.Mutex
	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	for _, host := range spec.Hosts {
		g.Go(func() error {
			if err := c.stopHost(gctx, host); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", host, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (c *Coordinator) stopHost(ctx context.Context, host string) error {
	st := c.newStopper(host)
	ids, err := st.ActiveContainerIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		c.audit.Record(ctx, host, fmt.Sprintf("Stopping %d container(s) on %s", len(ids), host))
	}
	return st.Stop(ctx, ids)
}

// Reapers returns a stopper for every configured host.
func (c *Coordinator) Reapers() []runner.Reaper {
	hosts := c.deploy.Hosts()
	reapers := make([]runner.Reaper, 0, len(hosts))
	for _, host := range hosts {
		reapers = append(reapers, c.newStopper(host))
	}
	return reapers
}

func (c *Coordinator) reconcile(ctx context.Context, hosts []string) {
	reapers := make([]runner.Reaper, 0, len(hosts))
	for _, host := range hosts {
		reapers = append(reapers, c.newStopper(host))
	}
	result := runner.Reconcile(ctx, c.logger, reapers, 0)
	if err := result.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("reconcile before continuing failed on some hosts")
	}
}

// Lock is the deploy lock of the service held on host.
func (c *Coordinator) Lock(host string) *lock.Lock {
	dir := lock.Dir(c.deploy.RunDirectory, c.deploy.Service, c.deploy.Destination)
	return lock.New(c.logger, c.exec, host, dir, lock.WithMetrics(c.metrics))
}

// Stopper is the async stopper of the service on host.
func (c *Coordinator) Stopper(host string) *stopper.Stopper {
	app := docker.NewAppCommands(AppFor(c.deploy, c.deploy.Roles[0]))
	records := stopper.RecordsPath(c.deploy.RunDirectory, c.deploy.Service, c.deploy.Destination)
	return stopper.New(c.logger, c.exec, app, host, records, c.deploy.StopWaitTime, stopper.WithMetrics(c.metrics))
}

// Close releases Engine API clients opened for status checks.
func (c *Coordinator) Close() error {
	if c.status == nil {
		return nil
	}
	return c.status.Close()
}

func (c *Coordinator) defaultDeployer(role config.Role) Deployer {
	app := docker.NewAppCommands(AppFor(c.deploy, role))

	opts := []lifecycle.Option{lifecycle.WithMetrics(c.metrics)}
	if c.deploy.Proxy.Enabled() {
		opts = append(opts, lifecycle.WithProxy(proxy.New(c.logger, c.exec, proxy.Config{
			Name:       app.ContainerPrefix(),
			URL:        c.deploy.Proxy.URL,
			ConfigPath: ProxyConfigPath(c.deploy.Proxy.ConfigPath, role.Name, len(c.deploy.Roles) > 1),
			AppPort:    c.deploy.Proxy.AppPort,
		})))
	}
	if c.deploy.DockerAPI.Port > 0 {
		c.statusOnce.Do(func() {
			c.status = docker.NewHostClients(c.deploy.DockerAPI.Port, c.deploy.DockerAPI.Timeout)
		})
		opts = append(opts, lifecycle.WithStatusFunc(c.status.ContainerStatus))
	}

	return lifecycle.New(c.logger, c.exec, app, c.audit, lifecycle.Config{
		Role:           role.Name,
		Cord:           role.Cord,
		DeployTimeout:  c.deploy.DeployTimeout,
		DrainTimeout:   c.deploy.DrainTimeout,
		ReadinessDelay: c.deploy.ReadinessDelay,
		ProxyAttempts:  c.deploy.Proxy.RunIDAttempts,
	}, opts...)
}

func (c *Coordinator) roleConfig(name string) (config.Role, bool) {
	for _, role := range c.deploy.Roles {
		if role.Name == name {
			return role, true
		}
	}
	return config.Role{}, false
}

// AppFor describes how role of deploy runs on a host.
func AppFor(deploy config.Deploy, role config.Role) docker.App {
	return docker.App{
		Service:      deploy.Service,
		Destination:  deploy.Destination,
		Role:         role.Name,
		Image:        deploy.Image,
		Cmd:          role.Cmd,
		Env:          role.Env,
		Publish:      role.Publish,
		Network:      deploy.Network,
		HealthCmd:    role.HealthCmd,
		AssetsPath:   role.AssetsPath,
		RunDirectory: deploy.RunDirectory,
		StopTimeout:  deploy.StopWaitTime,
	}
}

// ProxyConfigPath gives each role its own routing file when several roles
// share one proxy: "dynamic/app.yml" becomes "dynamic/app-web.yml".
func ProxyConfigPath(configPath, role string, perRole bool) string {
	if !perRole {
		return configPath
	}
	ext := path.Ext(configPath)
	return strings.TrimSuffix(configPath, ext) + "-" + role + ext
}

// splitFirst orders hosts with preferred first when present.
func splitFirst(hosts []string, preferred string) (string, []string) {
	if len(hosts) == 0 {
		return "", nil
	}
	for i, host := range hosts {
		if host == preferred {
			rest := make([]string, 0, len(hosts)-1)
			rest = append(rest, hosts[:i]...)
			return host, append(rest, hosts[i+1:]...)
		}
	}
	return hosts[0], hosts[1:]
}
