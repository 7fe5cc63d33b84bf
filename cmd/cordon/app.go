package main

import (
	"errors"
	"fmt"

	"github.com/nholik/cordon/internal/audit"
	"github.com/nholik/cordon/internal/config"
	"github.com/nholik/cordon/internal/coordinator"
	"github.com/nholik/cordon/internal/logging"
	"github.com/nholik/cordon/internal/metrics"
	"github.com/nholik/cordon/internal/notify"
	"github.com/nholik/cordon/internal/remote"
	"github.com/nholik/cordon/internal/state"
	"github.com/nholik/cordon/internal/tunnel"
	"github.com/rs/zerolog"
)

// app holds everything a command needs, built once per invocation.
type app struct {
	logger  zerolog.Logger
	cfg     config.Config
	deploy  config.Deploy
	exec    remote.Executor
	ssh     *remote.SSHExecutor
	metrics *metrics.Metrics
	auditor *audit.Auditor
	store   *state.FileStore
	coord   *coordinator.Coordinator
}

func newApp(deployFile string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if deployFile != "" {
		cfg.DeployFile = deployFile
	}

	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	deploy, err := config.LoadDeployFile(cfg.DeployFile)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("service", deploy.Service).Logger()

	a := &app{
		logger:  logger,
		cfg:     cfg,
		deploy:  deploy,
		metrics: metrics.New(),
		store:   state.NewFileStore(cfg.StateFile, logger),
	}

	dispatch := remote.Dispatch{Local: remote.NewLocalExecutor(logger)}
	if needsSSH(deploy.Hosts()) {
		a.ssh, err = remote.NewSSHExecutor(logger, remote.SSHConfig{
			User:           deploy.SSH.User,
			Port:           deploy.SSH.Port,
			KeyPath:        cfg.SSHKey,
			KnownHostsPath: cfg.SSHKnownHosts,
		})
		if err != nil {
			return nil, fmt.Errorf("configure ssh: %w", err)
		}
		dispatch.Remote = a.ssh
	}
	a.exec = dispatch

	notifier, err := buildNotifier(logger, cfg)
	if err != nil {
		return nil, err
	}
	a.auditor = audit.New(logger, a.exec, deploy.Service,
		audit.Path(deploy.RunDirectory, deploy.Service, deploy.Destination),
		audit.WithNotifier(notifier),
	)

	opts := []coordinator.Option{
		coordinator.WithMetrics(a.metrics),
		coordinator.WithRecorder(a.store),
	}
	if a.ssh != nil && deploy.Registry.LocalPort > 0 {
		opts = append(opts, coordinator.WithTunnels(tunnel.New(logger, a.ssh, tunnel.WithMetrics(a.metrics))))
	}
	a.coord = coordinator.New(logger, deploy, a.exec, a.auditor, opts...)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	errs = append(errs, a.coord.Close())
	if a.ssh != nil {
		errs = append(errs, a.ssh.Close())
	}
	return errors.Join(errs...)
}

func buildNotifier(logger zerolog.Logger, cfg config.Config) (notify.Notifier, error) {
	webhook, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTemplate)
	if err != nil {
		return nil, err
	}
	multi := notify.NewMultiNotifier(
		notify.NewSlackNotifier(logger, cfg.SlackWebhookURL),
		webhook,
	)
	var notifier notify.Notifier = multi
	if multi.Len() == 0 {
		logger.Debug().Msg("no notification backends configured")
		notifier = notify.Discard
	}
	if cfg.DryRun {
		notifier = notify.NewDryRunNotifier(logger, notifier)
	}
	return notifier, nil
}

func needsSSH(hosts []string) bool {
	for _, host := range hosts {
		if !remote.IsLocal(host) {
			return true
		}
	}
	return false
}
