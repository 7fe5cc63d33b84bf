package main

import (
	"github.com/nholik/cordon/internal/runner"
	"github.com/nholik/cordon/internal/server"
	"github.com/spf13/cobra"
)

func newReapCmd(flags *globalFlags) *cobra.Command {
	var once bool
	var concurrency int
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Force-stop containers that ignored their async stop and prune stop records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(a *app) error {
				tracker := server.NewTracker()
				r := runner.New(a.logger, a.cfg.PollInterval,
					runner.WithReapers(a.coord.Reapers()...),
					runner.WithConcurrency(concurrency),
					runner.WithTracker(tracker),
					runner.WithMetrics(a.metrics),
				)
				if once {
					return r.RunOnce(cmd.Context())
				}

				server.Start(cmd.Context(), a.logger, a.cfg.PollInterval, tracker, a.metrics, a.cfg.HealthPort, a.cfg.MetricsPort)
				a.logger.Info().Dur("poll_interval", a.cfg.PollInterval).Msg("reaper starting")
				return r.Run(cmd.Context())
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "hosts reconciled at once (0 means all)")
	return cmd
}
