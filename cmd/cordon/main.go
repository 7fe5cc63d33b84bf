package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	deployFile string
	hosts      []string
	roles      []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:          "cordon",
		Short:        "Zero-downtime container deploys over SSH",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.deployFile, "config", "c", "", "deploy file (overrides CORDON_CONFIG)")
	rootCmd.PersistentFlags().StringSliceVar(&flags.hosts, "hosts", nil, "only touch hosts matching these globs")
	rootCmd.PersistentFlags().StringSliceVar(&flags.roles, "roles", nil, "only touch roles matching these globs")

	rootCmd.AddCommand(newDeployCmd(flags))
	rootCmd.AddCommand(newStopCmd(flags))
	rootCmd.AddCommand(newLockCmd(flags))
	rootCmd.AddCommand(newReapCmd(flags))
	rootCmd.AddCommand(newTunnelCmd(flags))
	rootCmd.AddCommand(newHistoryCmd(flags))
	return rootCmd
}

// withApp builds the app for one command run and closes it afterwards.
func withApp(flags *globalFlags, run func(a *app) error) error {
	a, err := newApp(flags.deployFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close connections")
		}
	}()
	return run(a)
}
