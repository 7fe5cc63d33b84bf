package main

import (
	"fmt"
	"time"

	"github.com/nholik/cordon/internal/state"
	"github.com/spf13/cobra"
)

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the last deploy recorded from this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(a *app) error {
				current, err := a.store.Load(cmd.Context())
				if err != nil {
					return err
				}
				snapshot, ok := current.Deploys[state.Key(a.deploy.Service, a.deploy.Destination)]
				out := cmd.OutOrStdout()
				if !ok {
					fmt.Fprintln(out, "No deploy recorded")
					return nil
				}

				result := "succeeded"
				if !snapshot.Succeeded() {
					result = "failed"
				}
				fmt.Fprintf(out, "Version %s %s at %s (%s)\n",
					snapshot.Version, result,
					snapshot.FinishedAt.Format(time.RFC3339),
					snapshot.FinishedAt.Sub(snapshot.StartedAt).Round(time.Second))
				for _, host := range snapshot.Hosts {
					if reason, failed := snapshot.Failed[host]; failed {
						fmt.Fprintf(out, "  %s: %s\n", host, reason)
					}
				}
				return nil
			})
		},
	}
}
