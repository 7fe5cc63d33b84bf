package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeployCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy [version]",
		Short: "Roll a version out to the selected hosts and roles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(a *app) error {
				report, err := a.coord.Deploy(cmd.Context(), args[0], flags.hosts, flags.roles)
				out := cmd.OutOrStdout()
				for _, line := range report.Audit {
					fmt.Fprintln(out, line)
				}
				for _, role := range report.Skipped {
					fmt.Fprintf(out, "Skipped role %s\n", role)
				}
				for _, host := range report.Hosts {
					if hostErr, ok := report.Failed[host]; ok {
						fmt.Fprintf(out, "Failed on %s: %v\n", host, hostErr)
					}
				}
				return err
			})
		},
	}
}
