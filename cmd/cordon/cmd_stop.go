package main

import (
	"github.com/spf13/cobra"
)

func newStopCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop every running container of the service on the selected hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(a *app) error {
				return a.coord.StopAll(cmd.Context(), flags.hosts)
			})
		},
	}
}
