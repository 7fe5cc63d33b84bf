package main

import (
	"errors"

	"github.com/nholik/cordon/internal/tunnel"
	"github.com/spf13/cobra"
)

func newTunnelCmd(flags *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Forward a local port to the selected hosts until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(a *app) error {
				if a.ssh == nil {
					return errors.New("tunnels need at least one remote host")
				}
				if port == 0 {
					port = a.deploy.Registry.LocalPort
				}
				if port == 0 {
					return errors.New("no port given and registry.local_port is not set")
				}

				spec, err := a.coord.Resolve(flags.hosts, flags.roles)
				if err != nil {
					return err
				}
				manager := tunnel.New(a.logger, a.ssh, tunnel.WithMetrics(a.metrics))
				if err := manager.Open(cmd.Context(), spec.Hosts, port, a.deploy.Registry.TunnelTimeout); err != nil {
					return err
				}
				defer manager.Close()

				<-cmd.Context().Done()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to forward (defaults to registry.local_port)")
	return cmd
}
