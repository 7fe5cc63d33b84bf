package main

import (
	"fmt"

	"github.com/nholik/cordon/internal/lock"
	"github.com/spf13/cobra"
)

func newLockCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Manage the deploy lock on the primary host",
	}

	var message string
	acquireCmd := &cobra.Command{
		Use:   "acquire",
		Short: "Take the deploy lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrimaryLock(flags, func(a *app, l *lock.Lock) error {
				if err := l.Acquire(cmd.Context(), message, ""); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Acquired the deploy lock")
				return nil
			})
		},
	}
	acquireCmd.Flags().StringVarP(&message, "message", "m", "", "why the lock is held")
	_ = acquireCmd.MarkFlagRequired("message")

	releaseCmd := &cobra.Command{
		Use:   "release",
		Short: "Release the deploy lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrimaryLock(flags, func(a *app, l *lock.Lock) error {
				if err := l.Release(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Released the deploy lock")
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show who holds the deploy lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrimaryLock(flags, func(a *app, l *lock.Lock) error {
				details, locked, err := l.Status(cmd.Context())
				if err != nil {
					return err
				}
				if !locked {
					fmt.Fprintln(cmd.OutOrStdout(), "There is no deploy lock")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), details.String())
				return nil
			})
		},
	}

	cmd.AddCommand(acquireCmd, releaseCmd, statusCmd)
	return cmd
}

func withPrimaryLock(flags *globalFlags, run func(a *app, l *lock.Lock) error) error {
	return withApp(flags, func(a *app) error {
		spec, err := a.coord.Resolve(flags.hosts, flags.roles)
		if err != nil {
			return err
		}
		return run(a, a.coord.Lock(spec.PrimaryHost))
	})
}
