package cli

import (
	"context"

	"github.com/spf13/cobra"

	"nat-tunnel/agent/internal/supervisor"
)

type lifecycleFunc func(s *supervisor.Supervisor, ctx context.Context, name string) (supervisor.Record, error)

func newLifecycleCommand(use, short string, fn lifecycleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [name]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := endpointName(args)
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := fn(a.supervisor, ctx, name)
				return done(cmd, err, "%s: %s", name, rec.State)
			})
		},
	}
}

func NewStartCommand() *cobra.Command {
	return newLifecycleCommand("start", "Register an installed endpoint and wait for the tunnel", (*supervisor.Supervisor).Start)
}

func NewStopCommand() *cobra.Command {
	return newLifecycleCommand("stop", "Stop an endpoint and reap its processes", (*supervisor.Supervisor).Stop)
}

func NewRestartCommand() *cobra.Command {
	return newLifecycleCommand("restart", "Stop and start an endpoint", (*supervisor.Supervisor).Restart)
}

func NewResetCommand() *cobra.Command {
	return newLifecycleCommand("reset", "Clear a failed endpoint back to stopped", (*supervisor.Supervisor).Reset)
}
