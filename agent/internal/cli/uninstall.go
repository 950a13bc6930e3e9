package cli

import (
	"context"

	"github.com/spf13/cobra"

	"nat-tunnel/agent/internal/endpoint"
	"nat-tunnel/internal/tunnelerr"
)

func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall [name]",
		Short: "Stop an endpoint and remove its service definition and logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := endpointName(args)
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rec, err := a.supervisor.Load(name)
				if err != nil {
					return err
				}
				if rec.State != endpoint.StateUninstalled && rec.State != endpoint.StateStopped {
					if _, err := a.supervisor.Stop(ctx, name); err != nil && !tunnelerr.IsInformational(err) {
						return err
					}
				}
				return done(cmd, a.supervisor.Uninstall(ctx, name), "%s: uninstalled", name)
			})
		},
	}
}
