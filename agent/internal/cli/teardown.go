package cli

import (
	"context"

	"github.com/spf13/cobra"

	"nat-tunnel/agent/internal/orchestrator"
)

func NewTeardownCommand() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "teardown [name]",
		Short: "Stop and uninstall an endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := endpointName(args)
			return withApp(cmd, func(ctx context.Context, a *app) error {
				inside := &orchestrator.Inside{Supervisor: a.supervisor, TunnelKeyPath: a.cfg.TunnelKeyPath}
				if purge {
					store, err := a.credentials()
					if err != nil {
						return err
					}
					inside.Credentials = store
				}
				err := inside.Teardown(ctx, name, purge)
				if purge {
					return done(cmd, err, "%s: removed, tunnel key and client credentials purged", name)
				}
				return done(cmd, err, "%s: removed", name)
			})
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the tunnel key and every client credential")
	return cmd
}
