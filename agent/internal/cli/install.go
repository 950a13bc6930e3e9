package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func NewInstallCommand() *cobra.Command {
	var flags endpointFlags

	cmd := &cobra.Command{
		Use:   "install [name]",
		Short: "Write the service definition for an endpoint without starting it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ep, err := flags.resolve(a.cfg, endpointName(args))
				if err != nil {
					return err
				}
				rec, err := a.supervisor.Install(ctx, ep)
				return done(cmd, err, "%s: installed as %s", ep.Name, rec.Label)
			})
		},
	}

	flags.register(cmd)
	return cmd
}
