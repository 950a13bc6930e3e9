package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"nat-tunnel/agent/internal/orchestrator"
)

func NewSetupCommand() *cobra.Command {
	var (
		flags      endpointFlags
		installCmd string
	)

	cmd := &cobra.Command{
		Use:   "setup [name]",
		Short: "Check tools, create the tunnel key, install and start an endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ep, err := flags.resolve(a.cfg, endpointName(args))
				if err != nil {
					return err
				}
				store, err := a.credentials()
				if err != nil {
					return err
				}
				inside := &orchestrator.Inside{
					Supervisor:     a.supervisor,
					Credentials:    store,
					InstallCommand: installCmd,
				}
				res, err := inside.Setup(ctx, ep)
				if res.GatewayLine != "" {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Tunnel key:     %s\n", res.TunnelKey.PublicPath)
					fmt.Fprintf(out, "Authorize it on the gateway:\n")
					fmt.Fprintf(out, "  gateway authorize-agent %s --bind-port %d --key '%s'\n", ep.Name, ep.RemoteBindPort, res.GatewayLine)
				}
				return done(cmd, err, "%s: %s", ep.Name, res.Record.State)
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&installCmd, "install-cmd", "", "command that installs missing tools, e.g. \"apt-get install -y openssh-client\"")
	return cmd
}
