package cli

import (
	"context"

	"github.com/spf13/cobra"

	"nat-tunnel/gateway/internal/provision"
)

func NewSetupCommand() *cobra.Command {
	var installCmd string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Install the sshd policy and the loopback guard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd, func(ctx context.Context, gw *provision.Gateway) error {
				gw.InstallCommand = installCmd
				return done(cmd, gw.Setup(ctx), "gateway ready for tunnel user %s", gw.Env.TunnelUser)
			})
		},
	}

	cmd.Flags().StringVar(&installCmd, "install-cmd", "", "command that installs sshd when missing, e.g. \"apt-get install -y openssh-server\"")
	return cmd
}
