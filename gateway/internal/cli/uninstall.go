package cli

import (
	"context"

	"github.com/spf13/cobra"

	"nat-tunnel/gateway/internal/provision"
)

func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Revoke every agent and remove the sshd policy and the guard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd, func(ctx context.Context, gw *provision.Gateway) error {
				return done(cmd, gw.Uninstall(ctx), "gateway configuration removed")
			})
		},
	}
}
