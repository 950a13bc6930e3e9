package cli

import (
	"context"

	"github.com/spf13/cobra"

	"nat-tunnel/gateway/internal/provision"
)

func NewRevokeAgentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-agent <name>",
		Short: "Remove an agent's tunnel key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withGateway(cmd, func(ctx context.Context, gw *provision.Gateway) error {
				n, err := gw.RevokeAgent(ctx, name)
				return done(cmd, err, "revoked agent %s (%d entries removed)", name, n)
			})
		},
	}
}
