package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nat-tunnel/agent/internal/statusapi"
)

func NewTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a read-only token for the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				tokens, err := statusapi.NewTokens(a.cfg.StatusSecret)
				if err != nil {
					return err
				}
				tok, err := tokens.Mint(subject, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "operator", "who the token is for")
	cmd.Flags().DurationVar(&ttl, "ttl", statusapi.DefaultTokenTTL, "token lifetime")
	return cmd
}
