package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nat-tunnel/gateway/internal/provision"
)

func NewAuthorizeAgentCommand() *cobra.Command {
	var (
		bindPort int
		key      string
		keyFile  string
	)

	cmd := &cobra.Command{
		Use:   "authorize-agent <name>",
		Short: "Let an agent's tunnel key bind one loopback port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			text := key
			if keyFile != "" {
				data, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("read key: %w", err)
				}
				text = string(data)
			}
			if text == "" {
				return errors.New("one of --key or --key-file is required")
			}
			pub, err := provision.ParseAgentKey(text)
			if err != nil {
				return err
			}
			return withGateway(cmd, func(ctx context.Context, gw *provision.Gateway) error {
				_, err := gw.AuthorizeAgent(ctx, name, bindPort, pub)
				return done(cmd, err, "authorized agent %s on 127.0.0.1:%d", name, bindPort)
			})
		},
	}

	cmd.Flags().IntVar(&bindPort, "bind-port", 0, "loopback port the agent may bind")
	cmd.Flags().StringVar(&key, "key", "", "public key or authorized_keys line")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "file holding the public key")
	cmd.MarkFlagRequired("bind-port")
	cmd.MarkFlagsMutuallyExclusive("key", "key-file")
	return cmd
}
