package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nat-tunnel/agent/internal/reconnect"
)

// NewReconnectCommand is the wrapper the service definition runs. It never
// reads the config file.
func NewReconnectCommand() *cobra.Command {
	var (
		tag      string
		throttle time.Duration
	)

	cmd := &cobra.Command{
		Use:    "reconnect --tag TAG [--throttle D] -- command [args...]",
		Short:  "Run a command and start it again whenever it exits",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return reconnect.Run(ctx, reconnect.Options{
				Tag:      tag,
				Throttle: throttle,
				Argv:     args,
				Stdout:   os.Stdout,
				Stderr:   os.Stderr,
			})
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "endpoint tag exported to the command")
	cmd.Flags().DurationVar(&throttle, "throttle", time.Second, "minimum time between starts")
	cmd.MarkFlagRequired("tag")
	return cmd
}
