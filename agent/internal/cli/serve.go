package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"nat-tunnel/agent/internal/statusapi"
)

const shutdownGrace = 5 * time.Second

func NewServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve endpoint diagnostics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tokens, err := statusapi.NewTokens(a.cfg.StatusSecret)
				if err != nil {
					return err
				}
				if listen == "" {
					listen = a.cfg.StatusListen
				}
				srv := &http.Server{
					Addr:              listen,
					Handler:           statusapi.NewHandler(a.inspector(), tokens).Router(),
					ReadHeaderTimeout: 10 * time.Second,
				}

				errCh := make(chan error, 1)
				go func() { errCh <- srv.ListenAndServe() }()
				fmt.Fprintf(cmd.OutOrStdout(), "status API listening on %s\n", listen)

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config, 127.0.0.1:8787)")
	return cmd
}
