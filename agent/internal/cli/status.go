package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"nat-tunnel/agent/internal/diagnostics"
	"nat-tunnel/agent/internal/statusapi"
)

const envStatusToken = "NAT_TUNNEL_STATUS_TOKEN"

func NewStatusCommand() *cobra.Command {
	var (
		asJSON  bool
		baseURL string
		token   string
	)

	cmd := &cobra.Command{
		Use:   "status [name]",
		Short: "Show tunnel diagnostics (exit 2 when degraded, 3 when down)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if baseURL != "" {
				if token == "" {
					token = os.Getenv(envStatusToken)
				}
				return remoteStatus(cmd.Context(), out, statusapi.NewClient(baseURL), token, args, asJSON)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ins := a.inspector()
				names := args
				if len(names) == 0 {
					var err error
					if names, err = ins.Endpoints(); err != nil {
						return err
					}
					if len(names) == 0 {
						fmt.Fprintln(out, "no endpoints installed")
						return nil
					}
				}
				var reports []diagnostics.Report
				for _, name := range names {
					rep, err := ins.Inspect(ctx, name)
					if err != nil {
						return err
					}
					reports = append(reports, rep)
				}
				return writeReports(out, reports, asJSON)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().StringVar(&baseURL, "url", "", "fetch the report from a remote agent's status API")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for --url (default $"+envStatusToken+")")
	return cmd
}

func writeReports(w io.Writer, reports []diagnostics.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		var v any = reports
		if len(reports) == 1 {
			v = reports[0]
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
	} else {
		for i, rep := range reports {
			if i > 0 {
				fmt.Fprintln(w)
			}
			rep.WriteText(w)
		}
	}
	return verdictExit(reports...)
}

func verdictExit(reports ...diagnostics.Report) error {
	code := 0
	for _, rep := range reports {
		code = max(code, rep.Verdict.ExitCode())
	}
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}

func remoteStatus(ctx context.Context, w io.Writer, client *statusapi.Client, token string, args []string, asJSON bool) error {
	if len(args) == 1 {
		rep, err := client.Status(ctx, token, args[0])
		if err != nil {
			return err
		}
		return writeReports(w, []diagnostics.Report{rep}, asJSON)
	}

	list, err := client.List(ctx, token)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(list); err != nil {
			return err
		}
	} else {
		for _, s := range list {
			fmt.Fprintf(w, "%-20s %-12s %s\n", s.Name, s.State, s.Verdict)
		}
	}
	code := 0
	for _, s := range list {
		code = max(code, s.Verdict.ExitCode())
	}
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}
