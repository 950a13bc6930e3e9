package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"nat-tunnel/gateway/internal/provision"
)

const exitUnhealthy = 2

func NewStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show authorized agents and whether their ports are guarded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd, func(ctx context.Context, gw *provision.Gateway) error {
				st, err := gw.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(st); err != nil {
						return err
					}
				} else {
					writeStatus(out, gw.Env.TunnelUser, st)
				}
				if !st.Healthy() {
					return &ExitError{Code: exitUnhealthy}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func writeStatus(w io.Writer, user string, st provision.Status) {
	policy := "missing"
	if st.Policy {
		policy = "installed"
	}
	fmt.Fprintf(w, "Tunnel user:    %s\n", user)
	fmt.Fprintf(w, "sshd policy:    %s\n", policy)
	switch {
	case st.GuardError != "":
		fmt.Fprintf(w, "Guard:          unknown (%s)\n", st.GuardError)
	case len(st.Unguarded) > 0:
		fmt.Fprintf(w, "Guard:          ⚠ unguarded ports %s\n", joinPorts(st.Unguarded))
	default:
		fmt.Fprintf(w, "Guard:          ✓ %s\n", joinPorts(st.Guarded))
	}

	if len(st.Agents) == 0 {
		fmt.Fprintf(w, "\nNo agents authorized\n")
		return
	}
	fmt.Fprintf(w, "\nAgents:\n")
	for _, a := range st.Agents {
		mark := "✓"
		if !a.Loopback {
			mark = "⚠ not loopback"
		}
		fmt.Fprintf(w, "  %-16s 127.0.0.1:%-6d %s %s\n", a.Name, a.Port, a.Fingerprint, mark)
	}
}

func joinPorts(ports []int) string {
	if len(ports) == 0 {
		return "none"
	}
	s := make([]string, len(ports))
	for i, p := range ports {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, ", ")
}
