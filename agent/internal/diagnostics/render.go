package diagnostics

import (
	"fmt"
	"io"
	"strings"
)

// WriteText prints r the way the status command shows it.
func (r Report) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Endpoint:       %s\n", r.Endpoint)
	fmt.Fprintf(w, "State:          %s\n", r.State)
	if r.LastError != "" {
		fmt.Fprintf(w, "Last error:     %s\n", r.LastError)
	}
	fmt.Fprintf(w, "Verdict:        %s\n", r.Verdict)

	fmt.Fprintf(w, "\nRegistration:\n")
	fmt.Fprintf(w, "  artifact      %s\n", r.Registration.Artifact)
	fmt.Fprintf(w, "  loaded        %s\n", r.Registration.Loaded)
	if r.Registration.Error != "" {
		fmt.Fprintf(w, "  (check failed: %s)\n", r.Registration.Error)
	}

	fmt.Fprintf(w, "\nProcesses:\n")
	for _, st := range r.Roles {
		pids := ""
		if len(st.PIDs) > 0 {
			parts := make([]string, len(st.PIDs))
			for i, p := range st.PIDs {
				parts[i] = fmt.Sprint(p)
			}
			pids = " (pid " + strings.Join(parts, ", ") + ")"
		}
		fmt.Fprintf(w, "  %-18s %s%s\n", st.Role, st.Alive, pids)
	}
	if r.RolesError != "" {
		fmt.Fprintf(w, "  (check failed: %s)\n", r.RolesError)
	}

	fmt.Fprintf(w, "\nBinding:        %s\n", r.Binding)
	fmt.Fprintf(w, "Gateway:        %s %s\n", r.Reachability.Target, reachWord(r.Reachability.Reachable))
	if r.Reachability.Error != "" {
		fmt.Fprintf(w, "  (%s)\n", r.Reachability.Error)
	}
	if rt := r.Reachability.Route; rt != nil {
		via := rt.Interface
		if rt.Gateway != "" {
			via += " via " + rt.Gateway
		}
		fmt.Fprintf(w, "  route         %s\n", via)
		for _, c := range rt.Covering {
			fmt.Fprintf(w, "    %s\n", c)
		}
	}

	for _, lt := range r.Logs {
		fmt.Fprintf(w, "\nLog (%s) %s:\n", lt.Stream, lt.Path)
		switch {
		case lt.Missing:
			fmt.Fprintf(w, "  (missing)\n")
		case lt.Error != "":
			fmt.Fprintf(w, "  (read failed: %s)\n", lt.Error)
		case len(lt.Lines) == 0:
			fmt.Fprintf(w, "  (empty)\n")
		}
		for _, line := range lt.Lines {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}

	fmt.Fprintf(w, "\nNote: %s\n", r.Caveat)
}

func reachWord(s string) string {
	switch s {
	case Present:
		return "reachable"
	case Absent:
		return "unreachable"
	default:
		return "unknown"
	}
}
