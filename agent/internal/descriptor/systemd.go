package descriptor

import (
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"

	"nat-tunnel/agent/internal/endpoint"
)

// SystemdUnit renders d as a service unit file.
func SystemdUnit(d Descriptor) []byte {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", d.Description),
		unit.NewUnitOption("Unit", "StartLimitIntervalSec", "0"),
	}
	if d.RequireNetwork {
		opts = append(opts,
			unit.NewUnitOption("Unit", "After", "network-online.target"),
			unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		)
	}

	restart := "always"
	if d.RestartPolicy == endpoint.RestartOnFailure {
		restart = "on-failure"
	}
	opts = append(opts,
		unit.NewUnitOption("Service", "Type", "simple"),
		unit.NewUnitOption("Service", "ExecStart", execLine(d.Program)),
		unit.NewUnitOption("Service", "Restart", restart),
		unit.NewUnitOption("Service", "RestartSec", strconv.Itoa(int(d.Throttle.Seconds()))),
		unit.NewUnitOption("Service", "KillMode", "control-group"),
	)

	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, unit.NewUnitOption("Service", "Environment", quoteArg(k+"="+d.Env[k])))
	}
	if d.WorkingDir != "" {
		opts = append(opts, unit.NewUnitOption("Service", "WorkingDirectory", d.WorkingDir))
	}
	if d.StdoutPath != "" {
		opts = append(opts, unit.NewUnitOption("Service", "StandardOutput", "append:"+d.StdoutPath))
	}
	if d.StderrPath != "" {
		opts = append(opts, unit.NewUnitOption("Service", "StandardError", "append:"+d.StderrPath))
	}

	wantedBy := "multi-user.target"
	if d.UserScope {
		wantedBy = "default.target"
	}
	opts = append(opts, unit.NewUnitOption("Install", "WantedBy", wantedBy))

	data, _ := io.ReadAll(unit.Serialize(opts))
	return data
}

func execLine(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = quoteArg(a)
	}
	return strings.Join(quoted, " ")
}

// quoteArg quotes a for a systemd command line. Percent signs are
// specifiers to systemd and are doubled.
func quoteArg(a string) string {
	a = strings.ReplaceAll(a, "%", "%%")
	if a != "" && !strings.ContainsAny(a, " \t\"'\\;$") {
		return a
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range a {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
		case '$':
			b.WriteByte('$')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
