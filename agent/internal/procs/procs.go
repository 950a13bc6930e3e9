// Package procs finds the tagged processes of a tunnel in the host
// process table.
package procs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/juju/loggo/v2"
	"github.com/shirou/gopsutil/v3/process"

	"nat-tunnel/agent/internal/descriptor"
)

var logger = loggo.GetLogger("nat-tunnel.procs")

// Role is the part a process plays in the tunnel's process tree.
type Role string

const (
	RoleWrapper   Role = "reconnect-wrapper"
	RoleKeepAwake Role = "sleep-prevention"
	RoleTransport Role = "transport"
)

// Roles lists every role, outermost first.
var Roles = []Role{RoleWrapper, RoleKeepAwake, RoleTransport}

// Process is a tagged process found in the table.
type Process struct {
	PID  int32
	Role Role
	Name string
}

// Table is a view of the host's processes.
type Table interface {
	// Find returns the processes carrying tag.
	Find(ctx context.Context, tag string) ([]Process, error)
	// Terminate asks pid to exit, escalating to a kill when force is set.
	Terminate(ctx context.Context, pid int32, force bool) error
}

// Liveness records which roles have at least one live process.
type Liveness map[Role]bool

// Summarize folds found processes into per-role liveness.
func Summarize(ps []Process) Liveness {
	l := Liveness{}
	for _, r := range Roles {
		l[r] = false
	}
	for _, p := range ps {
		l[p.Role] = true
	}
	return l
}

// All reports whether every role is alive.
func (l Liveness) All() bool {
	return l.AllOf(Roles)
}

// AllOf reports whether every one of roles is alive.
func (l Liveness) AllOf(roles []Role) bool {
	for _, r := range roles {
		if !l[r] {
			return false
		}
	}
	return true
}

// Any reports whether some role is alive.
func (l Liveness) Any() bool {
	for _, r := range Roles {
		if l[r] {
			return true
		}
	}
	return false
}

// Classify works out the role of a process from its name and argv. It
// returns "" for processes that play no part in a tunnel.
func Classify(name string, argv []string) Role {
	base := name
	if len(argv) > 0 {
		base = filepath.Base(argv[0])
	}
	switch base {
	case "ssh":
		return RoleTransport
	case "caffeinate", "systemd-inhibit":
		return RoleKeepAwake
	}
	if slices.Contains(argv, "reconnect") && slices.Contains(argv, "--tag") {
		return RoleWrapper
	}
	return ""
}

// Tagged reports whether argv or environ carries tag.
func Tagged(tag string, argv, environ []string) bool {
	if tag == "" {
		return false
	}
	marker := descriptor.EnvTag + "=" + tag
	if slices.Contains(environ, marker) {
		return true
	}
	for _, a := range argv {
		if a == tag || strings.HasSuffix(a, marker) {
			return true
		}
	}
	return false
}

// HostTable reads the live process table.
type HostTable struct{}

func (HostTable) Find(ctx context.Context, tag string) ([]Process, error) {
	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []Process
	for _, p := range all {
		argv, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(argv) == 0 {
			// Exited or not ours to read.
			continue
		}
		name, _ := p.NameWithContext(ctx)
		role := Classify(name, argv)
		if role == "" {
			continue
		}
		environ, _ := p.EnvironWithContext(ctx)
		if !Tagged(tag, argv, environ) {
			continue
		}
		out = append(out, Process{PID: p.Pid, Role: role, Name: name})
	}
	return out, nil
}

func (HostTable) Terminate(ctx context.Context, pid int32, force bool) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return nil
	}
	if err != nil {
		return err
	}
	if force {
		err = p.KillWithContext(ctx)
	} else {
		err = p.TerminateWithContext(ctx)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	logger.Debugf("signalled pid %d (force=%t)", pid, force)
	return nil
}
