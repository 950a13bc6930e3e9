// Package sshd writes the OpenSSH server policy for the tunnel user and
// reloads the server.
package sshd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/loggo/v2"

	"nat-tunnel/internal/tunnelerr"
)

var logger = loggo.GetLogger("nat-tunnel.sshd")

// Policy is what the drop-in enforces.
type Policy struct {
	User string
	// Listen holds the "127.0.0.1:<port>" addresses the tunnel user may
	// bind.
	Listen []string
}

// Render returns the drop-in file for p. Remote forwards are allowed for
// p.User only and always stay on the loopback interface.
func Render(p Policy) []byte {
	listen := append([]string(nil), p.Listen...)
	sort.Strings(listen)
	permit := "none"
	if len(listen) > 0 {
		permit = strings.Join(listen, " ")
	}

	var b bytes.Buffer
	b.WriteString("# Written by nat-tunnel gateway. Local edits are overwritten.\n")
	b.WriteString("GatewayPorts no\n")
	b.WriteString("\n")
	fmt.Fprintf(&b, "Match User %s\n", p.User)
	b.WriteString("\tAllowTcpForwarding remote\n")
	b.WriteString("\tGatewayPorts no\n")
	fmt.Fprintf(&b, "\tPermitListen %s\n", permit)
	b.WriteString("\tPermitOpen none\n")
	b.WriteString("\tAllowAgentForwarding no\n")
	b.WriteString("\tAllowStreamLocalForwarding no\n")
	b.WriteString("\tX11Forwarding no\n")
	b.WriteString("\tPermitTTY no\n")
	return b.Bytes()
}

// Write replaces the file at path with data if it differs. It reports
// whether the file changed.
func Write(path string, data []byte) (bool, error) {
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("ensure dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".nat-tunnel.*")
	if err != nil {
		return false, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return false, fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return false, fmt.Errorf("replace %s: %w", path, err)
	}
	logger.Infof("wrote %s", path)
	return true, nil
}

// Remove deletes the drop-in. It reports whether there was one.
func Remove(path string) (bool, error) {
	err := os.Remove(path)
	switch {
	case err == nil:
		logger.Infof("removed %s", path)
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("remove %s: %w", path, err)
	}
}

// RunFunc runs an external command and returns its combined output.
type RunFunc func(ctx context.Context, argv []string) ([]byte, error)

// Check asks sshd to parse its configuration, drop-ins included.
func Check(ctx context.Context, run RunFunc, binary string) error {
	if run == nil {
		run = func(ctx context.Context, argv []string) ([]byte, error) {
			return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		}
	}
	out, err := run(ctx, []string{binary, "-t"})
	if err != nil {
		return tunnelerr.New(tunnelerr.ExternalActionFailed, "sshd config", "fix the reported line, then run gateway setup again",
			"%v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Reloader makes the running sshd pick up new configuration.
type Reloader interface {
	Reload(ctx context.Context) error
}

// SystemdReloader reloads an sshd managed by systemd over D-Bus.
type SystemdReloader struct {
	Unit string
}

func (r SystemdReloader) Reload(ctx context.Context) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, "systemd", "is systemd running and reachable over D-Bus?")
	}
	defer conn.Close()

	ch := make(chan string, 1)
	if _, err := conn.ReloadUnitContext(ctx, r.Unit, "replace", ch); err != nil {
		return tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, r.Unit, "set NAT_TUNNEL_GW_SSHD_UNIT to the sshd unit name")
	}
	select {
	case result := <-ch:
		if result != "done" {
			return tunnelerr.New(tunnelerr.ExternalActionFailed, r.Unit, "journalctl -u "+r.Unit, "reload %s", result)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Infof("reloaded %s", r.Unit)
	return nil
}
