package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/dbus"

	"nat-tunnel/agent/internal/descriptor"
	"nat-tunnel/internal/tunnelerr"
)

const (
	systemSystemdDir = "/etc/systemd/system"
	jobMode          = "replace"
)

// Systemd manages tunnels as systemd service units over D-Bus.
type Systemd struct {
	dir       string
	userScope bool
}

func NewSystemd(dir string, userScope bool) *Systemd {
	if dir == "" {
		dir = systemSystemdDir
		if userScope {
			if home, err := os.UserHomeDir(); err == nil {
				dir = filepath.Join(home, ".config", "systemd", "user")
			}
		}
	}
	return &Systemd{dir: dir, userScope: userScope}
}

func unitName(label string) string { return label + ".service" }

func (s *Systemd) path(label string) string {
	return filepath.Join(s.dir, unitName(label))
}

func (s *Systemd) conn(ctx context.Context) (*dbus.Conn, error) {
	var (
		c   *dbus.Conn
		err error
	)
	if s.userScope {
		c, err = dbus.NewUserConnectionContext(ctx)
	} else {
		c, err = dbus.NewSystemConnectionContext(ctx)
	}
	if err != nil {
		return nil, tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, "systemd", "is systemd running and reachable over D-Bus?")
	}
	return c, nil
}

func (s *Systemd) Write(_ context.Context, label string, d descriptor.Descriptor) error {
	return writeArtifact(s.path(label), descriptor.SystemdUnit(d))
}

func (s *Systemd) Remove(_ context.Context, label string) error {
	return removeArtifact(s.path(label))
}

func (s *Systemd) Artifact(_ context.Context, label string) ([]byte, error) {
	return os.ReadFile(s.path(label))
}

func (s *Systemd) Register(ctx context.Context, label string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ReloadContext(ctx); err != nil {
		return tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, unitName(label), "")
	}
	if _, _, err := c.EnableUnitFilesContext(ctx, []string{s.path(label)}, false, true); err != nil {
		return tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, unitName(label), "check the unit with: systemctl cat "+unitName(label))
	}
	logger.Debugf("enabled %s", unitName(label))
	return nil
}

func (s *Systemd) Deregister(ctx context.Context, label string) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.DisableUnitFilesContext(ctx, []string{unitName(label)}, false); err != nil {
		return tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, unitName(label), "check the unit with: systemctl status "+unitName(label))
	}
	if err := c.ReloadContext(ctx); err != nil {
		return tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, unitName(label), "")
	}
	return nil
}

func (s *Systemd) Start(ctx context.Context, label string) error {
	return s.job(ctx, label, "start", func(c *dbus.Conn, ch chan<- string) (int, error) {
		return c.StartUnitContext(ctx, unitName(label), jobMode, ch)
	})
}

func (s *Systemd) Stop(ctx context.Context, label string) error {
	return s.job(ctx, label, "stop", func(c *dbus.Conn, ch chan<- string) (int, error) {
		return c.StopUnitContext(ctx, unitName(label), jobMode, ch)
	})
}

func (s *Systemd) job(ctx context.Context, label, verb string, run func(*dbus.Conn, chan<- string) (int, error)) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := make(chan string, 1)
	if _, err := run(c, ch); err != nil {
		return tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, unitName(label), "")
	}
	select {
	case result := <-ch:
		if result != "done" {
			return tunnelerr.New(tunnelerr.ExternalActionFailed, unitName(label),
				"see: journalctl -u "+unitName(label), "%s job %s", verb, result)
		}
		return nil
	case <-ctx.Done():
		return tunnelerr.Wrap(tunnelerr.Timeout, ctx.Err(), unitName(label), "")
	}
}

func (s *Systemd) Registered(ctx context.Context, label string) (bool, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer c.Close()

	props, err := c.GetUnitPropertiesContext(ctx, unitName(label))
	if err != nil {
		return false, tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, unitName(label), "")
	}
	if props["LoadState"] != "loaded" {
		return false, nil
	}
	switch props["UnitFileState"] {
	case "enabled", "enabled-runtime", "linked", "linked-runtime":
		return true, nil
	}
	switch props["ActiveState"] {
	case "active", "activating", "reloading":
		return true, nil
	}
	return false, nil
}

func (s *Systemd) String() string {
	return fmt.Sprintf("systemd(%s)", s.dir)
}
