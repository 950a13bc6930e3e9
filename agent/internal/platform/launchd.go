package platform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"nat-tunnel/agent/internal/descriptor"
	"nat-tunnel/internal/tunnelerr"
)

const systemLaunchdDir = "/Library/LaunchDaemons"

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Launchd manages tunnels as launchd jobs through launchctl.
type Launchd struct {
	dir string
	Run Runner
}

func NewLaunchd(dir string, userScope bool) *Launchd {
	if dir == "" {
		dir = systemLaunchdDir
		if userScope {
			if home, err := os.UserHomeDir(); err == nil {
				dir = filepath.Join(home, "Library", "LaunchAgents")
			}
		}
	}
	return &Launchd{dir: dir, Run: execRunner}
}

func (l *Launchd) path(label string) string {
	return filepath.Join(l.dir, label+".plist")
}

func (l *Launchd) launchctl(ctx context.Context, label string, args ...string) ([]byte, error) {
	out, err := l.Run(ctx, "launchctl", args...)
	if err != nil {
		msg := string(bytes.TrimSpace(out))
		if msg == "" {
			msg = err.Error()
		}
		return out, tunnelerr.New(tunnelerr.ExternalActionFailed, label,
			"check the job with: launchctl list "+label, "launchctl %s: %s", args[0], msg)
	}
	return out, nil
}

func (l *Launchd) Write(_ context.Context, label string, d descriptor.Descriptor) error {
	data, err := descriptor.LaunchdPlist(d)
	if err != nil {
		return err
	}
	return writeArtifact(l.path(label), data)
}

func (l *Launchd) Remove(_ context.Context, label string) error {
	return removeArtifact(l.path(label))
}

func (l *Launchd) Artifact(_ context.Context, label string) ([]byte, error) {
	return os.ReadFile(l.path(label))
}

func (l *Launchd) Register(ctx context.Context, label string) error {
	_, err := l.launchctl(ctx, label, "load", "-w", l.path(label))
	return err
}

func (l *Launchd) Deregister(ctx context.Context, label string) error {
	registered, err := l.Registered(ctx, label)
	if err != nil || !registered {
		return err
	}
	_, err = l.launchctl(ctx, label, "unload", "-w", l.path(label))
	return err
}

func (l *Launchd) Start(ctx context.Context, label string) error {
	_, err := l.launchctl(ctx, label, "start", label)
	return err
}

func (l *Launchd) Stop(ctx context.Context, label string) error {
	registered, err := l.Registered(ctx, label)
	if err != nil || !registered {
		return err
	}
	_, err = l.launchctl(ctx, label, "stop", label)
	return err
}

func (l *Launchd) Registered(ctx context.Context, label string) (bool, error) {
	_, err := l.Run(ctx, "launchctl", "list", label)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, label, "")
}

func (l *Launchd) String() string {
	return fmt.Sprintf("launchd(%s)", l.dir)
}
