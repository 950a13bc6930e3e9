package platform

import (
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"nat-tunnel/agent/internal/descriptor"
	"nat-tunnel/internal/tunnelerr"
)

type fakeLaunchctl struct {
	calls  []string
	loaded map[string]bool
}

func (f *fakeLaunchctl) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	switch args[0] {
	case "list":
		if f.loaded[args[1]] {
			return []byte(`{ "Label" = "` + args[1] + `"; };`), nil
		}
		return []byte("Could not find service"), &exec.ExitError{}
	case "load":
		f.loaded["nat-tunnel-home"] = true
	case "unload":
		delete(f.loaded, "nat-tunnel-home")
	case "start":
		if !f.loaded[args[1]] {
			return []byte("Could not find specified service"), errors.New("exit status 3")
		}
	}
	return nil, nil
}

func TestLaunchdLifecycle(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	dir := c.TempDir()
	fake := &fakeLaunchctl{loaded: map[string]bool{}}
	l := NewLaunchd(dir, true)
	l.Run = fake.run

	d := descriptor.Descriptor{
		Label:   "nat-tunnel-home",
		Program: []string{"/usr/local/bin/agent", "reconnect", "--", "ssh", "-p", "22", "tunnel@gw"},
	}
	c.Assert(l.Write(ctx, "nat-tunnel-home", d), qt.IsNil)
	data, err := l.Artifact(ctx, "nat-tunnel-home")
	c.Assert(err, qt.IsNil)
	c.Assert(descriptor.ExtractBinding(data).Host, qt.Equals, "gw")

	err = l.Start(ctx, "nat-tunnel-home")
	c.Assert(errors.Is(err, tunnelerr.ExternalActionFailed), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, ".*Could not find specified service")

	registered, err := l.Registered(ctx, "nat-tunnel-home")
	c.Assert(err, qt.IsNil)
	c.Assert(registered, qt.IsFalse)

	c.Assert(l.Register(ctx, "nat-tunnel-home"), qt.IsNil)
	c.Assert(l.Start(ctx, "nat-tunnel-home"), qt.IsNil)
	registered, err = l.Registered(ctx, "nat-tunnel-home")
	c.Assert(err, qt.IsNil)
	c.Assert(registered, qt.IsTrue)

	c.Assert(l.Stop(ctx, "nat-tunnel-home"), qt.IsNil)
	c.Assert(l.Deregister(ctx, "nat-tunnel-home"), qt.IsNil)
	// Deregistering an unloaded job is a no-op.
	c.Assert(l.Deregister(ctx, "nat-tunnel-home"), qt.IsNil)
	c.Assert(l.Remove(ctx, "nat-tunnel-home"), qt.IsNil)
	c.Assert(l.Remove(ctx, "nat-tunnel-home"), qt.IsNil)

	c.Assert(fake.calls, qt.Contains, "launchctl load -w "+filepath.Join(dir, "nat-tunnel-home.plist"))
	c.Assert(fake.calls, qt.Contains, "launchctl unload -w "+filepath.Join(dir, "nat-tunnel-home.plist"))
}

func TestNewRejectsUnknownKind(t *testing.T) {
	c := qt.New(t)
	_, err := New(Options{Kind: "upstart"})
	c.Assert(err, qt.ErrorMatches, `unknown platform "upstart"`)

	a, err := New(Options{Kind: "systemd", Dir: c.TempDir()})
	c.Assert(err, qt.IsNil)
	c.Assert(a, qt.Satisfies, func(a Actuator) bool { _, ok := a.(*Systemd); return ok })
}

func TestSystemdArtifact(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	s := NewSystemd(c.TempDir(), false)

	_, err := s.Artifact(ctx, "nat-tunnel-home")
	c.Assert(err, qt.ErrorIs, fs.ErrNotExist)

	d := descriptor.Descriptor{Label: "nat-tunnel-home", Program: []string{"/bin/agent", "reconnect", "--", "ssh", "tunnel@gw"}}
	c.Assert(s.Write(ctx, "nat-tunnel-home", d), qt.IsNil)
	data, err := s.Artifact(ctx, "nat-tunnel-home")
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Contains, "ExecStart=/bin/agent reconnect -- ssh tunnel@gw")
	c.Assert(s.Remove(ctx, "nat-tunnel-home"), qt.IsNil)
}
