package sshd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"

	"nat-tunnel/internal/tunnelerr"
)

func TestRender(t *testing.T) {
	c := qt.New(t)
	got := string(Render(Policy{User: "tunnel", Listen: []string{"127.0.0.1:2300", "127.0.0.1:2222"}}))
	c.Assert(got, qt.Equals, `# Written by nat-tunnel gateway. Local edits are overwritten.
GatewayPorts no

Match User tunnel
	AllowTcpForwarding remote
	GatewayPorts no
	PermitListen 127.0.0.1:2222 127.0.0.1:2300
	PermitOpen none
	AllowAgentForwarding no
	AllowStreamLocalForwarding no
	X11Forwarding no
	PermitTTY no
`)

	c.Assert(string(Render(Policy{User: "tunnel"})), qt.Contains, "\tPermitListen none\n")
}

func TestWriteOnlyWhenChanged(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "sshd_config.d", "50-nat-tunnel.conf")

	changed, err := Write(path, []byte("a\n"))
	c.Assert(err, qt.IsNil)
	c.Assert(changed, qt.IsTrue)

	changed, err = Write(path, []byte("a\n"))
	c.Assert(err, qt.IsNil)
	c.Assert(changed, qt.IsFalse)

	info, err := os.Stat(path)
	c.Assert(err, qt.IsNil)
	c.Assert(info.Mode().Perm(), qt.Equals, os.FileMode(0o644))

	removed, err := Remove(path)
	c.Assert(err, qt.IsNil)
	c.Assert(removed, qt.IsTrue)
	removed, err = Remove(path)
	c.Assert(err, qt.IsNil)
	c.Assert(removed, qt.IsFalse)
}

func TestCheck(t *testing.T) {
	c := qt.New(t)
	var argv []string
	ok := func(_ context.Context, a []string) ([]byte, error) {
		argv = a
		return nil, nil
	}
	c.Assert(Check(context.Background(), ok, "/usr/sbin/sshd"), qt.IsNil)
	c.Assert(argv, qt.DeepEquals, []string{"/usr/sbin/sshd", "-t"})

	bad := func(context.Context, []string) ([]byte, error) {
		return []byte("line 4: Bad configuration option\n"), errors.New("exit status 255")
	}
	err := Check(context.Background(), bad, "sshd")
	c.Assert(err, qt.ErrorIs, tunnelerr.ExternalActionFailed)
	c.Assert(err, qt.ErrorMatches, "sshd config: exit status 255: line 4: Bad configuration option")
}
