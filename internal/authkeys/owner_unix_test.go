//go:build unix

package authkeys

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestRemoveTaggedKeepsOwner(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "authorized_keys")
	keep, drop := newKey(c), newKey(c)
	data := Line("", drop, Marker("nat-tunnel-agent", "a")) + "\n" +
		Line("", keep, Marker("nat-tunnel-agent", "b")) + "\n"
	c.Assert(os.WriteFile(path, []byte(data), 0o600), qt.IsNil)

	info, err := os.Stat(path)
	c.Assert(err, qt.IsNil)
	st := info.Sys().(*syscall.Stat_t)

	type call struct {
		name     string
		uid, gid int
	}
	var calls []call
	c.Patch(&chown, func(name string, uid, gid int) error {
		calls = append(calls, call{filepath.Dir(name), uid, gid})
		return os.Chown(name, uid, gid)
	})

	n, err := RemoveTagged(path, Marker("nat-tunnel-agent", "a"))
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)
	c.Assert(calls, qt.HasLen, 1)
	c.Assert(calls[0], qt.Equals, call{filepath.Dir(path), int(st.Uid), int(st.Gid)})
}

func TestRemoveTaggedKeepsForeignOwnerAsRoot(t *testing.T) {
	c := qt.New(t)
	if os.Geteuid() != 0 {
		c.Skip("needs root to hand the file to another user")
	}
	path := filepath.Join(t.TempDir(), "authorized_keys")
	keep, drop := newKey(c), newKey(c)
	data := Line("", drop, Marker("nat-tunnel-agent", "a")) + "\n" +
		Line("", keep, Marker("nat-tunnel-agent", "b")) + "\n"
	c.Assert(os.WriteFile(path, []byte(data), 0o600), qt.IsNil)
	c.Assert(os.Chown(path, 4242, 4242), qt.IsNil)

	_, err := RemoveTagged(path, Marker("nat-tunnel-agent", "a"))
	c.Assert(err, qt.IsNil)

	info, err := os.Stat(path)
	c.Assert(err, qt.IsNil)
	st := info.Sys().(*syscall.Stat_t)
	c.Assert(st.Uid, qt.Equals, uint32(4242))
	c.Assert(st.Gid, qt.Equals, uint32(4242))
	c.Assert(info.Mode().Perm(), qt.Equals, os.FileMode(0o600))
}
