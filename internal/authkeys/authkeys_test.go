package authkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"golang.org/x/crypto/ssh"
)

func newKey(c *qt.C) ssh.PublicKey {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, qt.IsNil)
	key, err := ssh.NewPublicKey(pub)
	c.Assert(err, qt.IsNil)
	return key
}

func TestAddIsContainmentChecked(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), ".ssh", "authorized_keys")
	key := newKey(c)
	line := Line("", key, Marker("nat-tunnel", "laptop"))

	added, err := Add(path, key, line)
	c.Assert(err, qt.IsNil)
	c.Assert(added, qt.IsTrue)

	// A different comment must not defeat the containment check.
	added, err = Add(path, key, Line("", key, "edited-by-hand"))
	c.Assert(err, qt.IsNil)
	c.Assert(added, qt.IsFalse)

	data, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	c.Assert(strings.Count(string(data), KeyContent(key)), qt.Equals, 1)

	info, err := os.Stat(path)
	c.Assert(err, qt.IsNil)
	c.Assert(info.Mode().Perm(), qt.Equals, os.FileMode(0o600))
}

func TestAddTerminatesUnterminatedLastLine(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "authorized_keys")
	c.Assert(os.WriteFile(path, []byte("# managed elsewhere"), 0o600), qt.IsNil)

	key := newKey(c)
	_, err := Add(path, key, Line("", key, "m:x"))
	c.Assert(err, qt.IsNil)

	data, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, "# managed elsewhere\n"+Line("", key, "m:x")+"\n")
}

func TestRemoveTaggedKeepsOtherBytes(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "authorized_keys")
	laptop, phone, foreign := newKey(c), newKey(c), newKey(c)

	prefix := "# hand written header\n\n" + Line("", foreign, "alice@example.com") + "\n"
	phoneLine := Line("", phone, Marker("nat-tunnel", "phone")) + "\n"
	laptopLine := Line(`restrict,port-forwarding`, laptop, Marker("nat-tunnel", "laptop")) + "\n"
	// laptop2 shares a prefix with laptop and must survive.
	laptop2 := newKey(c)
	laptop2Line := Line("", laptop2, Marker("nat-tunnel", "laptop2")) + "\n"
	c.Assert(os.WriteFile(path, []byte(prefix+laptopLine+phoneLine+laptopLine+laptop2Line), 0o640), qt.IsNil)

	n, err := RemoveTagged(path, Marker("nat-tunnel", "laptop"))
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 2)

	data, err := os.ReadFile(path)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, prefix+phoneLine+laptop2Line)

	info, err := os.Stat(path)
	c.Assert(err, qt.IsNil)
	c.Assert(info.Mode().Perm(), qt.Equals, os.FileMode(0o640))

	n, err = RemoveTagged(path, Marker("nat-tunnel", "laptop"))
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 0)
}

func TestRemoveTaggedMissingFile(t *testing.T) {
	c := qt.New(t)
	n, err := RemoveTagged(filepath.Join(t.TempDir(), "nope"), "m:x")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 0)
}

func TestTagged(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "authorized_keys")
	a, b := newKey(c), newKey(c)
	content := Line(`restrict,permitlisten="127.0.0.1:2222"`, a, Marker("nat-tunnel-agent", "home")) + "\n" +
		Line("", b, "someone@else") + "\n"
	c.Assert(os.WriteFile(path, []byte(content), 0o600), qt.IsNil)

	entries, err := Tagged(path, "nat-tunnel-agent")
	c.Assert(err, qt.IsNil)
	c.Assert(entries, qt.HasLen, 1)
	c.Assert(entries[0].Marker, qt.Equals, "nat-tunnel-agent:home")
	c.Assert(entries[0].Options, qt.DeepEquals, []string{"restrict", `permitlisten="127.0.0.1:2222"`})
	c.Assert(KeyContent(entries[0].Key), qt.Equals, KeyContent(a))
}
