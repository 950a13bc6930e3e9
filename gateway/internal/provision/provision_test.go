package provision

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"golang.org/x/crypto/ssh"

	"nat-tunnel/gateway/internal/config"
	"nat-tunnel/internal/authkeys"
	"nat-tunnel/internal/tunnelerr"
)

type fakeGuard struct {
	ports   []int
	applied int
	removed bool
}

func (f *fakeGuard) Apply(ports []int) error {
	f.ports = append([]int(nil), ports...)
	f.applied++
	f.removed = false
	return nil
}

func (f *fakeGuard) Ports() ([]int, error) { return f.ports, nil }

func (f *fakeGuard) Remove() error {
	f.ports = nil
	f.removed = true
	return nil
}

type fakeReloader struct{ reloads int }

func (f *fakeReloader) Reload(context.Context) error {
	f.reloads++
	return nil
}

type fixture struct {
	gw       *Gateway
	guard    *fakeGuard
	reloader *fakeReloader
	ran      [][]string
}

func newFixture(c *qt.C) *fixture {
	dir := c.TempDir()
	f := &fixture{guard: &fakeGuard{}, reloader: &fakeReloader{}}
	f.gw = &Gateway{
		Env: config.Env{
			TunnelUser:     "tunnel",
			AuthorizedKeys: filepath.Join(dir, "home", "tunnel", ".ssh", "authorized_keys"),
			SSHDDir:        filepath.Join(dir, "sshd_config.d"),
			SSHDUnit:       "ssh.service",
			SSHDBinary:     "sshd",
			MinBindPort:    1024,
		},
		Firewall: f.guard,
		Reloader: f.reloader,
		Run: func(_ context.Context, argv []string) ([]byte, error) {
			f.ran = append(f.ran, argv)
			return nil, nil
		},
		LookPath: func(file string) (string, error) { return "/usr/sbin/" + file, nil },
		Chown:    func(string, string) error { return nil },
	}
	return f
}

func newKey(c *qt.C) ssh.PublicKey {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, qt.IsNil)
	key, err := ssh.NewPublicKey(pub)
	c.Assert(err, qt.IsNil)
	return key
}

func (f *fixture) dropIn(c *qt.C) string {
	data, err := os.ReadFile(f.gw.Env.DropInPath())
	c.Assert(err, qt.IsNil)
	return string(data)
}

func TestSetupWritesPolicyAndGuard(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()

	c.Assert(f.gw.Setup(ctx), qt.IsNil)
	c.Assert(f.dropIn(c), qt.Contains, "GatewayPorts no\n")
	c.Assert(f.dropIn(c), qt.Contains, "Match User tunnel\n")
	c.Assert(f.dropIn(c), qt.Contains, "\tPermitListen none\n")
	c.Assert(f.reloader.reloads, qt.Equals, 1)
	c.Assert(f.guard.applied, qt.Equals, 1)
	c.Assert(f.ran, qt.DeepEquals, [][]string{{"sshd", "-t"}})

	// Nothing changed, so sshd is left alone.
	c.Assert(f.gw.Setup(ctx), qt.IsNil)
	c.Assert(f.reloader.reloads, qt.Equals, 1)
}

func TestSetupWithoutSSHD(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.gw.LookPath = func(string) (string, error) { return "", errors.New("not found") }

	err := f.gw.Setup(context.Background())
	c.Assert(err, qt.ErrorIs, tunnelerr.PreconditionFailed)
	c.Assert(tunnelerr.HintOf(err), qt.Equals, "install openssh-server or pass --install-cmd")
	_, err = os.Stat(f.gw.Env.DropInPath())
	c.Assert(os.IsNotExist(err), qt.IsTrue)
}

func TestAuthorizeAgentLoopbackOnly(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()
	key := newKey(c)

	added, err := f.gw.AuthorizeAgent(ctx, "home", 2222, key)
	c.Assert(err, qt.IsNil)
	c.Assert(added, qt.IsTrue)

	data, err := os.ReadFile(f.gw.Env.AuthorizedKeys)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals,
		`restrict,port-forwarding,permitlisten="127.0.0.1:2222" `+authkeys.KeyContent(key)+" nat-tunnel-agent:home\n")
	c.Assert(f.dropIn(c), qt.Contains, "\tPermitListen 127.0.0.1:2222\n")
	c.Assert(f.guard.ports, qt.DeepEquals, []int{2222})

	agents, err := f.gw.Agents()
	c.Assert(err, qt.IsNil)
	c.Assert(agents, qt.DeepEquals, []Agent{{Name: "home", Port: 2222, Fingerprint: ssh.FingerprintSHA256(key), Loopback: true}})

	_, err = f.gw.AuthorizeAgent(ctx, "home", 2222, key)
	c.Assert(tunnelerr.IsInformational(err), qt.IsTrue)

	// Moving to another port replaces the entry.
	added, err = f.gw.AuthorizeAgent(ctx, "home", 2300, key)
	c.Assert(err, qt.IsNil)
	c.Assert(added, qt.IsTrue)
	agents, err = f.gw.Agents()
	c.Assert(err, qt.IsNil)
	c.Assert(agents, qt.HasLen, 1)
	c.Assert(agents[0].Port, qt.Equals, 2300)
	c.Assert(f.guard.ports, qt.DeepEquals, []int{2300})
}

func TestAuthorizeAgentConflicts(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()
	key := newKey(c)

	_, err := f.gw.AuthorizeAgent(ctx, "home", 22, key)
	c.Assert(err, qt.ErrorIs, tunnelerr.PreconditionFailed)

	_, err = f.gw.AuthorizeAgent(ctx, "home", 2222, key)
	c.Assert(err, qt.IsNil)

	_, err = f.gw.AuthorizeAgent(ctx, "office", 2222, newKey(c))
	c.Assert(err, qt.ErrorIs, tunnelerr.PreconditionFailed)
	c.Assert(tunnelerr.HintOf(err), qt.Equals, "gateway revoke-agent home")

	_, err = f.gw.AuthorizeAgent(ctx, "office", 2223, key)
	c.Assert(err, qt.ErrorMatches, "agent office: key is already authorized as agent home")
}

func TestRevokeKeepsForeignLines(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()

	c.Assert(os.MkdirAll(filepath.Dir(f.gw.Env.AuthorizedKeys), 0o700), qt.IsNil)
	foreign := authkeys.Line("", newKey(c), "admin@example.com") + "\n"
	c.Assert(os.WriteFile(f.gw.Env.AuthorizedKeys, []byte(foreign), 0o600), qt.IsNil)

	_, err := f.gw.AuthorizeAgent(ctx, "home", 2222, newKey(c))
	c.Assert(err, qt.IsNil)
	_, err = f.gw.AuthorizeAgent(ctx, "office", 2223, newKey(c))
	c.Assert(err, qt.IsNil)

	n, err := f.gw.RevokeAgent(ctx, "home")
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)
	c.Assert(f.guard.ports, qt.DeepEquals, []int{2223})
	c.Assert(f.dropIn(c), qt.Contains, "\tPermitListen 127.0.0.1:2223\n")

	_, err = f.gw.RevokeAgent(ctx, "home")
	c.Assert(tunnelerr.IsInformational(err), qt.IsTrue)

	data, err := os.ReadFile(f.gw.Env.AuthorizedKeys)
	c.Assert(err, qt.IsNil)
	c.Assert(strings.HasPrefix(string(data), foreign), qt.IsTrue)
}

func TestRevokeHandsFileBackToTunnelUser(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()

	var handed []string
	f.gw.Chown = func(path, username string) error {
		handed = append(handed, username+" "+path)
		return nil
	}
	_, err := f.gw.AuthorizeAgent(ctx, "a", 2222, newKey(c))
	c.Assert(err, qt.IsNil)
	_, err = f.gw.AuthorizeAgent(ctx, "b", 2223, newKey(c))
	c.Assert(err, qt.IsNil)
	handed = nil

	_, err = f.gw.RevokeAgent(ctx, "a")
	c.Assert(err, qt.IsNil)
	c.Assert(handed, qt.DeepEquals, []string{"tunnel " + f.gw.Env.AuthorizedKeys})

	agents, err := f.gw.Agents()
	c.Assert(err, qt.IsNil)
	c.Assert(agents, qt.HasLen, 1)
	c.Assert(agents[0].Name, qt.Equals, "b")
}

func TestUninstallReversesSetup(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()

	c.Assert(f.gw.Setup(ctx), qt.IsNil)
	_, err := f.gw.AuthorizeAgent(ctx, "home", 2222, newKey(c))
	c.Assert(err, qt.IsNil)

	st, err := f.gw.Status(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Healthy(), qt.IsTrue)

	c.Assert(f.gw.Uninstall(ctx), qt.IsNil)
	c.Assert(f.guard.removed, qt.IsTrue)
	_, err = os.Stat(f.gw.Env.DropInPath())
	c.Assert(os.IsNotExist(err), qt.IsTrue)

	agents, err := f.gw.Agents()
	c.Assert(err, qt.IsNil)
	c.Assert(agents, qt.HasLen, 0)
}

func TestStatusReportsUnguardedPorts(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()

	_, err := f.gw.AuthorizeAgent(ctx, "home", 2222, newKey(c))
	c.Assert(err, qt.IsNil)
	f.guard.ports = nil

	st, err := f.gw.Status(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Policy, qt.IsTrue)
	c.Assert(st.Unguarded, qt.DeepEquals, []int{2222})
	c.Assert(st.Healthy(), qt.IsFalse)
}

func TestRejectedPolicyIsRolledBack(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()
	c.Assert(f.gw.Setup(ctx), qt.IsNil)
	before := f.dropIn(c)

	f.gw.Run = func(context.Context, []string) ([]byte, error) {
		return []byte("bad option"), errors.New("exit status 255")
	}
	_, err := f.gw.AuthorizeAgent(ctx, "home", 2222, newKey(c))
	c.Assert(err, qt.ErrorIs, tunnelerr.ExternalActionFailed)
	c.Assert(f.dropIn(c), qt.Equals, before)
	c.Assert(f.reloader.reloads, qt.Equals, 1)
}

func TestParseAgentKey(t *testing.T) {
	c := qt.New(t)
	key := newKey(c)

	got, err := ParseAgentKey(`restrict,permitlisten="0.0.0.0:22" ` + authkeys.KeyContent(key) + " nat-tunnel-agent:home\n")
	c.Assert(err, qt.IsNil)
	c.Assert(authkeys.KeyContent(got), qt.Equals, authkeys.KeyContent(key))

	_, err = ParseAgentKey("not a key")
	c.Assert(err, qt.ErrorIs, tunnelerr.PreconditionFailed)
}
