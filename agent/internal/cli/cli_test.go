package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"nat-tunnel/agent/internal/config"
	"nat-tunnel/agent/internal/diagnostics"
	"nat-tunnel/agent/internal/endpoint"
	"nat-tunnel/internal/tunnelerr"
)

func TestExitCode(t *testing.T) {
	c := qt.New(t)
	c.Assert(ExitCode(nil), qt.Equals, 0)
	c.Assert(ExitCode(errors.New("boom")), qt.Equals, 1)
	c.Assert(ExitCode(&ExitError{Code: 3}), qt.Equals, 3)
}

func TestVerdictExitTakesWorst(t *testing.T) {
	c := qt.New(t)
	c.Assert(verdictExit(diagnostics.Report{Verdict: diagnostics.Healthy}), qt.IsNil)
	err := verdictExit(
		diagnostics.Report{Verdict: diagnostics.Degraded},
		diagnostics.Report{Verdict: diagnostics.Down},
		diagnostics.Report{Verdict: diagnostics.Healthy},
	)
	c.Assert(ExitCode(err), qt.Equals, 3)
}

func TestDoneReportsInformationalAsSuccess(t *testing.T) {
	c := qt.New(t)
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)

	err := done(root, tunnelerr.New(tunnelerr.AlreadyExists, "endpoint home", "agent start home", "already stopped"), "unused")
	c.Assert(err, qt.IsNil)
	c.Assert(out.String(), qt.Equals, "endpoint home: already stopped\nhint: agent start home\n")

	failure := tunnelerr.New(tunnelerr.PreconditionFailed, "endpoint home", "agent reset home", "endpoint is failed")
	c.Assert(done(root, failure, "unused"), qt.Equals, failure)

	var stderr bytes.Buffer
	root.SetErr(&stderr)
	PrintError(root, failure)
	c.Assert(stderr.String(), qt.Equals, "error: endpoint home: endpoint is failed\nhint: agent reset home\n")
}

func TestEndpointFlagsResolve(t *testing.T) {
	c := qt.New(t)
	cfg := config.Defaults()
	cfg.StateDir = "/var/lib/nat-tunnel"
	cfg.Endpoints = []endpoint.Endpoint{{
		Name:           "home",
		RemoteHost:     "203.0.113.9",
		RemoteUser:     "tunnel",
		RemoteBindPort: 2222,
	}}

	flags := endpointFlags{RemoteBindPort: 2300, KeepaliveInterval: 5 * time.Second}
	ep, err := flags.resolve(cfg, "home")
	c.Assert(err, qt.IsNil)
	c.Assert(ep.RemoteHost, qt.Equals, "203.0.113.9")
	c.Assert(ep.RemoteBindPort, qt.Equals, 2300)
	c.Assert(ep.KeepaliveInterval, qt.Equals, 5*time.Second)
	c.Assert(ep.LocalTargetPort, qt.Equals, endpoint.DefaultLocalTargetPort)
	c.Assert(ep.IdentityFile, qt.Equals, "/var/lib/nat-tunnel/keys/tunnel_home")

	_, err = (&endpointFlags{}).resolve(cfg, "other")
	c.Assert(err, qt.ErrorMatches, "endpoint other: .*")

	_, err = (&endpointFlags{}).resolve(cfg, "Bad Name")
	c.Assert(err, qt.IsNotNil)
}

func runAgent(c *qt.C, args ...string) (string, error) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	_, err := root.ExecuteC()
	return out.String(), err
}

func TestCredentialCommands(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	cfgPath := filepath.Join(dir, "agent.yaml")
	c.Assert(os.WriteFile(cfgPath, []byte("platform: systemd\n"), 0o600), qt.IsNil)
	authorized := filepath.Join(dir, "home", ".ssh", "authorized_keys")
	c.Setenv("NAT_TUNNEL_STATE_DIR", filepath.Join(dir, "state"))
	c.Setenv("NAT_TUNNEL_AUTHORIZED_KEYS", authorized)

	out, err := runAgent(c, "--config", cfgPath, "credential", "issue", "laptop", "--authorize")
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Contains, "issued laptop")
	c.Assert(out, qt.Contains, "authorized laptop")

	out, err = runAgent(c, "--config", cfgPath, "credential", "issue", "laptop")
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Contains, "already issued")

	out, err = runAgent(c, "--config", cfgPath, "credential", "list")
	c.Assert(err, qt.IsNil)
	c.Assert(strings.Count(out, "laptop"), qt.Equals, 1)

	data, err := os.ReadFile(authorized)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Contains, "nat-tunnel:laptop")

	out, err = runAgent(c, "--config", cfgPath, "credential", "revoke", "laptop")
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Equals, "revoked laptop (1 entries removed)\n")

	_, err = runAgent(c, "--config", cfgPath, "credential", "authorize", "nobody")
	c.Assert(err, qt.ErrorIs, tunnelerr.NotFound)
}

func TestStatusWithNothingInstalled(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	cfgPath := filepath.Join(dir, "agent.yaml")
	c.Assert(os.WriteFile(cfgPath, []byte("platform: systemd\nstate_dir: "+filepath.Join(dir, "state")+"\n"), 0o600), qt.IsNil)

	out, err := runAgent(c, "--config", cfgPath, "status")
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Equals, "no endpoints installed\n")
}
