package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"nat-tunnel/agent/internal/endpoint"
)

const sampleYAML = `
state_dir: /tmp/nat-tunnel-test
platform: launchd
probe_timeout: 4s
endpoints:
  - name: home
    remote_host: gw.example
    remote_user: tunnel
    remote_bind_port: 2222
    keepalive_interval: 15s
`

func TestLoadFileAndEnv(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "agent.yaml")
	c.Assert(os.WriteFile(path, []byte(sampleYAML), 0o600), qt.IsNil)
	t.Setenv("NAT_TUNNEL_PROBE_WAIT", "250ms")
	t.Setenv("NAT_TUNNEL_STATUS_SECRET", "s3cret")

	cfg, err := Load(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.StateDir, qt.Equals, "/tmp/nat-tunnel-test")
	c.Assert(cfg.Platform, qt.Equals, PlatformLaunchd)
	c.Assert(cfg.ProbeTimeout, qt.Equals, 4*time.Second)
	c.Assert(cfg.ProbeWait, qt.Equals, 250*time.Millisecond)
	c.Assert(cfg.StatusSecret, qt.Equals, "s3cret")
	c.Assert(cfg.Validate(), qt.IsNil)

	ep, ok := cfg.Endpoint("home")
	c.Assert(ok, qt.IsTrue)
	c.Assert(ep.RemoteSSHPort, qt.Equals, 22)
	c.Assert(ep.LocalTargetPort, qt.Equals, 22)
	c.Assert(ep.KeepaliveInterval, qt.Equals, 15*time.Second)
	c.Assert(ep.KeepaliveRetries, qt.Equals, endpoint.DefaultKeepaliveRetries)
	c.Assert(ep.IdentityFile, qt.Equals, "/tmp/nat-tunnel-test/keys/tunnel_home")
	c.Assert(ep.RestartPolicy, qt.Equals, endpoint.RestartAlways)

	_, ok = cfg.Endpoint("other")
	c.Assert(ok, qt.IsFalse)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	c := qt.New(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	c.Assert(err, qt.ErrorMatches, "read config: .*")
}

func TestValidateCollectsErrors(t *testing.T) {
	c := qt.New(t)
	cfg := Defaults()
	cfg.StateDir = ""
	cfg.Platform = "upstart"
	cfg.Endpoints = []endpoint.Endpoint{
		{Name: "a", RemoteHost: "gw.example", RemoteUser: "u", RemoteBindPort: 2222},
		{Name: "a", RemoteHost: "gw.example", RemoteUser: "u", RemoteBindPort: 70000},
	}

	err := cfg.Validate()
	c.Assert(err, qt.IsNotNil)
	msg := err.Error()
	c.Assert(strings.Contains(msg, "StateDir"), qt.IsTrue)
	c.Assert(strings.Contains(msg, "Platform"), qt.IsTrue)
	c.Assert(strings.Contains(msg, "RemoteBindPort"), qt.IsTrue)
	c.Assert(strings.Contains(msg, `duplicate name "a"`), qt.IsTrue)
}

func TestResolveAlias(t *testing.T) {
	c := qt.New(t)
	table := map[string]string{
		"HostName":     "203.0.113.7",
		"User":         "relay",
		"Port":         "2200",
		"IdentityFile": "/keys/gw",
	}
	lookup := func(alias, key string) string {
		if alias != "gw" {
			return ""
		}
		return table[key]
	}

	ep := ResolveAlias(endpoint.Endpoint{RemoteHost: "gw"}, lookup)
	c.Assert(ep.RemoteHost, qt.Equals, "203.0.113.7")
	c.Assert(ep.RemoteUser, qt.Equals, "relay")
	c.Assert(ep.RemoteSSHPort, qt.Equals, 2200)
	c.Assert(ep.IdentityFile, qt.Equals, "/keys/gw")

	ep = ResolveAlias(endpoint.Endpoint{RemoteHost: "gw", RemoteUser: "me", RemoteSSHPort: 22}, lookup)
	c.Assert(ep.RemoteUser, qt.Equals, "me")
	c.Assert(ep.RemoteSSHPort, qt.Equals, 22)
}
