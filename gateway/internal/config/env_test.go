package config

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestLoadEnvDefaults(t *testing.T) {
	c := qt.New(t)
	c.Setenv("NAT_TUNNEL_GW_USER", "relay")

	env, err := LoadEnv()
	c.Assert(err, qt.IsNil)
	c.Assert(env.TunnelUser, qt.Equals, "relay")
	c.Assert(env.AuthorizedKeys, qt.Equals, "/home/relay/.ssh/authorized_keys")
	c.Assert(env.DropInPath(), qt.Equals, "/etc/ssh/sshd_config.d/50-nat-tunnel.conf")
	c.Assert(env.SSHDUnit, qt.Equals, DefaultSSHDUnit)
	c.Assert(env.MinBindPort, qt.Equals, 1024)
}

func TestLoadEnvErrors(t *testing.T) {
	c := qt.New(t)
	c.Setenv("NAT_TUNNEL_GW_AUTHORIZED_KEYS", "relative/keys")
	c.Setenv("NAT_TUNNEL_GW_MIN_BIND_PORT", "70000")

	_, err := LoadEnv()
	c.Assert(err, qt.ErrorMatches, "NAT_TUNNEL_GW_AUTHORIZED_KEYS must be an absolute path; NAT_TUNNEL_GW_MIN_BIND_PORT must be 1-65535")

	c.Setenv("NAT_TUNNEL_GW_MIN_BIND_PORT", "low")
	_, err = LoadEnv()
	c.Assert(err, qt.ErrorMatches, "NAT_TUNNEL_GW_MIN_BIND_PORT: .*")
}
