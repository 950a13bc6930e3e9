package cli

import (
	"bytes"
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"nat-tunnel/gateway/internal/provision"
)

func TestWriteStatus(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	writeStatus(&buf, "tunnel", provision.Status{
		Policy:  true,
		Guarded: []int{2222},
		Agents: []provision.Agent{
			{Name: "home", Port: 2222, Fingerprint: "SHA256:abc", Loopback: true},
		},
	})
	c.Assert(buf.String(), qt.Equals, "Tunnel user:    tunnel\n"+
		"sshd policy:    installed\n"+
		"Guard:          ✓ 2222\n"+
		"\nAgents:\n"+
		"  home             127.0.0.1:2222   SHA256:abc ✓\n")

	buf.Reset()
	writeStatus(&buf, "tunnel", provision.Status{Unguarded: []int{2222, 2300}})
	c.Assert(buf.String(), qt.Contains, "sshd policy:    missing\n")
	c.Assert(buf.String(), qt.Contains, "Guard:          ⚠ unguarded ports 2222, 2300\n")
	c.Assert(buf.String(), qt.Contains, "No agents authorized\n")
}

func TestAuthorizeAgentNeedsKey(t *testing.T) {
	c := qt.New(t)
	root := NewRootCommand()
	root.SetArgs([]string{"authorize-agent", "home", "--bind-port", "2222"})
	root.SetOut(&bytes.Buffer{})
	_, err := root.ExecuteC()
	c.Assert(err, qt.ErrorMatches, "one of --key or --key-file is required")
	c.Assert(ExitCode(err), qt.Equals, 1)
	c.Assert(ExitCode(&ExitError{Code: 2}), qt.Equals, 2)
	c.Assert(ExitCode(errors.New("x")), qt.Equals, 1)
}
