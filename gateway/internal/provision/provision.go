// Package provision configures a gateway host for agent tunnels: the sshd
// policy for the tunnel user, the loopback guard and the agents' keys.
package provision

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	shlex "github.com/anmitsu/go-shlex"
	"github.com/juju/loggo/v2"
	"golang.org/x/crypto/ssh"

	"nat-tunnel/gateway/internal/config"
	"nat-tunnel/gateway/internal/firewall"
	"nat-tunnel/gateway/internal/sshd"
	"nat-tunnel/internal/authkeys"
	"nat-tunnel/internal/tunnelerr"
)

var logger = loggo.GetLogger("nat-tunnel.provision")

const (
	AgentMarkerPrefix = "nat-tunnel-agent"
	loopbackHost      = "127.0.0.1"
)

// AgentOptions is the only option set an agent key is ever authorized
// with.
func AgentOptions(port int) string {
	return fmt.Sprintf(`restrict,port-forwarding,permitlisten="%s:%d"`, loopbackHost, port)
}

// Agent is an authorized tunnel key.
type Agent struct {
	Name        string `json:"name"`
	Port        int    `json:"port"`
	Fingerprint string `json:"fingerprint"`
	// Loopback is false when the entry was edited to listen elsewhere.
	Loopback bool `json:"loopback"`
}

// Gateway runs the gateway flows. Each flow stops at the first fatal error.
type Gateway struct {
	Env      config.Env
	Firewall firewall.Guard
	Reloader sshd.Reloader

	// InstallCommand installs sshd when it is missing. Empty means a
	// missing sshd is fatal.
	InstallCommand string
	Run            sshd.RunFunc
	LookPath       func(file string) (string, error)
	// Chown hands the authorized_keys file to the tunnel user. Nil means
	// chown when running as root.
	Chown func(path, username string) error
}

func (g *Gateway) run(ctx context.Context, argv []string) ([]byte, error) {
	if g.Run != nil {
		return g.Run(ctx, argv)
	}
	return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
}

func (g *Gateway) lookPath(file string) (string, error) {
	if g.LookPath != nil {
		return g.LookPath(file)
	}
	return exec.LookPath(file)
}

// Agents lists the authorized agent keys ordered by name.
func (g *Gateway) Agents() ([]Agent, error) {
	entries, err := authkeys.Tagged(g.Env.AuthorizedKeys, AgentMarkerPrefix)
	if err != nil {
		return nil, err
	}
	agents := make([]Agent, 0, len(entries))
	for _, e := range entries {
		a := Agent{
			Name:        strings.TrimPrefix(e.Marker, AgentMarkerPrefix+":"),
			Fingerprint: ssh.FingerprintSHA256(e.Key),
		}
		a.Port, a.Loopback = permitListen(e.Options)
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

func permitListen(options []string) (int, bool) {
	for _, opt := range options {
		v, ok := strings.CutPrefix(strings.ToLower(opt), "permitlisten=")
		if !ok {
			continue
		}
		host, port, err := net.SplitHostPort(strings.Trim(v, `"`))
		if err != nil {
			return 0, false
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return 0, false
		}
		return p, host == loopbackHost || host == "localhost"
	}
	return 0, false
}

// Setup makes sure sshd is installed, then writes the policy and the
// guard for the agents already authorized.
func (g *Gateway) Setup(ctx context.Context) error {
	if err := g.preflight(ctx); err != nil {
		return err
	}
	return g.sync(ctx)
}

func (g *Gateway) preflight(ctx context.Context) error {
	if _, err := g.lookPath(g.Env.SSHDBinary); err == nil {
		return nil
	}
	if g.InstallCommand == "" {
		return tunnelerr.New(tunnelerr.PreconditionFailed, "sshd", "install openssh-server or pass --install-cmd", "%s not found", g.Env.SSHDBinary)
	}
	argv, err := shlex.Split(g.InstallCommand, true)
	if err != nil || len(argv) == 0 {
		return tunnelerr.New(tunnelerr.PreconditionFailed, "install command", "", "cannot parse %q", g.InstallCommand)
	}
	logger.Infof("installing sshd: %s", g.InstallCommand)
	if out, err := g.run(ctx, argv); err != nil {
		return tunnelerr.New(tunnelerr.ExternalActionFailed, "install command", "run it by hand to see why",
			"%v: %s", err, strings.TrimSpace(string(out)))
	}
	if _, err := g.lookPath(g.Env.SSHDBinary); err != nil {
		return tunnelerr.New(tunnelerr.ExternalActionFailed, "sshd", "", "%s still missing after install", g.Env.SSHDBinary)
	}
	return nil
}

// sync derives the sshd policy and the guarded ports from the authorized
// agents and applies both.
func (g *Gateway) sync(ctx context.Context) error {
	agents, err := g.Agents()
	if err != nil {
		return err
	}
	var (
		listen []string
		ports  []int
	)
	for _, a := range agents {
		if a.Port == 0 {
			logger.Warningf("agent %s has no permitlisten option; it cannot bind anything", a.Name)
			continue
		}
		if !a.Loopback {
			logger.Warningf("agent %s listens off loopback; sshd policy keeps it on %s", a.Name, loopbackHost)
		}
		listen = append(listen, net.JoinHostPort(loopbackHost, strconv.Itoa(a.Port)))
		ports = append(ports, a.Port)
	}

	if err := g.writePolicy(ctx, sshd.Render(sshd.Policy{User: g.Env.TunnelUser, Listen: listen})); err != nil {
		return err
	}
	if err := g.Firewall.Apply(ports); err != nil {
		return tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, "firewall", "is nftables available and are you root?")
	}
	return nil
}

// writePolicy installs the drop-in, checks the whole sshd config and
// reloads sshd. A drop-in sshd rejects is rolled back.
func (g *Gateway) writePolicy(ctx context.Context, data []byte) error {
	path := g.Env.DropInPath()
	previous, readErr := os.ReadFile(path)

	changed, err := sshd.Write(path, data)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := sshd.Check(ctx, g.run, g.Env.SSHDBinary); err != nil {
		if readErr == nil {
			_, _ = sshd.Write(path, previous)
		} else {
			_, _ = sshd.Remove(path)
		}
		return err
	}
	return g.Reloader.Reload(ctx)
}

// AuthorizeAgent lets the key tagged with name bind 127.0.0.1:port and
// nothing else. It reports whether the authorized_keys file changed.
func (g *Gateway) AuthorizeAgent(ctx context.Context, name string, port int, key ssh.PublicKey) (bool, error) {
	resource := "agent " + name
	if port < g.Env.MinBindPort || port > 65535 {
		return false, tunnelerr.New(tunnelerr.PreconditionFailed, resource, "", "bind port %d outside %d-65535", port, g.Env.MinBindPort)
	}

	agents, err := g.Agents()
	if err != nil {
		return false, err
	}
	fp := ssh.FingerprintSHA256(key)
	for _, a := range agents {
		switch {
		case a.Name == name && a.Fingerprint == fp && a.Port == port && a.Loopback:
			if err := g.sync(ctx); err != nil {
				return false, err
			}
			return false, tunnelerr.New(tunnelerr.AlreadyExists, resource, "", "already authorized for %s:%d", loopbackHost, port)
		case a.Name != name && a.Port == port:
			return false, tunnelerr.New(tunnelerr.PreconditionFailed, resource, "gateway revoke-agent "+a.Name, "port %d is already given to agent %s", port, a.Name)
		case a.Name != name && a.Fingerprint == fp:
			return false, tunnelerr.New(tunnelerr.PreconditionFailed, resource, "gateway revoke-agent "+a.Name, "key is already authorized as agent %s", a.Name)
		}
	}

	marker := authkeys.Marker(AgentMarkerPrefix, name)
	if _, err := authkeys.RemoveTagged(g.Env.AuthorizedKeys, marker); err != nil {
		return false, err
	}
	added, err := authkeys.Add(g.Env.AuthorizedKeys, key, authkeys.Line(AgentOptions(port), key, marker))
	if err != nil {
		return false, err
	}
	if !added {
		return false, tunnelerr.New(tunnelerr.PreconditionFailed, resource, "remove the untagged entry for this key by hand",
			"key is already in %s without a tag", g.Env.AuthorizedKeys)
	}
	if err := g.handOver(); err != nil {
		return true, err
	}
	logger.Infof("authorized agent %s on %s:%d", name, loopbackHost, port)
	return true, g.sync(ctx)
}

// RevokeAgent removes every entry tagged with name and returns how many
// went away.
func (g *Gateway) RevokeAgent(ctx context.Context, name string) (int, error) {
	n, err := authkeys.RemoveTagged(g.Env.AuthorizedKeys, authkeys.Marker(AgentMarkerPrefix, name))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := g.handOver(); err != nil {
			return n, err
		}
	}
	if err := g.sync(ctx); err != nil {
		return n, err
	}
	if n == 0 {
		return 0, tunnelerr.New(tunnelerr.AlreadyExists, "agent "+name, "", "not authorized")
	}
	logger.Infof("revoked agent %s (%d entries)", name, n)
	return n, nil
}

// Uninstall revokes every agent and removes the sshd policy and the guard.
func (g *Gateway) Uninstall(ctx context.Context) error {
	n, err := authkeys.RemoveFunc(g.Env.AuthorizedKeys, func(tok string) bool {
		return strings.HasPrefix(tok, AgentMarkerPrefix+":")
	})
	if err != nil {
		return err
	}
	logger.Infof("removed %d agent entries", n)

	removed, err := sshd.Remove(g.Env.DropInPath())
	if err != nil {
		return err
	}
	if removed {
		if err := g.Reloader.Reload(ctx); err != nil {
			return err
		}
	}
	if err := g.Firewall.Remove(); err != nil {
		return tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, "firewall", "")
	}
	return nil
}

// Status is the gateway's view of its agents.
type Status struct {
	Agents    []Agent `json:"agents"`
	Policy    bool    `json:"policy"`
	Guarded   []int   `json:"guarded"`
	Unguarded []int   `json:"unguarded,omitempty"`
	// GuardError is set when the firewall could not be read.
	GuardError string `json:"guard_error,omitempty"`
}

// Status reports authorized agents, whether the policy is in place and
// which bind ports lack a guard. It never fails on a single check.
func (g *Gateway) Status(ctx context.Context) (Status, error) {
	agents, err := g.Agents()
	if err != nil {
		return Status{}, err
	}
	st := Status{Agents: agents}
	if _, err := os.Stat(g.Env.DropInPath()); err == nil {
		st.Policy = true
	}
	guarded, err := g.Firewall.Ports()
	if err != nil {
		st.GuardError = err.Error()
		return st, nil
	}
	st.Guarded = guarded
	have := make(map[int]bool, len(guarded))
	for _, p := range guarded {
		have[p] = true
	}
	for _, a := range agents {
		if a.Port != 0 && !have[a.Port] {
			st.Unguarded = append(st.Unguarded, a.Port)
		}
	}
	return st, nil
}

// Healthy reports whether every agent port is guarded and the policy is in
// place.
func (s Status) Healthy() bool {
	return s.Policy && s.GuardError == "" && len(s.Unguarded) == 0
}

func (g *Gateway) handOver() error {
	chown := g.Chown
	if chown == nil {
		if os.Geteuid() != 0 {
			return nil
		}
		chown = chownToUser
	}
	if err := chown(g.Env.AuthorizedKeys, g.Env.TunnelUser); err != nil {
		return fmt.Errorf("hand %s to %s: %w", g.Env.AuthorizedKeys, g.Env.TunnelUser, err)
	}
	return nil
}

func chownToUser(path, username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return tunnelerr.Wrap(tunnelerr.PreconditionFailed, err, "user "+username, "create the tunnel user first")
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	for _, p := range []string{filepath.Dir(path), path} {
		if err := os.Chown(p, uid, gid); err != nil {
			return err
		}
	}
	return nil
}

// ParseAgentKey accepts a bare public key or a whole authorized_keys line
// and returns the key alone. Options on the line are discarded.
func ParseAgentKey(text string) (ssh.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(text)))
	if err != nil {
		return nil, tunnelerr.Wrap(tunnelerr.PreconditionFailed, err, "agent key", "pass the .pub file printed by agent setup")
	}
	return key, nil
}
