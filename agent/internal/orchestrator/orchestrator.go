// Package orchestrator runs the multi-step setup and teardown flows on the
// inside host. Each flow stops at the first fatal error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	shlex "github.com/anmitsu/go-shlex"
	"github.com/juju/loggo/v2"

	"nat-tunnel/agent/internal/credential"
	"nat-tunnel/agent/internal/descriptor"
	"nat-tunnel/agent/internal/endpoint"
	"nat-tunnel/agent/internal/supervisor"
	"nat-tunnel/internal/authkeys"
	"nat-tunnel/internal/tunnelerr"
)

var logger = loggo.GetLogger("nat-tunnel.orchestrator")

// AgentMarkerPrefix tags the tunnel identity key wherever it is
// authorized on a gateway.
const AgentMarkerPrefix = "nat-tunnel-agent"

// RunFunc runs an external command and returns its combined output.
type RunFunc func(ctx context.Context, argv []string) ([]byte, error)

func runCommand(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
}

// Inside provisions and removes tunnels on the inside host.
type Inside struct {
	Supervisor  *supervisor.Supervisor
	Credentials *credential.Store

	// InstallCommand installs missing tools, e.g. "apt-get install -y
	// openssh-client". Empty means missing tools are fatal.
	InstallCommand string
	LookPath       func(file string) (string, error)
	Run            RunFunc
	// TunnelKeyPath locates the tunnel key of an endpoint that has no
	// stored record, for purging.
	TunnelKeyPath func(name string) string
}

// SetupResult is what Setup leaves behind.
type SetupResult struct {
	Record     supervisor.Record
	TunnelKey  credential.KeyPair
	KeyCreated bool
	// GatewayLine is the entry to authorize on the gateway for this
	// tunnel's key.
	GatewayLine string
}

func (o *Inside) lookPath(file string) (string, error) {
	if o.LookPath != nil {
		return o.LookPath(file)
	}
	return exec.LookPath(file)
}

func (o *Inside) run(ctx context.Context, argv []string) ([]byte, error) {
	if o.Run != nil {
		return o.Run(ctx, argv)
	}
	return runCommand(ctx, argv)
}

// RequiredTools lists the executables a tunnel needs on goos.
func RequiredTools(goos, sshPath string) []string {
	if sshPath == "" {
		sshPath = "ssh"
	}
	tools := []string{sshPath}
	if ka := descriptor.KeepAwake(goos, ""); len(ka) > 0 {
		tools = append(tools, ka[0])
	}
	return tools
}

// Preflight makes sure every required tool is on PATH, running the install
// command once if some are missing.
func (o *Inside) Preflight(ctx context.Context) error {
	tools := RequiredTools(o.Supervisor.GOOS, o.Supervisor.SSHPath)
	missing := o.missing(tools)
	if len(missing) == 0 {
		return nil
	}
	if o.InstallCommand == "" {
		return tunnelerr.New(tunnelerr.PreconditionFailed, "tools", "install "+strings.Join(missing, ", ")+" or pass --install-cmd",
			"missing %s", strings.Join(missing, ", "))
	}

	argv, err := shlex.Split(o.InstallCommand, true)
	if err != nil || len(argv) == 0 {
		return tunnelerr.New(tunnelerr.PreconditionFailed, "install command", "", "cannot parse %q", o.InstallCommand)
	}
	logger.Infof("installing %s: %s", strings.Join(missing, ", "), o.InstallCommand)
	if out, err := o.run(ctx, argv); err != nil {
		return tunnelerr.New(tunnelerr.ExternalActionFailed, "install command", "run it by hand to see why",
			"%v: %s", err, strings.TrimSpace(string(out)))
	}
	if missing := o.missing(tools); len(missing) > 0 {
		return tunnelerr.New(tunnelerr.ExternalActionFailed, "tools", "", "still missing after install: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (o *Inside) missing(tools []string) []string {
	var out []string
	for _, t := range tools {
		if _, err := o.lookPath(t); err != nil {
			out = append(out, t)
		}
	}
	return out
}

// Setup checks tools, makes sure the tunnel identity key exists, installs
// the endpoint and starts it.
func (o *Inside) Setup(ctx context.Context, ep endpoint.Endpoint) (SetupResult, error) {
	var res SetupResult

	rec, err := o.Supervisor.Load(ep.Name)
	if err != nil {
		return res, err
	}
	res.Record = rec
	switch {
	case rec.State == endpoint.StateFailed:
		return res, tunnelerr.New(tunnelerr.PreconditionFailed, "endpoint "+ep.Name, "agent reset "+ep.Name, "endpoint is failed")
	case rec.State.Running():
		return res, tunnelerr.New(tunnelerr.AlreadyExists, "endpoint "+ep.Name, "agent restart "+ep.Name+" to apply changes", "already set up (%s)", rec.State)
	}

	if err := o.Preflight(ctx); err != nil {
		return res, err
	}

	kp, created, err := credential.LoadOrCreateKeyPair(ep.IdentityFile, authkeys.Marker(AgentMarkerPrefix, ep.Name))
	if err != nil {
		return res, fmt.Errorf("tunnel key: %w", err)
	}
	res.TunnelKey, res.KeyCreated = kp, created
	res.GatewayLine = authkeys.Line("", kp.PublicKey, authkeys.Marker(AgentMarkerPrefix, ep.Name))
	if created {
		logger.Infof("created tunnel key %s (%s)", kp.PrivatePath, kp.Fingerprint())
	}

	if res.Record, err = o.Supervisor.Install(ctx, ep); err != nil {
		return res, err
	}
	res.Record, err = o.Supervisor.Start(ctx, ep.Name)
	return res, err
}

// Teardown stops and uninstalls the endpoint. With purge it also deletes
// the tunnel key and every client credential.
func (o *Inside) Teardown(ctx context.Context, name string, purge bool) error {
	rec, err := o.Supervisor.Load(name)
	if err != nil {
		return err
	}

	if rec.State != endpoint.StateUninstalled {
		if rec.State == endpoint.StateFailed {
			_, err = o.Supervisor.Reset(ctx, name)
		} else {
			_, err = o.Supervisor.Stop(ctx, name)
		}
		if err != nil && !tunnelerr.IsInformational(err) {
			return err
		}
		if err := o.Supervisor.Uninstall(ctx, name); err != nil && !tunnelerr.IsInformational(err) {
			return err
		}
	}

	if !purge {
		if rec.State == endpoint.StateUninstalled {
			return tunnelerr.New(tunnelerr.AlreadyExists, "endpoint "+name, "", "not installed")
		}
		return nil
	}

	key := rec.Endpoint.IdentityFile
	if key == "" && o.TunnelKeyPath != nil {
		key = o.TunnelKeyPath(name)
	}
	if key != "" {
		for _, path := range []string{key, key + ".pub"} {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove tunnel key: %w", err)
			}
		}
	}
	if o.Credentials == nil {
		return nil
	}
	var names []string
	for cred, err := range o.Credentials.List(ctx) {
		if err != nil {
			return err
		}
		names = append(names, cred.Name)
	}
	for _, n := range names {
		if err := o.Credentials.Delete(ctx, n); err != nil {
			return err
		}
	}
	logger.Infof("purged tunnel key and %d client credentials", len(names))
	return nil
}
