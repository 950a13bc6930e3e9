package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nat-tunnel/agent/internal/config"
	"nat-tunnel/agent/internal/endpoint"
)

// endpointFlags override or supply an endpoint definition on the command
// line.
type endpointFlags struct {
	RemoteHost        string
	RemoteUser        string
	RemoteSSHPort     int
	RemoteBindPort    int
	LocalTargetPort   int
	IdentityFile      string
	RestartPolicy     string
	KeepaliveInterval time.Duration
	KeepaliveRetries  int
	Throttle          time.Duration
}

func (f *endpointFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.RemoteHost, "remote-host", "", "gateway host or ssh config alias")
	fl.StringVar(&f.RemoteUser, "remote-user", "", "gateway login user")
	fl.IntVar(&f.RemoteSSHPort, "remote-port", 0, "gateway ssh port")
	fl.IntVar(&f.RemoteBindPort, "bind-port", 0, "port bound on the gateway loopback")
	fl.IntVar(&f.LocalTargetPort, "local-port", 0, "local port the tunnel reaches (default 22)")
	fl.StringVar(&f.IdentityFile, "identity", "", "tunnel private key (default <state>/keys/tunnel_<name>)")
	fl.StringVar(&f.RestartPolicy, "restart", "", "restart policy: always or on-failure")
	fl.DurationVar(&f.KeepaliveInterval, "keepalive", 0, "keepalive interval")
	fl.IntVar(&f.KeepaliveRetries, "keepalive-retries", 0, "missed keepalives before the transport exits")
	fl.DurationVar(&f.Throttle, "throttle", 0, "minimum time between restarts")
}

// resolve merges the named endpoint from cfg with the flags, resolves the
// gateway alias and applies defaults.
func (f *endpointFlags) resolve(cfg config.Config, name string) (endpoint.Endpoint, error) {
	if err := endpoint.ValidName(name); err != nil {
		return endpoint.Endpoint{}, err
	}
	ep := endpoint.Endpoint{Name: name}
	for _, e := range cfg.Endpoints {
		if e.Name == name {
			ep = e
		}
	}

	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	setStr(&ep.RemoteHost, f.RemoteHost)
	setStr(&ep.RemoteUser, f.RemoteUser)
	setInt(&ep.RemoteSSHPort, f.RemoteSSHPort)
	setInt(&ep.RemoteBindPort, f.RemoteBindPort)
	setInt(&ep.LocalTargetPort, f.LocalTargetPort)
	setStr(&ep.IdentityFile, f.IdentityFile)
	setInt(&ep.KeepaliveRetries, f.KeepaliveRetries)
	if f.RestartPolicy != "" {
		ep.RestartPolicy = endpoint.RestartPolicy(f.RestartPolicy)
	}
	if f.KeepaliveInterval != 0 {
		ep.KeepaliveInterval = f.KeepaliveInterval
	}
	if f.Throttle != 0 {
		ep.Throttle = f.Throttle
	}

	ep = config.ResolveAlias(ep, nil)
	ep = cfg.EndpointDefaults(ep)
	if err := ep.Validate(); err != nil {
		return ep, fmt.Errorf("endpoint %s: %w", name, err)
	}
	return ep, nil
}

func endpointName(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return endpoint.DefaultName
}
