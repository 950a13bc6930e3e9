// Package descriptor turns an endpoint into the service definition the
// platform supervisor runs, and renders it for systemd and launchd.
package descriptor

import (
	"fmt"
	"strconv"
	"time"

	"nat-tunnel/agent/internal/endpoint"
)

// Environment keys set on every supervised process.
const (
	EnvTag      = "NAT_TUNNEL_TAG"
	EnvEndpoint = "NAT_TUNNEL_ENDPOINT"
)

// Descriptor is everything a service manager needs to keep the tunnel up.
// It is rebuilt from the endpoint each time and never edited in place.
type Descriptor struct {
	Label          string
	Description    string
	Program        []string
	Env            map[string]string
	RestartPolicy  endpoint.RestartPolicy
	RequireNetwork bool
	StdoutPath     string
	StderrPath     string
	Throttle       time.Duration
	WorkingDir     string
	UserScope      bool
}

// Options carries what Build needs beyond the endpoint itself.
type Options struct {
	Label      string
	Tag        string
	AgentPath  string
	SSHPath    string
	GOOS       string
	StdoutPath string
	StderrPath string
	WorkingDir string
	UserScope  bool
}

// Build composes the descriptor for ep. The program is the reconnect
// wrapper, which runs the sleep-prevention wrapper, which runs ssh.
func Build(ep endpoint.Endpoint, opts Options) Descriptor {
	throttle := EffectiveThrottle(ep)

	program := []string{
		opts.AgentPath, "reconnect",
		"--tag", opts.Tag,
		"--throttle", throttle.String(),
		"--",
	}
	program = append(program, KeepAwake(opts.GOOS, ep.Name)...)
	program = append(program, TransportArgs(ep, opts.Tag, opts.SSHPath)...)

	return Descriptor{
		Label:       opts.Label,
		Description: fmt.Sprintf("nat-tunnel %s: %s -> %s:%d", ep.Name, ep.RemoteBind(), ep.RemoteHost, ep.RemoteSSHPort),
		Program:     program,
		Env: map[string]string{
			EnvTag:      opts.Tag,
			EnvEndpoint: ep.Name,
		},
		RestartPolicy:  ep.RestartPolicy,
		RequireNetwork: true,
		StdoutPath:     opts.StdoutPath,
		StderrPath:     opts.StderrPath,
		Throttle:       throttle,
		WorkingDir:     opts.WorkingDir,
		UserScope:      opts.UserScope,
	}
}

// EffectiveThrottle never lets the supervisor restart faster than ssh can
// detect a dead gateway.
func EffectiveThrottle(ep endpoint.Endpoint) time.Duration {
	return max(ep.Throttle, ep.DetectionTime())
}

// KeepAwake is the sleep-prevention wrapper for goos. It is empty where
// there is none.
func KeepAwake(goos, name string) []string {
	switch goos {
	case "darwin":
		return []string{"caffeinate", "-i"}
	case "linux":
		return []string{
			"systemd-inhibit",
			"--what=sleep:idle",
			"--who=nat-tunnel",
			"--why=reverse tunnel " + name,
			"--mode=block",
		}
	default:
		return nil
	}
}

// TransportArgs is the ssh invocation holding the reverse forward open.
func TransportArgs(ep endpoint.Endpoint, tag, sshPath string) []string {
	if sshPath == "" {
		sshPath = "ssh"
	}
	return []string{
		sshPath,
		"-N", "-T",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=" + strconv.Itoa(ep.KeepaliveSeconds()),
		"-o", "ServerAliveCountMax=" + strconv.Itoa(ep.KeepaliveRetries),
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "SetEnv=" + EnvTag + "=" + tag,
		"-i", ep.IdentityFile,
		"-p", strconv.Itoa(ep.RemoteSSHPort),
		"-R", fmt.Sprintf("%s:localhost:%d", ep.RemoteBind(), ep.LocalTargetPort),
		ep.RemoteUser + "@" + ep.RemoteHost,
	}
}
