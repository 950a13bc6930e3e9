package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	sshconfig "github.com/kevinburke/ssh_config"

	"nat-tunnel/agent/internal/endpoint"
)

// LookupFunc answers ssh client config queries, like ssh_config.Get.
type LookupFunc func(alias, key string) string

// ResolveAlias fills endpoint fields left empty from the ssh client config
// entry for ep.RemoteHost, so a gateway can be named by its Host alias.
// Fields already set win over the config file.
func ResolveAlias(ep endpoint.Endpoint, lookup LookupFunc) endpoint.Endpoint {
	if lookup == nil {
		lookup = sshconfig.Get
	}
	alias := ep.RemoteHost
	if alias == "" {
		return ep
	}
	if h := lookup(alias, "HostName"); h != "" {
		ep.RemoteHost = h
	}
	if ep.RemoteUser == "" {
		ep.RemoteUser = lookup(alias, "User")
	}
	// ssh_config reports "22" when nothing is configured, which is also
	// our default, so it is safe to take as is.
	if ep.RemoteSSHPort == 0 {
		if p, err := strconv.Atoi(lookup(alias, "Port")); err == nil {
			ep.RemoteSSHPort = p
		}
	}
	if ep.IdentityFile == "" {
		if kf := lookup(alias, "IdentityFile"); kf != "" && !isDefaultIdentity(kf) {
			ep.IdentityFile = expandHome(kf)
		}
	}
	return ep
}

// ssh_config returns "~/.ssh/identity" as the IdentityFile default.
func isDefaultIdentity(kf string) bool {
	return kf == "~/.ssh/identity"
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}
