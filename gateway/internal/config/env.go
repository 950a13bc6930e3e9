package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultTunnelUser = "tunnel"
	DefaultSSHDDir    = "/etc/ssh/sshd_config.d"
	DefaultSSHDUnit   = "ssh.service"
	DefaultLogFile    = "/var/log/nat-tunnel/gateway.log"
	DropInName        = "50-nat-tunnel.conf"
	minBindPort       = 1024
	maxPort           = 65535
)

type Env struct {
	TunnelUser     string
	AuthorizedKeys string

	SSHDDir    string
	SSHDUnit   string
	SSHDBinary string

	// MinBindPort is the lowest port an agent may be allowed to bind.
	MinBindPort int

	LogLevel string
	LogFile  string
}

// DropInPath is where the sshd policy for the tunnel user is written.
func (e Env) DropInPath() string {
	return filepath.Join(e.SSHDDir, DropInName)
}

func LoadEnv() (Env, error) {
	env := Env{
		TunnelUser:     os.Getenv("NAT_TUNNEL_GW_USER"),
		AuthorizedKeys: os.Getenv("NAT_TUNNEL_GW_AUTHORIZED_KEYS"),
		SSHDDir:        os.Getenv("NAT_TUNNEL_GW_SSHD_DIR"),
		SSHDUnit:       os.Getenv("NAT_TUNNEL_GW_SSHD_UNIT"),
		SSHDBinary:     os.Getenv("NAT_TUNNEL_GW_SSHD_BINARY"),
		LogLevel:       os.Getenv("NAT_TUNNEL_GW_LOG_LEVEL"),
		LogFile:        os.Getenv("NAT_TUNNEL_GW_LOG_FILE"),
	}

	if port := os.Getenv("NAT_TUNNEL_GW_MIN_BIND_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Env{}, fmt.Errorf("NAT_TUNNEL_GW_MIN_BIND_PORT: %w", err)
		}
		env.MinBindPort = p
	} else {
		env.MinBindPort = minBindPort
	}

	if env.TunnelUser == "" {
		env.TunnelUser = DefaultTunnelUser
	}
	if env.AuthorizedKeys == "" {
		env.AuthorizedKeys = filepath.Join("/home", env.TunnelUser, ".ssh", "authorized_keys")
	}
	if env.SSHDDir == "" {
		env.SSHDDir = DefaultSSHDDir
	}
	if env.SSHDUnit == "" {
		env.SSHDUnit = DefaultSSHDUnit
	}
	if env.SSHDBinary == "" {
		env.SSHDBinary = "sshd"
	}
	if env.LogFile == "" {
		env.LogFile = DefaultLogFile
	}

	var errs []string
	if strings.ContainsAny(env.TunnelUser, " \t\n\"") {
		errs = append(errs, "NAT_TUNNEL_GW_USER must be a plain user name")
	}
	if !filepath.IsAbs(env.AuthorizedKeys) {
		errs = append(errs, "NAT_TUNNEL_GW_AUTHORIZED_KEYS must be an absolute path")
	}
	if env.MinBindPort <= 0 || env.MinBindPort > maxPort {
		errs = append(errs, "NAT_TUNNEL_GW_MIN_BIND_PORT must be 1-65535")
	}
	if len(errs) > 0 {
		return Env{}, errors.New(strings.Join(errs, "; "))
	}

	return env, nil
}
