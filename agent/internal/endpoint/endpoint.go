// Package endpoint holds the tunnel endpoint definition and its lifecycle
// states.
package endpoint

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// State is the supervisor's view of one endpoint.
type State string

const (
	StateUninstalled State = "uninstalled"
	StateStopped     State = "stopped"
	StateStarting    State = "starting"
	StateConnected   State = "connected"
	StateDegraded    State = "degraded"
	StateFailed      State = "failed"
)

// Running reports whether the platform is expected to have the tunnel
// process tree up.
func (s State) Running() bool {
	return s == StateStarting || s == StateConnected || s == StateDegraded
}

type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
)

const (
	DefaultName              = "default"
	DefaultRemoteSSHPort     = 22
	DefaultLocalTargetPort   = 22
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultKeepaliveRetries  = 3
	DefaultThrottle          = 10 * time.Second
)

// Endpoint describes one reverse tunnel: which gateway to dial, which port
// to open on the gateway's loopback, and which local port it reaches.
type Endpoint struct {
	Name              string        `yaml:"name" json:"name" validate:"required,max=64,hostname_rfc1123"`
	RemoteHost        string        `yaml:"remote_host" json:"remote_host" validate:"required,hostname_rfc1123|ip"`
	RemoteUser        string        `yaml:"remote_user" json:"remote_user" validate:"required"`
	RemoteSSHPort     int           `yaml:"remote_ssh_port" json:"remote_ssh_port" validate:"min=1,max=65535"`
	RemoteBindPort    int           `yaml:"remote_bind_port" json:"remote_bind_port" validate:"min=1,max=65535"`
	LocalTargetPort   int           `yaml:"local_target_port" json:"local_target_port" validate:"min=1,max=65535"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" json:"keepalive_interval" validate:"gte=1s"`
	KeepaliveRetries  int           `yaml:"keepalive_retries" json:"keepalive_retries" validate:"min=1"`
	IdentityFile      string        `yaml:"identity_file" json:"identity_file" validate:"required"`
	RestartPolicy     RestartPolicy `yaml:"restart_policy" json:"restart_policy" validate:"oneof=always on-failure"`
	Throttle          time.Duration `yaml:"throttle" json:"throttle" validate:"gte=0"`
}

// WithDefaults fills zero fields with the package defaults. IdentityFile is
// left to the caller since it depends on the state directory.
func (e Endpoint) WithDefaults() Endpoint {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		e.Name = DefaultName
	}
	e.RemoteHost = strings.TrimSpace(e.RemoteHost)
	e.RemoteUser = strings.TrimSpace(e.RemoteUser)
	if e.RemoteSSHPort == 0 {
		e.RemoteSSHPort = DefaultRemoteSSHPort
	}
	if e.LocalTargetPort == 0 {
		e.LocalTargetPort = DefaultLocalTargetPort
	}
	if e.KeepaliveInterval == 0 {
		e.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if e.KeepaliveRetries == 0 {
		e.KeepaliveRetries = DefaultKeepaliveRetries
	}
	if e.RestartPolicy == "" {
		e.RestartPolicy = RestartAlways
	}
	if e.Throttle == 0 {
		e.Throttle = DefaultThrottle
	}
	return e
}

// KeepaliveSeconds is the keepalive interval as ssh takes it, in whole
// seconds rounded up. ssh treats 0 as keepalives off.
func (e Endpoint) KeepaliveSeconds() int {
	return max(int((e.KeepaliveInterval+time.Second-1)/time.Second), 1)
}

// DetectionTime is how long the transport needs to notice a dead gateway.
func (e Endpoint) DetectionTime() time.Duration {
	return time.Duration(e.KeepaliveSeconds()) * time.Second * time.Duration(e.KeepaliveRetries)
}

// RemoteBind is the -R forward's bind address on the gateway. It is
// always loopback.
func (e Endpoint) RemoteBind() string {
	return fmt.Sprintf("127.0.0.1:%d", e.RemoteBindPort)
}

var validate = validator.New()

// ValidName reports whether s can name an endpoint or a client credential.
func ValidName(s string) error {
	if err := validate.Var(s, "required,max=64,hostname_rfc1123"); err != nil {
		return fmt.Errorf("invalid name %q: use letters, digits, '-' and '.'", s)
	}
	return nil
}

// Validate checks the endpoint and joins every problem into one error.
func (e Endpoint) Validate() error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("endpoint.%s failed %q", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
