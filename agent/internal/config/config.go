package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"nat-tunnel/agent/internal/endpoint"
)

const (
	PlatformSystemd = "systemd"
	PlatformLaunchd = "launchd"

	DefaultLabelPrefix         = "nat-tunnel"
	DefaultSystemDir           = "/var/lib/nat-tunnel"
	DefaultConfigPath          = "/etc/nat-tunnel/agent.yaml"
	DefaultProbeWait           = 2 * time.Second
	DefaultProbeTimeout        = 10 * time.Second
	DefaultProbeInterval       = 500 * time.Millisecond
	DefaultLogTailLines        = 20
	DefaultReachabilityTimeout = 3 * time.Second
	DefaultStatusListen        = "127.0.0.1:8787"

	credentialMarkerPrefix = "nat-tunnel"
)

// Config is the agent's configuration. It is built once per invocation and
// handed to every component.
type Config struct {
	StateDir            string              `yaml:"state_dir" validate:"required"`
	AuthorizedKeys      string              `yaml:"authorized_keys" validate:"required"`
	Platform            string              `yaml:"platform" validate:"oneof=systemd launchd"`
	UserScope           bool                `yaml:"user_scope"`
	LabelPrefix         string              `yaml:"label_prefix" validate:"required,hostname_rfc1123"`
	LogLevel            string              `yaml:"log_level"`
	ProbeWait           time.Duration       `yaml:"probe_wait" validate:"gte=0"`
	ProbeTimeout        time.Duration       `yaml:"probe_timeout" validate:"gt=0"`
	ProbeInterval       time.Duration       `yaml:"probe_interval" validate:"gt=0"`
	LogTailLines        int                 `yaml:"log_tail_lines" validate:"min=1,max=1000"`
	ReachabilityTimeout time.Duration       `yaml:"reachability_timeout" validate:"gt=0"`
	StatusListen        string              `yaml:"status_listen" validate:"required,hostname_port"`
	StatusSecret        string              `yaml:"-"`
	Endpoints           []endpoint.Endpoint `yaml:"endpoints"`
}

// Defaults returns the configuration used when neither a file nor the
// environment says otherwise.
func Defaults() Config {
	user := os.Geteuid() != 0
	stateDir := DefaultSystemDir
	authorized := "/root/.ssh/authorized_keys"
	if home, err := os.UserHomeDir(); err == nil {
		authorized = filepath.Join(home, ".ssh", "authorized_keys")
		if user {
			stateDir = filepath.Join(home, ".nat-tunnel")
		}
	}
	platform := PlatformSystemd
	if runtime.GOOS == "darwin" {
		platform = PlatformLaunchd
	}
	return Config{
		StateDir:            stateDir,
		AuthorizedKeys:      authorized,
		Platform:            platform,
		UserScope:           user,
		LabelPrefix:         DefaultLabelPrefix,
		LogLevel:            "info",
		ProbeWait:           DefaultProbeWait,
		ProbeTimeout:        DefaultProbeTimeout,
		ProbeInterval:       DefaultProbeInterval,
		LogTailLines:        DefaultLogTailLines,
		ReachabilityTimeout: DefaultReachabilityTimeout,
		StatusListen:        DefaultStatusListen,
	}
}

// Load reads the yaml file at path over the defaults, then applies
// NAT_TUNNEL_* environment overrides. A missing file at the default path is
// not an error; a missing file that was asked for explicitly is.
func Load(path string) (Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"NAT_TUNNEL_STATE_DIR":       &cfg.StateDir,
		"NAT_TUNNEL_AUTHORIZED_KEYS": &cfg.AuthorizedKeys,
		"NAT_TUNNEL_PLATFORM":        &cfg.Platform,
		"NAT_TUNNEL_LABEL_PREFIX":    &cfg.LabelPrefix,
		"NAT_TUNNEL_LOG_LEVEL":       &cfg.LogLevel,
		"NAT_TUNNEL_STATUS_LISTEN":   &cfg.StatusListen,
		"NAT_TUNNEL_STATUS_SECRET":   &cfg.StatusSecret,
	}
	for name, dst := range str {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("NAT_TUNNEL_USER_SCOPE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NAT_TUNNEL_USER_SCOPE: %w", err)
		}
		cfg.UserScope = b
	}

	durations := map[string]*time.Duration{
		"NAT_TUNNEL_PROBE_WAIT":    &cfg.ProbeWait,
		"NAT_TUNNEL_PROBE_TIMEOUT": &cfg.ProbeTimeout,
	}
	for name, dst := range durations {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}
	return nil
}

var validate = validator.New()

// Validate checks the configuration and every configured endpoint.
func (c Config) Validate() error {
	var errs []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		ep = c.EndpointDefaults(ep)
		if err := ep.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: %v", i, err))
		}
		if seen[ep.Name] {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: duplicate name %q", i, ep.Name))
		}
		seen[ep.Name] = true
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Endpoint returns the configured endpoint called name with defaults
// applied. ok is false when the file does not define it.
func (c Config) Endpoint(name string) (endpoint.Endpoint, bool) {
	for _, ep := range c.Endpoints {
		ep = c.EndpointDefaults(ep)
		if ep.Name == name {
			return ep, true
		}
	}
	return endpoint.Endpoint{}, false
}

// EndpointDefaults applies the endpoint defaults and the per-endpoint
// identity file location.
func (c Config) EndpointDefaults(ep endpoint.Endpoint) endpoint.Endpoint {
	ep = ep.WithDefaults()
	if ep.IdentityFile == "" {
		ep.IdentityFile = c.TunnelKeyPath(ep.Name)
	}
	return ep
}

func (c Config) KeyDir() string       { return filepath.Join(c.StateDir, "clients") }
func (c Config) EndpointsDir() string { return filepath.Join(c.StateDir, "endpoints") }
func (c Config) LogDir() string       { return filepath.Join(c.StateDir, "logs") }
func (c Config) RegistryPath() string { return filepath.Join(c.StateDir, "registry.db") }
func (c Config) AgentLogPath() string { return filepath.Join(c.StateDir, "agent.log") }

// TunnelKeyPath is the private key the transport authenticates to the
// gateway with.
func (c Config) TunnelKeyPath(name string) string {
	return filepath.Join(c.StateDir, "keys", "tunnel_"+name)
}

func (c Config) StdoutLog(name string) string {
	return filepath.Join(c.LogDir(), name+".out.log")
}

func (c Config) StderrLog(name string) string {
	return filepath.Join(c.LogDir(), name+".err.log")
}

// Label is the service manager registration name for an endpoint.
func (c Config) Label(name string) string {
	return c.LabelPrefix + "-" + name
}

// CredentialMarkerPrefix prefixes the comment token of every
// authorization entry the agent writes.
func (c Config) CredentialMarkerPrefix() string {
	return credentialMarkerPrefix
}
