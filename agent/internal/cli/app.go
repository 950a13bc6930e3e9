package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"nat-tunnel/agent/internal/config"
	"nat-tunnel/agent/internal/credential"
	"nat-tunnel/agent/internal/diagnostics"
	"nat-tunnel/agent/internal/platform"
	"nat-tunnel/agent/internal/procs"
	"nat-tunnel/agent/internal/registry"
	"nat-tunnel/agent/internal/supervisor"
	"nat-tunnel/internal/logging"
	"nat-tunnel/internal/tunnelerr"
)

// Persistent flag names set on the root command.
const (
	FlagConfig  = "config"
	FlagVerbose = "verbose"
)

// app holds everything a command needs, built from the configuration.
type app struct {
	cfg        config.Config
	supervisor *supervisor.Supervisor
	aggregator *diagnostics.Aggregator
	repo       *registry.GormRepository
}

func loadApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString(FlagConfig)
	verbose, _ := cmd.Flags().GetBool(FlagVerbose)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.AgentLogPath(), verbose); err != nil {
		return nil, err
	}

	actuator, err := platform.New(platform.Options{Kind: cfg.Platform, UserScope: cfg.UserScope})
	if err != nil {
		return nil, err
	}
	agentPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate agent binary: %w", err)
	}

	table := procs.HostTable{}
	return &app{
		cfg: cfg,
		supervisor: &supervisor.Supervisor{
			Actuator:      actuator,
			Procs:         table,
			States:        supervisor.StateStore{Dir: cfg.EndpointsDir()},
			Layout:        cfg,
			AgentPath:     agentPath,
			GOOS:          runtime.GOOS,
			UserScope:     cfg.UserScope,
			ProbeWait:     cfg.ProbeWait,
			ProbeTimeout:  cfg.ProbeTimeout,
			ProbeInterval: cfg.ProbeInterval,
		},
		aggregator: &diagnostics.Aggregator{
			Actuator:    actuator,
			Procs:       table,
			Layout:      cfg,
			TailLines:   cfg.LogTailLines,
			DialTimeout: cfg.ReachabilityTimeout,
		},
	}, nil
}

func (a *app) inspector() diagnostics.Inspector {
	return diagnostics.Inspector{Supervisor: a.supervisor, Aggregator: a.aggregator}
}

// credentials opens the registry on first use.
func (a *app) credentials() (*credential.Store, error) {
	if a.repo == nil {
		repo, err := registry.Open(a.cfg.RegistryPath())
		if err != nil {
			return nil, err
		}
		a.repo = repo
	}
	return credential.NewStore(a.cfg.KeyDir(), a.cfg.AuthorizedKeys, a.cfg.CredentialMarkerPrefix(), a.repo), nil
}

func (a *app) Close() error {
	if a.repo == nil {
		return nil
	}
	return a.repo.Close()
}

// withApp runs fn with a loaded app and a context cancelled on SIGINT or
// SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

// ExitError carries a non-default exit code. Its message has already been
// printed.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode maps the error returned by a command to the process exit code.
func ExitCode(err error) int {
	var ee *ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ee):
		return ee.Code
	default:
		return 1
	}
}

// PrintError writes err and its hint, if any. ExitErrors are silent.
func PrintError(cmd *cobra.Command, err error) {
	var ee *ExitError
	if err == nil || errors.As(err, &ee) {
		return
	}
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "error: %v\n", err)
	if hint := tunnelerr.HintOf(err); hint != "" {
		fmt.Fprintf(w, "hint: %s\n", hint)
	}
}

// done prints msg on success. Informational errors are printed and
// treated as success.
func done(cmd *cobra.Command, err error, format string, args ...any) error {
	out := cmd.OutOrStdout()
	switch {
	case err == nil:
		fmt.Fprintf(out, format+"\n", args...)
		return nil
	case tunnelerr.IsInformational(err):
		fmt.Fprintln(out, err.Error())
		if hint := tunnelerr.HintOf(err); hint != "" {
			fmt.Fprintf(out, "hint: %s\n", hint)
		}
		return nil
	default:
		return err
	}
}
