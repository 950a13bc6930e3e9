package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/loggo/v2"
	"github.com/spf13/cobra"

	"nat-tunnel/gateway/internal/config"
	"nat-tunnel/gateway/internal/firewall"
	"nat-tunnel/gateway/internal/provision"
	"nat-tunnel/gateway/internal/sshd"
	"nat-tunnel/internal/logging"
	"nat-tunnel/internal/tunnelerr"
)

var logger = loggo.GetLogger("nat-tunnel.gateway")

const FlagVerbose = "verbose"

func withGateway(cmd *cobra.Command, fn func(ctx context.Context, gw *provision.Gateway) error) error {
	env, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	verbose, _ := cmd.Flags().GetBool(FlagVerbose)
	if err := logging.Setup(env.LogLevel, env.LogFile, verbose); err != nil {
		if err := logging.Setup(env.LogLevel, "", verbose); err != nil {
			return err
		}
		logger.Warningf("logging to stderr only: %v", err)
	}

	gw := &provision.Gateway{
		Env:      env,
		Firewall: firewall.NewManager(),
		Reloader: sshd.SystemdReloader{Unit: env.SSHDUnit},
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, gw)
}

// ExitError carries a non-default exit code. Its message has already been
// printed.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

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

func done(cmd *cobra.Command, err error, format string, args ...any) error {
	out := cmd.OutOrStdout()
	switch {
	case err == nil:
		fmt.Fprintf(out, format+"\n", args...)
		return nil
	case tunnelerr.IsInformational(err):
		fmt.Fprintln(out, err.Error())
		return nil
	default:
		return err
	}
}
