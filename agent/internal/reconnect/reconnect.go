// Package reconnect keeps a command running: whenever it exits it is
// started again after the throttle, until the context is cancelled.
package reconnect

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"

	"nat-tunnel/agent/internal/descriptor"
)

var logger = loggo.GetLogger("nat-tunnel.reconnect")

const (
	defaultThrottle = time.Second
	stopGrace       = 5 * time.Second
)

// ExecFunc runs argv to completion.
type ExecFunc func(ctx context.Context, argv, env []string, stdout, stderr io.Writer) error

type Options struct {
	Tag      string
	Throttle time.Duration
	Argv     []string
	Stdout   io.Writer
	Stderr   io.Writer
	Clock    clock.Clock
	Exec     ExecFunc
}

// Run restarts opts.Argv each time it exits. A run that lasted less than
// the throttle is followed by a wait for the rest of it. Run returns nil
// once ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	if len(opts.Argv) == 0 {
		return errors.New("reconnect: no command")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	run := opts.Exec
	if run == nil {
		run = execCommand
	}
	throttle := opts.Throttle
	if throttle <= 0 {
		throttle = defaultThrottle
	}
	env := append(os.Environ(), descriptor.EnvTag+"="+opts.Tag)

	for attempt := 1; ; attempt++ {
		started := clk.Now()
		err := run(ctx, opts.Argv, env, opts.Stdout, opts.Stderr)
		if ctx.Err() != nil {
			logger.Infof("stopping after %d attempts", attempt)
			return nil
		}
		uptime := clk.Now().Sub(started)
		wait := max(throttle-uptime, 0)
		logger.Warningf("%s exited after %s (%v); restarting in %s", opts.Argv[0], uptime.Round(time.Millisecond), err, wait)

		select {
		case <-clk.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func execCommand(ctx context.Context, argv, env []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = stopGrace
	return cmd.Run()
}
