// Package supervisor runs the per-endpoint tunnel state machine: install,
// start, probe, stop, restart, reset and uninstall.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"nat-tunnel/agent/internal/descriptor"
	"nat-tunnel/agent/internal/endpoint"
	"nat-tunnel/agent/internal/platform"
	"nat-tunnel/agent/internal/procs"
	"nat-tunnel/internal/tunnelerr"
)

var logger = loggo.GetLogger("nat-tunnel.supervisor")

var errNotUp = errors.New("tunnel not up")

// Layout names the per-endpoint registration label and log files.
type Layout interface {
	Label(name string) string
	StdoutLog(name string) string
	StderrLog(name string) string
}

type Supervisor struct {
	Actuator platform.Actuator
	Procs    procs.Table
	States   StateStore
	Layout   Layout
	Clock    clock.Clock

	AgentPath string
	SSHPath   string
	GOOS      string
	UserScope bool

	ProbeWait     time.Duration
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
}

func (s *Supervisor) clock() clock.Clock {
	if s.Clock == nil {
		return clock.WallClock
	}
	return s.Clock
}

const (
	defaultProbeInterval = 500 * time.Millisecond
	defaultProbeTimeout  = 10 * time.Second
)

func (s *Supervisor) probeInterval() time.Duration {
	if s.ProbeInterval <= 0 {
		return defaultProbeInterval
	}
	return s.ProbeInterval
}

func (s *Supervisor) probeTimeout() time.Duration {
	if s.ProbeTimeout <= 0 {
		return defaultProbeTimeout
	}
	return s.ProbeTimeout
}

func (s *Supervisor) now() time.Time {
	return s.clock().Now().UTC()
}

func resource(name string) string { return "endpoint " + name }

// Descriptor builds the service descriptor for rec.
func (s *Supervisor) Descriptor(rec Record) descriptor.Descriptor {
	return descriptor.Build(rec.Endpoint, descriptor.Options{
		Label:      rec.Label,
		Tag:        rec.Tag,
		AgentPath:  s.AgentPath,
		SSHPath:    s.SSHPath,
		GOOS:       s.GOOS,
		StdoutPath: s.Layout.StdoutLog(rec.Endpoint.Name),
		StderrPath: s.Layout.StderrLog(rec.Endpoint.Name),
		UserScope:  s.UserScope,
	})
}

// Load returns the stored record for name. An endpoint never installed
// reads as Uninstalled.
func (s *Supervisor) Load(name string) (Record, error) {
	rec, err := s.States.Load(name)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{Endpoint: endpoint.Endpoint{Name: name}, Label: s.Layout.Label(name), State: endpoint.StateUninstalled}, nil
	}
	return rec, err
}

func (s *Supervisor) save(rec *Record, state endpoint.State, lastErr error) error {
	rec.State = state
	rec.LastError = ""
	if lastErr != nil {
		rec.LastError = lastErr.Error()
	}
	rec.UpdatedAt = s.now()
	return s.States.Save(*rec)
}

// Install writes the registration artifact for ep without loading it. A
// stopped endpoint is rewritten from ep and keeps its tag.
func (s *Supervisor) Install(ctx context.Context, ep endpoint.Endpoint) (Record, error) {
	if err := ep.Validate(); err != nil {
		return Record{}, tunnelerr.Wrap(tunnelerr.PreconditionFailed, err, resource(ep.Name), "fix the endpoint definition")
	}
	rec, err := s.Load(ep.Name)
	if err != nil {
		return Record{}, err
	}
	switch {
	case rec.State == endpoint.StateUninstalled:
		rec.Tag = uuid.NewString()
	case rec.State == endpoint.StateFailed:
		return rec, tunnelerr.New(tunnelerr.PreconditionFailed, resource(ep.Name), "agent reset "+ep.Name, "endpoint is failed")
	case rec.State.Running():
		return rec, tunnelerr.New(tunnelerr.PreconditionFailed, resource(ep.Name), "agent stop "+ep.Name, "endpoint is %s", rec.State)
	}
	rec.Endpoint = ep
	rec.Label = s.Layout.Label(ep.Name)

	for _, path := range []string{s.Layout.StdoutLog(ep.Name), s.Layout.StderrLog(ep.Name)} {
		if err := ensureDir(path); err != nil {
			return rec, err
		}
	}
	if err := s.Actuator.Write(ctx, rec.Label, s.Descriptor(rec)); err != nil {
		return rec, tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, resource(ep.Name), "")
	}
	if err := s.save(&rec, endpoint.StateStopped, nil); err != nil {
		return rec, err
	}
	logger.Infof("installed %s as %s (tag %s)", ep.Name, rec.Label, rec.Tag)
	return rec, nil
}

// Start registers the endpoint with the platform and waits for the tunnel
// to come up.
func (s *Supervisor) Start(ctx context.Context, name string) (Record, error) {
	rec, err := s.Load(name)
	if err != nil {
		return rec, err
	}
	switch rec.State {
	case endpoint.StateUninstalled:
		return rec, tunnelerr.New(tunnelerr.NotFound, resource(name), "agent install "+name, "endpoint is not installed")
	case endpoint.StateFailed:
		return rec, tunnelerr.New(tunnelerr.PreconditionFailed, resource(name), "agent reset "+name+" or agent restart "+name, "endpoint is failed")
	case endpoint.StateConnected, endpoint.StateDegraded:
		if probed, _, err := s.Probe(ctx, name); err == nil {
			rec = probed
		} else {
			logger.Warningf("probe %s: %v", name, err)
		}
		return rec, tunnelerr.New(tunnelerr.AlreadyExists, resource(name), "", "already running (%s)", rec.State)
	}
	if _, err := s.Actuator.Artifact(ctx, rec.Label); err != nil {
		return rec, tunnelerr.Wrap(tunnelerr.PreconditionFailed, err, resource(name), "agent install "+name)
	}

	if err := s.save(&rec, endpoint.StateStarting, nil); err != nil {
		return rec, err
	}
	if err := s.Actuator.Register(ctx, rec.Label); err != nil {
		return rec, s.fail(&rec, err)
	}
	if err := s.Actuator.Start(ctx, rec.Label); err != nil {
		return rec, s.fail(&rec, err)
	}
	return s.awaitUp(ctx, rec)
}

func (s *Supervisor) fail(rec *Record, cause error) error {
	if err := s.save(rec, endpoint.StateFailed, cause); err != nil {
		logger.Warningf("persist failed state for %s: %v", rec.Endpoint.Name, err)
	}
	return cause
}

func (s *Supervisor) awaitUp(ctx context.Context, rec Record) (Record, error) {
	name := rec.Endpoint.Name
	if s.ProbeWait > 0 {
		select {
		case <-s.clock().After(s.ProbeWait):
		case <-ctx.Done():
			return rec, ctx.Err()
		}
	}

	var last procs.Liveness
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			l, err := s.Liveness(ctx, rec.Tag)
			if err != nil {
				return err
			}
			last = l
			if l[procs.RoleWrapper] && l[procs.RoleTransport] {
				return nil
			}
			return errNotUp
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("probe %s attempt %d: %v", name, attempt, err)
		},
		Delay:       s.probeInterval(),
		MaxDuration: s.probeTimeout(),
		Clock:       s.clock(),
		Stop:        ctx.Done(),
	})
	if err == nil {
		if err := s.save(&rec, endpoint.StateConnected, nil); err != nil {
			return rec, err
		}
		logger.Infof("%s connected", name)
		return rec, nil
	}
	if ctx.Err() != nil {
		return rec, ctx.Err()
	}

	if last[procs.RoleWrapper] {
		logger.Infof("%s: wrapper up, transport not yet", name)
		return rec, tunnelerr.New(tunnelerr.InProgress, resource(name), "check again with: agent status "+name, "still starting")
	}
	terr := tunnelerr.New(tunnelerr.Timeout, resource(name), "see: agent status "+name,
		"tunnel did not come up within %s", s.ProbeWait+s.probeTimeout())
	return rec, s.fail(&rec, terr)
}

// Liveness reports which roles have a live process carrying tag.
func (s *Supervisor) Liveness(ctx context.Context, tag string) (procs.Liveness, error) {
	found, err := s.Procs.Find(ctx, tag)
	if err != nil {
		return nil, err
	}
	return procs.Summarize(found), nil
}

// Assess works out the state the process table implies for name without
// recording it. The returned record carries the assessed state.
func (s *Supervisor) Assess(ctx context.Context, name string) (Record, procs.Liveness, error) {
	rec, err := s.Load(name)
	if err != nil || rec.State == endpoint.StateUninstalled {
		return rec, nil, err
	}
	l, err := s.Liveness(ctx, rec.Tag)
	if err != nil {
		return rec, nil, err
	}
	rec.State = nextState(rec.State, l)
	return rec, l, nil
}

func nextState(cur endpoint.State, l procs.Liveness) endpoint.State {
	up := l[procs.RoleWrapper] && l[procs.RoleTransport]
	switch cur {
	case endpoint.StateConnected:
		if !up {
			return endpoint.StateDegraded
		}
	case endpoint.StateDegraded, endpoint.StateStarting:
		if up {
			return endpoint.StateConnected
		}
	}
	return cur
}

// Probe refreshes the state of a running endpoint from the process table
// and records any change. Nothing is started or killed.
func (s *Supervisor) Probe(ctx context.Context, name string) (Record, procs.Liveness, error) {
	stored, err := s.Load(name)
	if err != nil {
		return stored, nil, err
	}
	rec, l, err := s.Assess(ctx, name)
	if err != nil || rec.State == stored.State {
		return stored, l, err
	}
	logger.Infof("%s: %s -> %s", name, stored.State, rec.State)
	if err := s.save(&stored, rec.State, nil); err != nil {
		return stored, l, err
	}
	return stored, l, nil
}

// Stop unloads the endpoint and makes sure no tagged process survives.
// Stopping a stopped endpoint is reported as informational.
func (s *Supervisor) Stop(ctx context.Context, name string) (Record, error) {
	rec, err := s.Load(name)
	if err != nil {
		return rec, err
	}
	if rec.State == endpoint.StateUninstalled {
		return rec, tunnelerr.New(tunnelerr.NotFound, resource(name), "", "endpoint is not installed")
	}
	was := rec.State
	if err := s.stopSequence(ctx, &rec); err != nil {
		return rec, err
	}
	if was == endpoint.StateStopped {
		return rec, tunnelerr.New(tunnelerr.AlreadyExists, resource(name), "", "already stopped")
	}
	return rec, nil
}

// Reset returns a failed endpoint to Stopped.
func (s *Supervisor) Reset(ctx context.Context, name string) (Record, error) {
	rec, err := s.Load(name)
	if err != nil {
		return rec, err
	}
	if rec.State != endpoint.StateFailed {
		return rec, tunnelerr.New(tunnelerr.PreconditionFailed, resource(name), "", "endpoint is %s, not failed", rec.State)
	}
	return rec, s.stopSequence(ctx, &rec)
}

// Restart stops the endpoint, verifies nothing tagged is left, and starts
// it again.
func (s *Supervisor) Restart(ctx context.Context, name string) (Record, error) {
	rec, err := s.Load(name)
	if err != nil {
		return rec, err
	}
	if rec.State == endpoint.StateUninstalled {
		return rec, tunnelerr.New(tunnelerr.NotFound, resource(name), "agent install "+name, "endpoint is not installed")
	}
	if err := s.stopSequence(ctx, &rec); err != nil {
		return rec, err
	}
	return s.Start(ctx, name)
}

func (s *Supervisor) stopSequence(ctx context.Context, rec *Record) error {
	name := rec.Endpoint.Name
	if err := s.control(ctx, rec, "stop", s.Actuator.Stop); err != nil {
		return err
	}
	if err := s.control(ctx, rec, "deregister", s.Actuator.Deregister); err != nil {
		return err
	}
	if err := s.reap(ctx, rec.Tag); err != nil {
		cause := tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, resource(name), "find them with: pgrep -af "+rec.Tag)
		rec.LastError = cause.Error()
		return cause
	}
	if err := s.save(rec, endpoint.StateStopped, nil); err != nil {
		return err
	}
	logger.Infof("%s stopped", name)
	return nil
}

// control runs one service manager step of the stop sequence. A failure
// is only tolerated when the job turns out not to be loaded at all;
// otherwise the error is recorded and the state is left as it was.
func (s *Supervisor) control(ctx context.Context, rec *Record, verb string, step func(context.Context, string) error) error {
	err := step(ctx, rec.Label)
	if err == nil {
		return nil
	}
	if loaded, lerr := s.Actuator.Registered(ctx, rec.Label); lerr == nil && !loaded {
		logger.Debugf("%s %s: %v (not loaded)", verb, rec.Label, err)
		return nil
	}
	name := rec.Endpoint.Name
	cause := tunnelerr.Wrap(tunnelerr.ExternalActionFailed, fmt.Errorf("%s %s: %w", verb, rec.Label, err),
		resource(name), "check the registration with: agent status "+name)
	if serr := s.save(rec, rec.State, cause); serr != nil {
		logger.Warningf("persist error for %s: %v", name, serr)
	}
	return cause
}

// reap terminates every process carrying tag, wrapper first so nothing
// respawns the others, and waits until they are gone.
func (s *Supervisor) reap(ctx context.Context, tag string) error {
	terminate := func(force bool) (int, error) {
		found, err := s.Procs.Find(ctx, tag)
		if err != nil {
			return 0, err
		}
		for _, role := range procs.Roles {
			for _, p := range found {
				if p.Role != role {
					continue
				}
				if err := s.Procs.Terminate(ctx, p.PID, force); err != nil {
					logger.Warningf("terminate %s pid %d: %v", p.Role, p.PID, err)
				}
			}
		}
		return len(found), nil
	}

	n, err := terminate(false)
	if err != nil || n == 0 {
		return err
	}
	logger.Infof("terminating %d lingering processes tagged %s", n, tag)

	gone := func() error {
		found, err := s.Procs.Find(ctx, tag)
		if err != nil {
			return err
		}
		if len(found) > 0 {
			return fmt.Errorf("%d processes still running", len(found))
		}
		return nil
	}
	args := retry.CallArgs{
		Func:        gone,
		Delay:       s.probeInterval(),
		MaxDuration: s.probeTimeout(),
		Clock:       s.clock(),
		Stop:        ctx.Done(),
	}
	if err := retry.Call(args); err == nil {
		return nil
	}
	if _, err := terminate(true); err != nil {
		return err
	}
	if err := retry.Call(args); err != nil {
		return retry.LastError(err)
	}
	return nil
}

// Uninstall removes a stopped endpoint's artifact, logs and state.
func (s *Supervisor) Uninstall(ctx context.Context, name string) error {
	rec, err := s.Load(name)
	if err != nil {
		return err
	}
	switch rec.State {
	case endpoint.StateUninstalled:
		return tunnelerr.New(tunnelerr.AlreadyExists, resource(name), "", "not installed")
	case endpoint.StateStopped:
	default:
		return tunnelerr.New(tunnelerr.PreconditionFailed, resource(name), "agent stop "+name, "endpoint is %s", rec.State)
	}

	if err := s.Actuator.Deregister(ctx, rec.Label); err != nil {
		logger.Warningf("deregister %s: %v", rec.Label, err)
	}
	if err := s.Actuator.Remove(ctx, rec.Label); err != nil {
		return tunnelerr.Wrap(tunnelerr.ExternalActionFailed, err, resource(name), "")
	}
	for _, path := range []string{s.Layout.StdoutLog(name), s.Layout.StderrLog(name)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove log: %w", err)
		}
	}
	if err := s.States.Delete(name); err != nil {
		return err
	}
	logger.Infof("uninstalled %s", name)
	return nil
}
