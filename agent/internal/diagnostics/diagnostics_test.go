package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/hpcloud/tail"

	"nat-tunnel/agent/internal/endpoint"
	"nat-tunnel/agent/internal/platform/platformtest"
	"nat-tunnel/agent/internal/procs"
	"nat-tunnel/agent/internal/supervisor"
)

type dirLayout string

func (d dirLayout) Label(name string) string     { return "nat-tunnel-" + name }
func (d dirLayout) StdoutLog(name string) string { return filepath.Join(string(d), name+".out.log") }
func (d dirLayout) StderrLog(name string) string { return filepath.Join(string(d), name+".err.log") }

type fixture struct {
	sim    *platformtest.Simulator
	sup    *supervisor.Supervisor
	agg    *Aggregator
	layout dirLayout
	dialed []string
}

func newFixture(c *qt.C) *fixture {
	dir := c.TempDir()
	f := &fixture{sim: platformtest.New(), layout: dirLayout(dir)}
	f.sup = &supervisor.Supervisor{
		Actuator: f.sim,
		Procs:    f.sim,
		States:   supervisor.StateStore{Dir: filepath.Join(dir, "endpoints")},
		Layout:   f.layout,
		GOOS:     "linux",
	}
	f.agg = &Aggregator{
		Actuator:  f.sim,
		Procs:     f.sim,
		Layout:    f.layout,
		TailLines: 3,
		SkipRoute: true,
		Dial: func(_ context.Context, _, addr string) (net.Conn, error) {
			f.dialed = append(f.dialed, addr)
			return nil, errors.New("connection refused")
		},
	}
	return f
}

func homeEndpoint() endpoint.Endpoint {
	return endpoint.Endpoint{
		Name:           "home",
		RemoteHost:     "gw.example",
		RemoteUser:     "tunnel",
		RemoteBindPort: 2222,
		IdentityFile:   "/keys/tunnel_home",
	}.WithDefaults()
}

func TestRegisteredButDeadIsDown(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()

	rec, err := f.sup.Install(ctx, homeEndpoint())
	c.Assert(err, qt.IsNil)
	c.Assert(f.sim.Register(ctx, rec.Label), qt.IsNil)

	r := f.agg.Report(ctx, rec)
	c.Assert(r.Verdict, qt.Equals, Down)
	c.Assert(r.Verdict.ExitCode(), qt.Equals, 3)
	c.Assert(r.Registration.Artifact, qt.Equals, Present)
	c.Assert(r.Registration.Loaded, qt.Equals, Present)
	for _, st := range r.Roles {
		c.Assert(st.Alive, qt.Equals, Absent)
	}
	c.Assert(r.Logs, qt.HasLen, 2)
	c.Assert(r.Logs[0].Missing, qt.IsTrue)
	c.Assert(r.Logs[1].Missing, qt.IsTrue)
	c.Assert(r.Binding, qt.Equals, "tunnel@gw.example:22 (bind 127.0.0.1:2222)")
	c.Assert(r.Reachability.Reachable, qt.Equals, Absent)
	c.Assert(r.Reachability.Error, qt.Equals, "connection refused")
	c.Assert(f.dialed, qt.DeepEquals, []string{"gw.example:22"})
	c.Assert(r.Caveat, qt.Equals, Caveat)

	var buf bytes.Buffer
	r.WriteText(&buf)
	c.Assert(buf.String(), qt.Contains, "Verdict:        down")
	c.Assert(buf.String(), qt.Contains, "(missing)")
}

func TestHealthyAndDegraded(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()

	_, err := f.sup.Install(ctx, homeEndpoint())
	c.Assert(err, qt.IsNil)
	rec, err := f.sup.Start(ctx, "home")
	c.Assert(err, qt.IsNil)

	var lines []string
	for i := range 10 {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	c.Assert(os.WriteFile(f.layout.StderrLog("home"), []byte(strings.Join(lines, "\n")+"\n"), 0o600), qt.IsNil)

	r := f.agg.Report(ctx, rec)
	c.Assert(r.Verdict, qt.Equals, Healthy)
	c.Assert(r.Logs[1].Lines, qt.DeepEquals, []string{"line 7", "line 8", "line 9"})

	f.sim.KillRole(rec.Tag, procs.RoleTransport)
	r = f.agg.Report(ctx, rec)
	c.Assert(r.Verdict, qt.Equals, Degraded)
	c.Assert(r.Verdict.ExitCode(), qt.Equals, 2)
}

func TestHealthyWithoutKeepAwake(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	f.sup.GOOS = "freebsd"
	ctx := context.Background()

	_, err := f.sup.Install(ctx, homeEndpoint())
	c.Assert(err, qt.IsNil)
	rec, err := f.sup.Start(ctx, "home")
	c.Assert(err, qt.IsNil)
	c.Assert(f.sim.Count(rec.Tag), qt.Equals, 2)

	r := f.agg.Report(ctx, rec)
	c.Assert(r.Verdict, qt.Equals, Healthy)

	f.sim.KillRole(rec.Tag, procs.RoleTransport)
	r = f.agg.Report(ctx, rec)
	c.Assert(r.Verdict, qt.Equals, Degraded)
}

func TestInspectLeavesStateUntouched(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	ctx := context.Background()

	_, err := f.sup.Install(ctx, homeEndpoint())
	c.Assert(err, qt.IsNil)
	rec, err := f.sup.Start(ctx, "home")
	c.Assert(err, qt.IsNil)
	f.sim.KillRole(rec.Tag, procs.RoleTransport)

	statePath := filepath.Join(f.sup.States.Dir, "home.json")
	before, err := os.ReadFile(statePath)
	c.Assert(err, qt.IsNil)

	in := Inspector{Supervisor: f.sup, Aggregator: f.agg}
	r, err := in.Inspect(ctx, "home")
	c.Assert(err, qt.IsNil)
	c.Assert(r.State, qt.Equals, endpoint.StateDegraded)
	c.Assert(r.Verdict, qt.Equals, Degraded)

	after, err := os.ReadFile(statePath)
	c.Assert(err, qt.IsNil)
	c.Assert(string(after), qt.Equals, string(before))
}

func TestUnregisteredIsDown(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c)
	r := f.agg.Report(context.Background(), supervisor.Record{
		Endpoint: endpoint.Endpoint{Name: "ghost"},
		Label:    "nat-tunnel-ghost",
		State:    endpoint.StateUninstalled,
	})
	c.Assert(r.Verdict, qt.Equals, Down)
	c.Assert(r.Registration.Artifact, qt.Equals, Absent)
	c.Assert(r.Binding, qt.Equals, "unknown")
	c.Assert(r.Reachability.Reachable, qt.Equals, Unknown)
}

func TestTailLinesDropsPartialFirstLine(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "big.log")
	var buf bytes.Buffer
	for i := 0; buf.Len() < 3*maxTailBytes; i++ {
		fmt.Fprintf(&buf, "entry %06d %s\n", i, strings.Repeat("x", 40))
	}
	c.Assert(os.WriteFile(path, buf.Bytes(), 0o600), qt.IsNil)

	all := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	got, err := tailLines(path, 5)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, all[len(all)-5:])

	got, err = tailLines(path, 100000)
	c.Assert(err, qt.IsNil)
	for _, line := range got {
		c.Assert(strings.HasPrefix(line, "entry "), qt.IsTrue, qt.Commentf("partial line %q", line))
	}
}

func TestReleaseAfterEarlyReturn(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "busy.log")
	var buf bytes.Buffer
	for i := range 5000 {
		fmt.Fprintf(&buf, "entry %d\n", i)
	}
	c.Assert(os.WriteFile(path, buf.Bytes(), 0o600), qt.IsNil)

	tl, err := tail.TailFile(path, tail.Config{MustExist: true, Logger: tail.DiscardingLogger})
	c.Assert(err, qt.IsNil)
	first := <-tl.Lines
	c.Assert(first.Text, qt.Equals, "entry 0")

	done := make(chan struct{})
	go func() {
		release(tl)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatal("tail goroutine still blocked")
	}
	_, open := <-tl.Lines
	c.Assert(open, qt.IsFalse)
}
