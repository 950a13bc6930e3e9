// Package diagnostics gathers everything known about an endpoint into one
// report. No check can stop the others from running.
package diagnostics

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/juju/loggo/v2"

	"nat-tunnel/agent/internal/descriptor"
	"nat-tunnel/agent/internal/endpoint"
	"nat-tunnel/agent/internal/platform"
	"nat-tunnel/agent/internal/procs"
	"nat-tunnel/agent/internal/supervisor"
)

var logger = loggo.GetLogger("nat-tunnel.diagnostics")

type Verdict string

const (
	Healthy  Verdict = "healthy"
	Degraded Verdict = "degraded"
	Down     Verdict = "down"
)

// Tri-state results of a single check.
const (
	Present = "present"
	Absent  = "absent"
	Unknown = "unknown"
)

// Caveat is attached to every report.
const Caveat = "process liveness does not prove the forward works; connect through the gateway to confirm"

type Registration struct {
	Artifact string `json:"artifact"`
	Loaded   string `json:"loaded"`
	Error    string `json:"error,omitempty"`
}

type RoleStatus struct {
	Role  procs.Role `json:"role"`
	Alive string     `json:"alive"`
	PIDs  []int32    `json:"pids,omitempty"`
}

type Route struct {
	Interface string   `json:"interface,omitempty"`
	Gateway   string   `json:"gateway,omitempty"`
	Covering  []string `json:"covering,omitempty"`
}

type Reachability struct {
	Target    string `json:"target"`
	Reachable string `json:"reachable"`
	Route     *Route `json:"route,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Report struct {
	Endpoint     string         `json:"endpoint"`
	State        endpoint.State `json:"state"`
	LastError    string         `json:"last_error,omitempty"`
	Registration Registration   `json:"registration"`
	Roles        []RoleStatus   `json:"roles"`
	RolesError   string         `json:"roles_error,omitempty"`
	Binding      string         `json:"binding"`
	Reachability Reachability   `json:"reachability"`
	Logs         []LogTail      `json:"logs"`
	Verdict      Verdict        `json:"verdict"`
	Caveat       string         `json:"caveat"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// Aggregator runs the checks.
type Aggregator struct {
	Actuator platform.Actuator
	Procs    procs.Table
	Layout   supervisor.Layout

	TailLines    int
	DialTimeout  time.Duration
	SkipRoute    bool
	Dial         func(ctx context.Context, network, addr string) (net.Conn, error)
	ResolveRoute func(ip net.IP) (Route, error)
}

func (a *Aggregator) dial(ctx context.Context, addr string) error {
	timeout := a.DialTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := a.Dial
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Report inspects rec. It always returns a report; failed checks are
// recorded in it.
func (a *Aggregator) Report(ctx context.Context, rec supervisor.Record) Report {
	r := Report{
		Endpoint:    rec.Endpoint.Name,
		State:       rec.State,
		LastError:   rec.LastError,
		Caveat:      Caveat,
		GeneratedAt: time.Now().UTC(),
	}

	artifact := a.checkRegistration(ctx, rec, &r)
	live := a.checkRoles(ctx, rec, &r)

	binding := descriptor.ExtractBinding(artifact)
	r.Binding = binding.String()

	a.checkReachability(ctx, rec, binding, &r)

	r.Logs = []LogTail{
		readTail("stdout", a.Layout.StdoutLog(rec.Endpoint.Name), a.TailLines),
		readTail("stderr", a.Layout.StderrLog(rec.Endpoint.Name), a.TailLines),
	}

	expected := procs.Roles
	if !descriptor.UsesKeepAwake(artifact) {
		expected = []procs.Role{procs.RoleWrapper, procs.RoleTransport}
	}
	r.Verdict = verdict(r.Registration, live, expected)
	return r
}

func (a *Aggregator) checkRegistration(ctx context.Context, rec supervisor.Record, r *Report) []byte {
	r.Registration = Registration{Artifact: Unknown, Loaded: Unknown}
	label := rec.Label

	artifact, err := a.Actuator.Artifact(ctx, label)
	switch {
	case err == nil:
		r.Registration.Artifact = Present
	case errors.Is(err, fs.ErrNotExist):
		r.Registration.Artifact = Absent
	default:
		r.Registration.Error = err.Error()
	}

	loaded, err := a.Actuator.Registered(ctx, label)
	switch {
	case err != nil:
		r.Registration.Error = err.Error()
	case loaded:
		r.Registration.Loaded = Present
	default:
		r.Registration.Loaded = Absent
	}
	return artifact
}

func (a *Aggregator) checkRoles(ctx context.Context, rec supervisor.Record, r *Report) procs.Liveness {
	if rec.Tag == "" {
		for _, role := range procs.Roles {
			r.Roles = append(r.Roles, RoleStatus{Role: role, Alive: Absent})
		}
		return procs.Liveness{}
	}
	found, err := a.Procs.Find(ctx, rec.Tag)
	if err != nil {
		r.RolesError = err.Error()
		for _, role := range procs.Roles {
			r.Roles = append(r.Roles, RoleStatus{Role: role, Alive: Unknown})
		}
		return nil
	}
	for _, role := range procs.Roles {
		st := RoleStatus{Role: role, Alive: Absent}
		for _, p := range found {
			if p.Role == role {
				st.Alive = Present
				st.PIDs = append(st.PIDs, p.PID)
			}
		}
		r.Roles = append(r.Roles, st)
	}
	return procs.Summarize(found)
}

func (a *Aggregator) checkReachability(ctx context.Context, rec supervisor.Record, b descriptor.Binding, r *Report) {
	host, port := rec.Endpoint.RemoteHost, rec.Endpoint.RemoteSSHPort
	if b.Known {
		host = b.Host
		if b.Port != 0 {
			port = b.Port
		}
	}
	if host == "" {
		r.Reachability = Reachability{Reachable: Unknown, Error: "no gateway address known"}
		return
	}
	if port == 0 {
		port = endpoint.DefaultRemoteSSHPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	r.Reachability = Reachability{Target: addr, Reachable: Present}
	if err := a.dial(ctx, addr); err != nil {
		r.Reachability.Reachable = Absent
		r.Reachability.Error = err.Error()
	}

	if a.SkipRoute {
		return
	}
	resolve := a.ResolveRoute
	if resolve == nil {
		resolve = lookupRoute
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil || len(ips) == 0 {
			logger.Debugf("resolve %s for route lookup: %v", host, err)
			return
		}
		ip = ips[0]
	}
	route, err := resolve(ip)
	if err != nil {
		logger.Debugf("route to %s: %v", ip, err)
		return
	}
	r.Reachability.Route = &route
}

// verdict judges from registration and the liveness of the roles the
// registered program is expected to run.
func verdict(reg Registration, live procs.Liveness, expected []procs.Role) Verdict {
	if reg.Loaded != Present {
		return Down
	}
	switch {
	case live.AllOf(expected):
		return Healthy
	case live.Any():
		return Degraded
	default:
		return Down
	}
}

// ExitCode maps a verdict to the status command's exit code.
func (v Verdict) ExitCode() int {
	switch v {
	case Healthy:
		return 0
	case Degraded:
		return 2
	default:
		return 3
	}
}

// Inspector refreshes an endpoint's state and reports on it.
type Inspector struct {
	Supervisor *supervisor.Supervisor
	Aggregator *Aggregator
}

// Inspect assesses name and builds its report. Nothing is written: the
// assessed state only appears in the report. A failed assessment is logged
// and the stored state is reported instead.
func (i Inspector) Inspect(ctx context.Context, name string) (Report, error) {
	rec, _, err := i.Supervisor.Assess(ctx, name)
	if err != nil {
		logger.Warningf("assess %s: %v", name, err)
		rec, err = i.Supervisor.Load(name)
		if err != nil {
			return Report{}, err
		}
	}
	return i.Aggregator.Report(ctx, rec), nil
}

// Endpoints lists the installed endpoints.
func (i Inspector) Endpoints() ([]string, error) {
	return i.Supervisor.States.Names()
}
