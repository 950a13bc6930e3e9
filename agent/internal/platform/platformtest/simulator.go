// Package platformtest provides an in-memory service manager and process
// table for exercising the supervisor without touching the host.
package platformtest

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"sort"
	"sync"

	"nat-tunnel/agent/internal/descriptor"
	"nat-tunnel/agent/internal/platform"
	"nat-tunnel/agent/internal/procs"
)

type simProc struct {
	tag  string
	role procs.Role
}

type job struct {
	artifact   []byte
	desc       descriptor.Descriptor
	registered bool
	running    bool
}

// Simulator implements platform.Actuator and procs.Table. Starting a job
// spawns one simulated process per role, tagged like the real ones.
type Simulator struct {
	mu      sync.Mutex
	jobs    map[string]*job
	procs   map[int32]simProc
	nextPID int32
	peak    map[string]map[procs.Role]int

	// NoTransport keeps the transport from ever appearing, as when the
	// gateway refuses the forward.
	NoTransport bool
	// Orphans leaves the keep-awake and transport processes behind when
	// a job is stopped, like a service manager that only signals the
	// main process.
	Orphans bool
	// Crash makes a started job die at once, leaving no processes.
	Crash bool
	// StartErr is returned by Start when set.
	StartErr error
	// StopErr and DeregisterErr make Stop and Deregister fail without
	// touching the job, like a service manager refusing the request.
	StopErr       error
	DeregisterErr error
}

var (
	_ platform.Actuator = (*Simulator)(nil)
	_ procs.Table       = (*Simulator)(nil)
)

func New() *Simulator {
	return &Simulator{
		jobs:    map[string]*job{},
		procs:   map[int32]simProc{},
		nextPID: 1000,
		peak:    map[string]map[procs.Role]int{},
	}
}

func (s *Simulator) Write(_ context.Context, label string, d descriptor.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[label]
	if j == nil {
		j = &job{}
		s.jobs[label] = j
	}
	j.artifact = descriptor.SystemdUnit(d)
	j.desc = d
	return nil
}

func (s *Simulator) Remove(_ context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.jobs[label]; j != nil && !j.registered {
		delete(s.jobs, label)
	}
	return nil
}

func (s *Simulator) Artifact(_ context.Context, label string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[label]
	if j == nil || j.artifact == nil {
		return nil, fmt.Errorf("%s: %w", label, fs.ErrNotExist)
	}
	return j.artifact, nil
}

func (s *Simulator) Register(_ context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[label]
	if j == nil {
		return fmt.Errorf("register %s: %w", label, fs.ErrNotExist)
	}
	j.registered = true
	return nil
}

func (s *Simulator) Deregister(_ context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeregisterErr != nil {
		return s.DeregisterErr
	}
	if j := s.jobs[label]; j != nil {
		if j.running {
			s.stopLocked(j)
		}
		j.registered = false
	}
	return nil
}

func (s *Simulator) Start(_ context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	j := s.jobs[label]
	if j == nil || !j.registered {
		return fmt.Errorf("start %s: not registered", label)
	}
	if j.running {
		return nil
	}
	j.running = true
	if s.Crash {
		return nil
	}
	tag := j.desc.Env[descriptor.EnvTag]
	s.spawnLocked(tag, procs.RoleWrapper)
	if slices.ContainsFunc(j.desc.Program, func(a string) bool {
		return procs.Classify(a, []string{a}) == procs.RoleKeepAwake
	}) {
		s.spawnLocked(tag, procs.RoleKeepAwake)
	}
	if !s.NoTransport {
		s.spawnLocked(tag, procs.RoleTransport)
	}
	return nil
}

func (s *Simulator) Stop(_ context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StopErr != nil {
		return s.StopErr
	}
	if j := s.jobs[label]; j != nil && j.running {
		s.stopLocked(j)
	}
	return nil
}

func (s *Simulator) stopLocked(j *job) {
	j.running = false
	tag := j.desc.Env[descriptor.EnvTag]
	for pid, p := range s.procs {
		if p.tag != tag {
			continue
		}
		if s.Orphans && p.role != procs.RoleWrapper {
			continue
		}
		delete(s.procs, pid)
	}
}

func (s *Simulator) Registered(_ context.Context, label string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[label]
	return j != nil && j.registered, nil
}

func (s *Simulator) Find(_ context.Context, tag string) ([]procs.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []procs.Process
	for pid, p := range s.procs {
		if p.tag == tag {
			out = append(out, procs.Process{PID: pid, Role: p.role, Name: string(p.role)})
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].PID < out[k].PID })
	return out, nil
}

func (s *Simulator) Terminate(_ context.Context, pid int32, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, pid)
	return nil
}

func (s *Simulator) spawnLocked(tag string, role procs.Role) int32 {
	s.nextPID++
	s.procs[s.nextPID] = simProc{tag: tag, role: role}

	n := 0
	for _, p := range s.procs {
		if p.role == role {
			n++
		}
	}
	if s.peak[tag] == nil {
		s.peak[tag] = map[procs.Role]int{}
	}
	if n > s.peak[tag][role] {
		s.peak[tag][role] = n
	}
	return s.nextPID
}

// Spawn adds a tagged process as if something outside the service
// manager had started it.
func (s *Simulator) Spawn(tag string, role procs.Role) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawnLocked(tag, role)
}

// KillRole removes every tagged process in role, as when the transport
// dies on a network drop.
func (s *Simulator) KillRole(tag string, role procs.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, p := range s.procs {
		if p.tag == tag && p.role == role {
			delete(s.procs, pid)
		}
	}
}

// Count returns how many simulated processes carry tag.
func (s *Simulator) Count(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.procs {
		if p.tag == tag {
			n++
		}
	}
	return n
}

// PeakHostWide is the most processes in role ever alive at once across
// all tags, recorded at each spawn for tag.
func (s *Simulator) PeakHostWide(tag string, role procs.Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak[tag][role]
}

// Running reports whether the job for label is running.
func (s *Simulator) Running(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[label]
	return j != nil && j.running
}
