// Package program keeps designated long-running processes alive: launch,
// liveness checks at a per-job cadence, restart with a bounded retry
// budget, and graceful manual stop.
package program

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"procman/internal/eventbus"
	"procman/internal/job"
	"procman/internal/proc"
	"procman/pkg/logx"
)

// ErrRetryBudgetExhausted marks a program that failed more consecutive
// liveness checks than max_retries allows. Terminal until a manual start.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

const (
	defaultStopGrace    = 10 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// Options tune the supervisor; zero values pick defaults.
type Options struct {
	// LogDir receives per-program output files.
	LogDir string
	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
	// ProbeTimeout bounds one liveness probe.
	ProbeTimeout time.Duration
}

// handle tracks one process this supervisor launched.
type handle struct {
	pid  int
	done chan struct{} // closed when the waiter reaps the process
}

// Supervisor owns the keep-alive state machine for all programs. Status
// mutation goes through the Recorder (the scheduler's status book), which
// persists every transition.
type Supervisor struct {
	log logx.Logger
	rec job.Recorder
	bus eventbus.Bus
	opt Options

	mu      sync.Mutex
	handles map[string]*handle
	// checks is keyed by job name, not by handle, so adopted programs
	// without a launch handle still honor their check cadence.
	checks map[string]time.Time
	locks  map[string]*sync.Mutex
}

func NewSupervisor(log logx.Logger, rec job.Recorder, bus eventbus.Bus, opt Options) *Supervisor {
	if opt.StopGrace <= 0 {
		opt.StopGrace = defaultStopGrace
	}
	if opt.ProbeTimeout <= 0 {
		opt.ProbeTimeout = defaultProbeTimeout
	}
	return &Supervisor{
		log:     log.With(logx.String("component", "supervisor")),
		rec:     rec,
		bus:     bus,
		opt:     opt,
		handles: map[string]*handle{},
		checks:  map[string]time.Time{},
		locks:   map[string]*sync.Mutex{},
	}
}

// jobLock serializes state-check-then-act sequences for one job, so a
// manual Start racing the tick loop cannot double-spawn.
func (s *Supervisor) jobLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// EnsureRunning starts the program unless its status is already Running.
// Stopped and Failed programs are left alone; clearing those states takes a
// manual start.
func (s *Supervisor) EnsureRunning(ctx context.Context, sp *job.Spec) error {
	l := s.jobLock(sp.Name)
	if !l.TryLock() {
		// Another operation (manual start, window stop) holds the job;
		// the next tick retries.
		return nil
	}
	defer l.Unlock()

	st, ok := s.rec.Get(sp.Name)
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, sp.Name)
	}
	switch st.State {
	case job.StateRunning, job.StateStopped, job.StateFailed:
		return nil
	}
	return s.launch(ctx, sp)
}

// Start is the manual start operation: it clears Stopped/Failed and the
// retry counter, then launches.
func (s *Supervisor) Start(ctx context.Context, sp *job.Spec) error {
	l := s.jobLock(sp.Name)
	l.Lock()
	defer l.Unlock()

	st, _ := s.rec.Get(sp.Name)
	if st.State == job.StateRunning {
		return job.ErrAlreadyRunning
	}
	s.rec.Update(sp.Name, func(st *job.Status) {
		st.ConsecutiveFailures = 0
		st.Error = ""
	})
	return s.launch(ctx, sp)
}

func (s *Supervisor) launch(ctx context.Context, sp *job.Spec) error {
	_ = ctx

	// An unhealthy process can still be holding its ports; kill any
	// recorded PID before starting the replacement.
	if st, ok := s.rec.Get(sp.Name); ok && st.PID > 0 && PidAlive(st.PID) {
		s.log.Info("killing stale process before start", logx.String("job", sp.Name), logx.Int("pid", st.PID))
		proc.Kill(st.PID)
	}

	logFile, err := proc.OpenLog(s.opt.LogDir, sp.Name)
	if err != nil {
		return fmt.Errorf("open log for %s: %w", sp.Name, err)
	}

	cmd := proc.Command(sp, logFile)
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		// Launch failure counts against the retry budget like a liveness
		// failure would.
		s.rec.Update(sp.Name, func(st *job.Status) {
			st.State = job.StateFailed
			st.ConsecutiveFailures++
			st.Error = err.Error()
		})
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Job: sp.Name, Error: err.Error()})
		return fmt.Errorf("launch %s: %w", sp.Name, err)
	}

	h := &handle{pid: cmd.Process.Pid, done: make(chan struct{})}
	s.mu.Lock()
	s.handles[sp.Name] = h
	s.checks[sp.Name] = time.Now()
	s.mu.Unlock()

	s.rec.Update(sp.Name, func(st *job.Status) {
		st.State = job.StateRunning
		st.PID = h.pid
		st.LastStart = time.Now()
		st.Error = ""
	})
	s.log.Info("program started", logx.String("job", sp.Name), logx.Int("pid", h.pid))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Job: sp.Name})

	// Reap the child so it never zombies; liveness policy stays with
	// CheckLiveness, which owns restart decisions.
	go func() {
		_ = cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		close(h.done)
	}()
	return nil
}

// CheckDue reports whether the program's check_alive_freq has elapsed since
// the last liveness check.
func (s *Supervisor) CheckDue(sp *job.Spec, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.checks[sp.Name]
	if !ok {
		// Never checked (e.g. adopted from a persisted status): due now.
		return true
	}
	return now.Sub(last) >= sp.CheckInterval
}

// CheckLiveness probes the program and applies keep-alive policy:
//
//	probe ok                      -> reset failure counter
//	probe failed, budget left     -> restart, stay Running
//	probe failed, budget exceeded -> terminal Failed, urgent notification
//	probe failed, no keep-alive   -> Failed, no restart
func (s *Supervisor) CheckLiveness(ctx context.Context, sp *job.Spec) {
	l := s.jobLock(sp.Name)
	if !l.TryLock() {
		return
	}
	defer l.Unlock()

	st, ok := s.rec.Get(sp.Name)
	if !ok || st.State != job.StateRunning {
		return
	}

	s.mu.Lock()
	s.checks[sp.Name] = time.Now()
	s.mu.Unlock()

	probe, err := ResolveProbe(sp)
	if err != nil {
		// Unknown kinds are rejected at load; reaching this means a probe
		// was unregistered at runtime. Treat as a failed check.
		s.log.Error("probe resolution failed", logx.String("job", sp.Name), logx.Err(err))
		s.handleFailure(ctx, sp, err)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, s.opt.ProbeTimeout)
	err = probe.Check(pctx, sp, st.PID)
	cancel()

	if err == nil {
		if st.ConsecutiveFailures != 0 {
			s.rec.Update(sp.Name, func(st *job.Status) { st.ConsecutiveFailures = 0 })
		}
		s.log.Debug("program healthy", logx.String("job", sp.Name))
		return
	}
	// A probe timeout or error takes the same path as process death.
	s.handleFailure(ctx, sp, err)
}

func (s *Supervisor) handleFailure(ctx context.Context, sp *job.Spec, cause error) {
	st := s.rec.Update(sp.Name, func(st *job.Status) {
		st.ConsecutiveFailures++
		st.Error = cause.Error()
	})
	fails := st.ConsecutiveFailures

	if !sp.KeepAlive {
		s.rec.Update(sp.Name, func(st *job.Status) {
			st.State = job.StateFailed
			st.PID = 0
		})
		s.log.Warn("program down, keep-alive disabled", logx.String("job", sp.Name), logx.Err(cause))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Job: sp.Name, Error: cause.Error()})
		return
	}

	if fails > sp.MaxRetries {
		// The process may be alive but unhealthy; take it down so a later
		// manual start begins clean.
		if cur, ok := s.rec.Get(sp.Name); ok && cur.PID > 0 && PidAlive(cur.PID) {
			proc.Kill(cur.PID)
		}
		s.reapStale(sp.Name)
		s.rec.Update(sp.Name, func(st *job.Status) {
			st.State = job.StateFailed
			st.PID = 0
			st.Error = ErrRetryBudgetExhausted.Error() + ": " + cause.Error()
		})
		s.log.Error("retry budget exhausted", logx.String("job", sp.Name),
			logx.Int("failures", fails), logx.Int("max_retries", sp.MaxRetries), logx.Err(cause))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRetryBudget, Job: sp.Name, Attempt: fails, Error: cause.Error()})
		return
	}

	s.log.Warn("program needs restart", logx.String("job", sp.Name),
		logx.Int("attempt", fails), logx.Err(cause))
	s.reapStale(sp.Name)
	if err := s.launch(ctx, sp); err != nil {
		s.log.Error("restart failed", logx.String("job", sp.Name), logx.Err(err))
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobRestarted, Job: sp.Name, Attempt: fails})
}

// Stop is the manual stop: graceful terminate, then force kill after the
// grace period. The Stopped state suppresses keep-alive until manual start.
func (s *Supervisor) Stop(ctx context.Context, sp *job.Spec) error {
	l := s.jobLock(sp.Name)
	l.Lock()
	defer l.Unlock()

	st, ok := s.rec.Get(sp.Name)
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, sp.Name)
	}
	if st.State == job.StateRunning {
		s.terminate(ctx, sp.Name, st.PID)
	}
	s.rec.Update(sp.Name, func(st *job.Status) {
		st.State = job.StateStopped
		st.PID = 0
	})
	s.log.Info("program stopped", logx.String("job", sp.Name))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStopped, Job: sp.Name})
	return nil
}

// StopForWindow stops a program that has left its run window. Unlike Stop
// the resulting state is Idle, so the program restarts when the window
// reopens.
func (s *Supervisor) StopForWindow(ctx context.Context, sp *job.Spec) {
	l := s.jobLock(sp.Name)
	if !l.TryLock() {
		// A stop for this job is already in flight.
		return
	}
	defer l.Unlock()

	st, ok := s.rec.Get(sp.Name)
	if !ok || st.State != job.StateRunning {
		return
	}
	s.log.Info("program outside its run window, stopping", logx.String("job", sp.Name))
	s.terminate(ctx, sp.Name, st.PID)
	s.rec.Update(sp.Name, func(st *job.Status) {
		st.State = job.StateIdle
		st.PID = 0
		st.ConsecutiveFailures = 0
	})
}

func (s *Supervisor) terminate(ctx context.Context, name string, pid int) {
	s.mu.Lock()
	h := s.handles[name]
	delete(s.handles, name)
	delete(s.checks, name)
	s.mu.Unlock()

	proc.Terminate(pid)

	var done chan struct{}
	if h != nil {
		done = h.done
	}
	grace := time.NewTimer(s.opt.StopGrace)
	defer grace.Stop()

	if done != nil {
		select {
		case <-done:
			return
		case <-ctx.Done():
		case <-grace.C:
		}
	} else {
		// Adopted process (started by a previous scheduler run): poll the
		// process table for the grace period.
		deadline := time.Now().Add(s.opt.StopGrace)
		for time.Now().Before(deadline) && ctx.Err() == nil {
			if !PidAlive(pid) {
				return
			}
			time.Sleep(200 * time.Millisecond)
		}
	}
	s.log.Warn("grace period elapsed, killing", logx.String("job", name), logx.Int("pid", pid))
	proc.Kill(pid)
}

// reapStale drops a dead handle so launch can replace it.
func (s *Supervisor) reapStale(name string) {
	s.mu.Lock()
	delete(s.handles, name)
	s.mu.Unlock()
}
