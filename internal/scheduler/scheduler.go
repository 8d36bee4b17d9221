// Package scheduler owns the tick loop that keeps programs alive inside
// their windows, fires task triggers, and cascades completions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"procman/internal/config"
	"procman/internal/eventbus"
	"procman/internal/job"
	"procman/internal/program"
	"procman/internal/task"
	"procman/internal/trigger"
	"procman/pkg/logx"
)

// Options tune the loop; zero values pick defaults.
type Options struct {
	// Tick is the loop interval. Default 1s.
	Tick time.Duration
	// LogDir receives per-job process output files.
	LogDir string
	// StopGrace is how long a stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
	// ProbeTimeout bounds one liveness probe.
	ProbeTimeout time.Duration
	// TaskTimeout, when non-zero, hard-limits task executions.
	TaskTimeout time.Duration
}

// Scheduler drives everything: one goroutine evaluates triggers and
// windows per tick, consumes task completions, and applies reloads.
// Control operations are safe to call concurrently from the HTTP API.
type Scheduler struct {
	log     logx.Logger
	book    *Book
	bus     eventbus.Bus
	cfg     *config.Manager
	sup     *program.Supervisor
	runner  *task.Runner
	eval    *trigger.Evaluator
	tick    time.Duration
	grace   time.Duration
	results chan task.Result

	mu      sync.RWMutex
	graph   *job.Graph
	adopted bool
}

func New(log logx.Logger, book *Book, bus eventbus.Bus, cfg *config.Manager, opt Options) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Tick <= 0 {
		opt.Tick = time.Second
	}
	if opt.StopGrace <= 0 {
		opt.StopGrace = 10 * time.Second
	}

	results := make(chan task.Result, 64)
	s := &Scheduler{
		log:     log.With(logx.String("component", "scheduler")),
		book:    book,
		bus:     bus,
		cfg:     cfg,
		eval:    trigger.New(),
		tick:    opt.Tick,
		grace:   opt.StopGrace,
		results: results,
	}
	s.sup = program.NewSupervisor(log, book, bus, program.Options{
		LogDir:       opt.LogDir,
		StopGrace:    opt.StopGrace,
		ProbeTimeout: opt.ProbeTimeout,
	})
	s.runner = task.NewRunner(log, book, bus, results, task.Options{
		LogDir:  opt.LogDir,
		Timeout: opt.TaskTimeout,
	})
	return s
}

// Apply installs a validated schedule. The first call adopts persisted
// state; later calls are hot reloads: jobs removed from the schedule are
// stopped and dropped, surviving jobs keep their runtime state, and task
// triggers are recomputed.
func (s *Scheduler) Apply(ctx context.Context, l *config.Loaded) {
	now := time.Now()

	s.mu.Lock()
	old := s.graph
	fresh := !s.adopted
	s.graph = l.Graph
	s.adopted = true
	s.mu.Unlock()

	if old != nil {
		for _, sp := range old.Specs() {
			if _, ok := l.Graph.Lookup(sp.Name); ok {
				continue
			}
			if sp.Kind == job.KindProgram {
				if st, ok := s.book.Get(sp.Name); ok && st.State == job.StateRunning {
					if err := s.sup.Stop(ctx, sp); err != nil {
						s.log.Warn("stopping removed program", logx.String("job", sp.Name), logx.Err(err))
					}
				}
			}
			s.book.Drop(sp.Name)
			s.log.Info("job removed from schedule", logx.String("job", sp.Name))
		}
	}

	for _, sp := range l.Graph.Specs() {
		s.adoptJob(sp, now, fresh)
	}
	s.log.Info("schedule applied",
		logx.Int("jobs", len(l.Graph.Specs())), logx.Bool("fresh", fresh))
}

// adoptJob reconciles one spec against whatever status survived in the
// book, so a restarted daemon picks up where it left off instead of
// replaying the day.
func (s *Scheduler) adoptJob(sp *job.Spec, now time.Time, fresh bool) {
	st, known := s.book.Get(sp.Name)

	switch sp.Kind {
	case job.KindProgram:
		if known && st.State == job.StateRunning {
			if st.PID > 0 && program.PidAlive(st.PID) {
				s.log.Info("adopted running program",
					logx.String("job", sp.Name), logx.Int("pid", st.PID))
				return
			}
			s.book.Update(sp.Name, func(st *job.Status) {
				st.State = job.StateIdle
				st.PID = 0
				st.Error = "process exited while the manager was down"
			})
			st, _ = s.book.Get(sp.Name)
		}
		if fresh && !sp.RunOnStart {
			// Startup never auto-starts this program; an operator start
			// re-enables keep-alive.
			if !known || st.State != job.StateStopped {
				s.book.Update(sp.Name, func(st *job.Status) { st.State = job.StateStopped })
			}
			return
		}
		if !known {
			s.book.Update(sp.Name, func(st *job.Status) { st.State = job.StateIdle })
		}

	case job.KindTask:
		if known && st.State == job.StateRunning && !s.runner.InFlight(sp.Name) {
			s.book.Update(sp.Name, func(st *job.Status) {
				st.State = job.StateIdle
				st.PID = 0
				st.RunID = ""
				st.Error = "run outcome lost across a manager restart"
			})
		}
		// NextDue is always computed forward from now. Occurrences missed
		// while the manager was down are skipped, not replayed.
		next := time.Time{}
		if sp.HasClockTrigger() {
			next = s.eval.Next(sp, now)
		}
		s.book.Update(sp.Name, func(st *job.Status) { st.NextDue = next })
	}
}

// Run drives the loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("loop starting", logx.Duration("tick", s.tick))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case now := <-ticker.C:
			s.step(ctx, now)
		case res := <-s.results:
			s.onResult(ctx, res)
		}
	}
}

func (s *Scheduler) step(ctx context.Context, now time.Time) {
	g := s.snapshot()
	if g == nil {
		return
	}
	for _, sp := range g.Specs() {
		s.stepJob(ctx, sp, now)
	}
}

// stepJob isolates one job per tick: a panic in a probe or trigger
// evaluation is recorded against that job and never takes down the loop.
func (s *Scheduler) stepJob(ctx context.Context, sp *job.Spec, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job step panicked",
				logx.String("job", sp.Name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			s.book.Update(sp.Name, func(st *job.Status) {
				st.Error = fmt.Sprintf("internal: %v", r)
			})
		}
	}()

	switch sp.Kind {
	case job.KindProgram:
		s.stepProgram(ctx, sp, now)
	case job.KindTask:
		s.stepTask(ctx, sp, now)
	}
}

func (s *Scheduler) stepProgram(ctx context.Context, sp *job.Spec, now time.Time) {
	st, _ := s.book.Get(sp.Name)
	switch st.State {
	case job.StateStopped, job.StateFailed:
		// Held down until an operator start.
		return
	}

	local := now.In(sp.Location())
	inWindow := sp.AllowsDay(local.Weekday()) && trigger.InWindow(sp, now)

	if !inWindow {
		if st.State == job.StateRunning {
			// terminate can block for the whole stop grace; keep it off
			// the tick loop. StopForWindow skips itself when a stop for
			// the job is already in flight.
			go s.sup.StopForWindow(ctx, sp)
		}
		return
	}

	if err := s.sup.EnsureRunning(ctx, sp); err != nil {
		s.log.Warn("ensure running", logx.String("job", sp.Name), logx.Err(err))
	}
	if s.sup.CheckDue(sp, now) {
		s.sup.CheckLiveness(ctx, sp)
	}
}

func (s *Scheduler) stepTask(ctx context.Context, sp *job.Spec, now time.Time) {
	if !sp.HasClockTrigger() {
		return
	}
	st, _ := s.book.Get(sp.Name)
	if st.NextDue.IsZero() {
		next := s.eval.Next(sp, now)
		s.book.Update(sp.Name, func(st *job.Status) { st.NextDue = next })
		return
	}
	if now.Before(st.NextDue) {
		return
	}

	// Advance the trigger before dispatching. A due time is consumed
	// exactly once even if the execution itself is refused or fails.
	next := s.eval.Next(sp, now)
	s.book.Update(sp.Name, func(st *job.Status) { st.NextDue = next })
	s.log.Debug("task due", logx.String("job", sp.Name), logx.Time("next_due", next))

	if err := s.runner.Execute(ctx, sp); err != nil {
		if errors.Is(err, job.ErrAlreadyRunning) {
			s.log.Debug("skipping overlapping run", logx.String("job", sp.Name))
			return
		}
		s.log.Warn("task dispatch", logx.String("job", sp.Name), logx.Err(err))
	}
}

// onResult dispatches dependency cascades. Only a zero exit continues the
// chain; a failure stops it at the failing link.
func (s *Scheduler) onResult(ctx context.Context, res task.Result) {
	g := s.snapshot()
	if g == nil {
		return
	}
	sp, ok := g.Lookup(res.Job)
	if !ok {
		return
	}
	if !res.Succeeded() {
		if len(sp.RunOnComplete) > 0 {
			s.log.Warn("cascade suppressed after failure",
				logx.String("job", res.Job), logx.Int("exit_code", res.ExitCode))
		}
		return
	}
	for _, name := range sp.RunOnComplete {
		next, ok := g.Lookup(name)
		if !ok {
			continue
		}
		if err := s.runner.Execute(ctx, next); err != nil {
			s.log.Warn("cascade dispatch",
				logx.String("job", name), logx.String("after", res.Job), logx.Err(err))
		}
	}
}

// shutdown leaves supervised processes running: their PIDs are persisted
// as Running and re-adopted on the next start. In-flight tasks get a
// bounded window to finish and report.
func (s *Scheduler) shutdown() {
	s.log.Info("loop stopping")
	done := make(chan struct{})
	go func() {
		s.runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.grace):
		s.log.Warn("shutdown grace elapsed with tasks still in flight")
	}
	// Drain any last completions so final states reach the store.
	for {
		select {
		case res := <-s.results:
			s.onResult(context.Background(), res)
		default:
			return
		}
	}
}

func (s *Scheduler) snapshot() *job.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph
}

func (s *Scheduler) lookup(name string) (*job.Spec, error) {
	g := s.snapshot()
	if g == nil {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, name)
	}
	sp, ok := g.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, name)
	}
	return sp, nil
}

// List returns the status of every scheduled job in declaration order.
func (s *Scheduler) List() []job.Status {
	g := s.snapshot()
	if g == nil {
		return nil
	}
	out := make([]job.Status, 0, len(g.Specs()))
	for _, sp := range g.Specs() {
		if st, ok := s.book.Get(sp.Name); ok {
			out = append(out, st)
		} else {
			out = append(out, job.Status{Name: sp.Name})
		}
	}
	return out
}

// Status returns one job's status.
func (s *Scheduler) Status(name string) (job.Status, error) {
	sp, err := s.lookup(name)
	if err != nil {
		return job.Status{}, err
	}
	if st, ok := s.book.Get(sp.Name); ok {
		return st, nil
	}
	return job.Status{Name: sp.Name}, nil
}

// Start manually starts a program, clearing a Stopped or Failed hold and
// resetting its retry budget.
func (s *Scheduler) Start(ctx context.Context, name string) error {
	sp, err := s.lookup(name)
	if err != nil {
		return err
	}
	if sp.Kind != job.KindProgram {
		return fmt.Errorf("%w: %s is a %s; use run", job.ErrInvalidForKind, name, sp.Kind)
	}
	return s.sup.Start(ctx, sp)
}

// Stop terminates a program and holds it down until the next Start.
func (s *Scheduler) Stop(ctx context.Context, name string) error {
	sp, err := s.lookup(name)
	if err != nil {
		return err
	}
	if sp.Kind != job.KindProgram {
		return fmt.Errorf("%w: %s is a %s", job.ErrInvalidForKind, name, sp.Kind)
	}
	return s.sup.Stop(ctx, sp)
}

// RunTask triggers a task immediately, outside its clock schedule. Its
// completion cascades exactly as a scheduled run would.
func (s *Scheduler) RunTask(ctx context.Context, name string) error {
	sp, err := s.lookup(name)
	if err != nil {
		return err
	}
	if sp.Kind != job.KindTask {
		return fmt.Errorf("%w: %s is a %s; use start", job.ErrInvalidForKind, name, sp.Kind)
	}
	return s.runner.Execute(ctx, sp)
}

// Reload re-reads the schedule file and applies it. A file that fails
// validation is rejected and the running schedule stays in force.
func (s *Scheduler) Reload(ctx context.Context) error {
	loaded, err := s.cfg.Load()
	if err != nil {
		s.log.Warn("reload rejected", logx.Err(err))
		return err
	}
	s.Apply(ctx, loaded)
	return nil
}
