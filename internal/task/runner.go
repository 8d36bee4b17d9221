// Package task executes finite jobs: once per due trigger, never
// concurrently with themselves, exit code 0 meaning success.
package task

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"procman/internal/eventbus"
	"procman/internal/job"
	"procman/internal/proc"
	"procman/pkg/logx"
)

// Result is posted to the scheduler loop when an execution finishes, so
// dependency cascades can be dispatched without waiting for the next tick.
type Result struct {
	Job      string
	RunID    string
	ExitCode int
	Err      error
	Started  time.Time
	Duration time.Duration
}

func (r Result) Succeeded() bool { return r.Err == nil && r.ExitCode == 0 }

// Options tune the runner; zero values pick defaults.
type Options struct {
	// LogDir receives per-task output files.
	LogDir string
	// Timeout, when non-zero, is a hard per-execution timeout. Expiry is a
	// failed outcome; there is no silent retry.
	Timeout time.Duration
}

// Runner executes tasks. A per-job in-flight flag makes dispatch exclusive
// across the clock, cascade and manual paths: the check-and-set happens
// under one lock, so two concurrent triggers can never both launch.
type Runner struct {
	log     logx.Logger
	rec     job.Recorder
	bus     eventbus.Bus
	results chan<- Result
	opt     Options

	mu       sync.Mutex
	inflight map[string]bool

	wg sync.WaitGroup
}

func NewRunner(log logx.Logger, rec job.Recorder, bus eventbus.Bus, results chan<- Result, opt Options) *Runner {
	return &Runner{
		log:      log.With(logx.String("component", "taskrunner")),
		rec:      rec,
		bus:      bus,
		results:  results,
		opt:      opt,
		inflight: map[string]bool{},
	}
}

// Execute dispatches one task execution. It returns job.ErrAlreadyRunning
// when an execution is already in flight; the process itself runs in the
// background and reports through the results channel.
func (r *Runner) Execute(ctx context.Context, sp *job.Spec) error {
	if sp.Kind != job.KindTask {
		return fmt.Errorf("%w: %s is a %s", job.ErrInvalidForKind, sp.Name, sp.Kind)
	}
	if !r.tryAcquire(sp.Name) {
		return fmt.Errorf("%w: %s", job.ErrAlreadyRunning, sp.Name)
	}

	runID := uuid.NewString()
	started := time.Now()

	logFile, err := proc.OpenLog(r.opt.LogDir, sp.Name)
	if err != nil {
		r.release(sp.Name)
		return fmt.Errorf("open log for %s: %w", sp.Name, err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.opt.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.opt.Timeout)
	}

	cmd := proc.Command(sp, logFile)
	if err := cmd.Start(); err != nil {
		if cancel != nil {
			cancel()
		}
		if logFile != nil {
			_ = logFile.Close()
		}
		r.release(sp.Name)
		r.rec.Update(sp.Name, func(st *job.Status) {
			st.State = job.StateFailed
			st.ConsecutiveFailures++
			st.Error = err.Error()
		})
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Job: sp.Name, Error: err.Error()})
		r.post(Result{Job: sp.Name, RunID: runID, ExitCode: -1, Err: err, Started: started})
		return fmt.Errorf("launch %s: %w", sp.Name, err)
	}

	r.rec.Update(sp.Name, func(st *job.Status) {
		st.State = job.StateRunning
		st.PID = cmd.Process.Pid
		st.RunID = runID
		st.LastStart = started
		st.Error = ""
	})
	r.log.Info("task started", logx.String("job", sp.Name), logx.String("run_id", runID), logx.Int("pid", cmd.Process.Pid))
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Job: sp.Name})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(sp.Name)
		if cancel != nil {
			defer cancel()
		}

		waitErr := r.wait(runCtx, cmd)
		if logFile != nil {
			_ = logFile.Close()
		}

		res := Result{Job: sp.Name, RunID: runID, Started: started, Duration: time.Since(started)}
		switch {
		case waitErr == nil:
			res.ExitCode = 0
		case errors.Is(waitErr, context.DeadlineExceeded):
			res.ExitCode = -1
			res.Err = waitErr
		default:
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
			} else {
				res.ExitCode = -1
				res.Err = waitErr
			}
		}

		r.record(sp, res)
		r.post(res)
	}()
	return nil
}

// wait blocks until the process exits or the run context expires; on
// expiry the process group is killed and the context error returned.
func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		proc.Kill(cmd.Process.Pid)
		<-done
		return ctx.Err()
	}
}

func (r *Runner) record(sp *job.Spec, res Result) {
	if res.Succeeded() {
		r.rec.Update(sp.Name, func(st *job.Status) {
			st.State = job.StateSucceeded
			st.PID = 0
			st.LastExitCode = 0
			st.ConsecutiveFailures = 0
			st.Error = ""
		})
		r.log.Info("task succeeded", logx.String("job", sp.Name),
			logx.String("run_id", res.RunID), logx.Duration("dur", res.Duration))
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeJobSucceeded, Job: sp.Name})
		return
	}

	msg := fmt.Sprintf("exit code %d", res.ExitCode)
	if res.Err != nil {
		msg = res.Err.Error()
	}
	r.rec.Update(sp.Name, func(st *job.Status) {
		st.State = job.StateFailed
		st.PID = 0
		st.LastExitCode = res.ExitCode
		st.ConsecutiveFailures++
		st.Error = msg
	})
	r.log.Warn("task failed", logx.String("job", sp.Name),
		logx.String("run_id", res.RunID), logx.Int("exit_code", res.ExitCode),
		logx.Duration("dur", res.Duration))
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFailed, Job: sp.Name, ExitCode: res.ExitCode, Error: msg})
}

func (r *Runner) post(res Result) {
	if r.results == nil {
		return
	}
	select {
	case r.results <- res:
	default:
		// The loop's completion queue is full; losing the cascade beats
		// blocking every in-flight task goroutine.
		r.log.Error("completion queue full, dropping result", logx.String("job", res.Job))
	}
}

func (r *Runner) tryAcquire(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[name] {
		return false
	}
	r.inflight[name] = true
	return true
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.inflight, name)
	r.mu.Unlock()
}

// InFlight reports whether an execution is currently running for the job.
func (r *Runner) InFlight(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight[name]
}

// Wait blocks until all in-flight executions have finished. Used on
// shutdown.
func (r *Runner) Wait() { r.wg.Wait() }
