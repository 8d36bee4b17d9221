package program

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"procman/internal/eventbus"
	"procman/internal/job"
	"procman/pkg/logx"
)

// memRecorder is a minimal in-memory job.Recorder for tests.
type memRecorder struct {
	mu sync.Mutex
	m  map[string]job.Status
}

func newMemRecorder(names ...string) *memRecorder {
	r := &memRecorder{m: map[string]job.Status{}}
	for _, n := range names {
		r.m[n] = job.Status{Name: n}
	}
	return r
}

func (r *memRecorder) Update(name string, fn func(*job.Status)) job.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.m[name]
	st.Name = name
	fn(&st)
	st.UpdatedAt = time.Now()
	r.m[name] = st
	return st
}

func (r *memRecorder) Get(name string) (job.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.m[name]
	return st, ok
}

func sleepSpec(name string) *job.Spec {
	return &job.Spec{
		Name:          name,
		Kind:          job.KindProgram,
		Command:       []string{"/bin/sleep", "60"},
		KeepAlive:     true,
		MaxRetries:    3,
		CheckInterval: time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, rec job.Recorder) (*Supervisor, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	sup := NewSupervisor(logx.Nop(), rec, bus, Options{
		LogDir:       t.TempDir(),
		StopGrace:    500 * time.Millisecond,
		ProbeTimeout: time.Second,
	})
	return sup, bus
}

func TestEnsureRunningStartsOnce(t *testing.T) {
	t.Parallel()
	rec := newMemRecorder("svc")
	sup, _ := newTestSupervisor(t, rec)
	sp := sleepSpec("svc")
	defer sup.Stop(context.Background(), sp)

	if err := sup.EnsureRunning(context.Background(), sp); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	st, _ := rec.Get("svc")
	if st.State != job.StateRunning || st.PID == 0 {
		t.Fatalf("status after start = %+v", st)
	}
	firstPID := st.PID

	// Already running: a second call must not spawn another process.
	if err := sup.EnsureRunning(context.Background(), sp); err != nil {
		t.Fatalf("EnsureRunning (second): %v", err)
	}
	st, _ = rec.Get("svc")
	if st.PID != firstPID {
		t.Fatalf("second EnsureRunning respawned: pid %d -> %d", firstPID, st.PID)
	}
}

func TestAdoptedProgramHonorsCheckCadence(t *testing.T) {
	t.Parallel()
	rec := newMemRecorder("adopted")
	sup, _ := newTestSupervisor(t, rec)
	sp := sleepSpec("adopted")
	sp.CheckInterval = time.Hour

	// Running status without a launch handle, as after restart adoption.
	// Using our own PID keeps the process probe healthy.
	rec.Update("adopted", func(st *job.Status) {
		st.State = job.StateRunning
		st.PID = os.Getpid()
	})

	now := time.Now()
	if !sup.CheckDue(sp, now) {
		t.Fatal("first check after adoption should be due immediately")
	}
	sup.CheckLiveness(context.Background(), sp)
	if sup.CheckDue(sp, time.Now()) {
		t.Fatal("check due again right after a probe despite a 1h cadence")
	}
	if !sup.CheckDue(sp, now.Add(2*time.Hour)) {
		t.Fatal("check not due after the cadence elapsed")
	}
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	t.Parallel()
	rec := newMemRecorder("svc")
	sup, bus := newTestSupervisor(t, rec)
	events, unsub := bus.Subscribe(32)
	defer unsub()

	sp := sleepSpec("svc")
	defer sup.Stop(context.Background(), sp)

	// Manual start racing the tick loop's keep-alive path.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := sup.EnsureRunning(context.Background(), sp); err != nil {
			t.Errorf("EnsureRunning: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := sup.Start(context.Background(), sp); err != nil && !errors.Is(err, job.ErrAlreadyRunning) {
			t.Errorf("Start: %v", err)
		}
	}()
	wg.Wait()

	st, _ := rec.Get("svc")
	if st.State != job.StateRunning || st.PID == 0 {
		t.Fatalf("status after racing starts = %+v", st)
	}

	started := 0
count:
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeJobStarted {
				started++
			}
		default:
			break count
		}
	}
	if started != 1 {
		t.Fatalf("job started %d times, want exactly 1", started)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	t.Parallel()
	RegisterProbe("always-down", ProbeFunc(func(ctx context.Context, sp *job.Spec, pid int) error {
		return fmt.Errorf("synthetic probe failure")
	}))

	rec := newMemRecorder("flaky")
	sup, bus := newTestSupervisor(t, rec)
	events, unsub := bus.Subscribe(32)
	defer unsub()

	sp := sleepSpec("flaky")
	sp.Probe = "always-down"
	defer sup.Stop(context.Background(), sp)

	if err := sup.EnsureRunning(context.Background(), sp); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	// max_retries=3: failures 1..3 restart, the 4th goes terminal.
	for i := 0; i < 4; i++ {
		sup.CheckLiveness(context.Background(), sp)
	}

	st, _ := rec.Get("flaky")
	if st.State != job.StateFailed {
		t.Fatalf("state = %v, want failed", st.State)
	}
	if st.ConsecutiveFailures != 4 {
		t.Fatalf("consecutive failures = %d, want 4", st.ConsecutiveFailures)
	}

	// No further auto-restart: another liveness tick must be a no-op.
	sup.CheckLiveness(context.Background(), sp)
	st, _ = rec.Get("flaky")
	if st.State != job.StateFailed {
		t.Fatalf("failed program was revived by a liveness tick")
	}

	var sawBudget bool
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeRetryBudget {
				sawBudget = true
				break drain
			}
		case <-deadline:
			break drain
		}
	}
	if !sawBudget {
		t.Fatal("expected a retry-budget-exhausted event")
	}
}

func TestManualStopSuppressesKeepAlive(t *testing.T) {
	t.Parallel()
	rec := newMemRecorder("svc")
	sup, _ := newTestSupervisor(t, rec)
	sp := sleepSpec("svc")

	if err := sup.EnsureRunning(context.Background(), sp); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if err := sup.Stop(context.Background(), sp); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st, _ := rec.Get("svc")
	if st.State != job.StateStopped {
		t.Fatalf("state = %v, want stopped", st.State)
	}

	// EnsureRunning must not revive a manually stopped program.
	if err := sup.EnsureRunning(context.Background(), sp); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	st, _ = rec.Get("svc")
	if st.State != job.StateStopped {
		t.Fatal("EnsureRunning revived a stopped program")
	}

	// Manual start clears the suppression.
	if err := sup.Start(context.Background(), sp); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop(context.Background(), sp)
	st, _ = rec.Get("svc")
	if st.State != job.StateRunning || st.ConsecutiveFailures != 0 {
		t.Fatalf("status after manual start = %+v", st)
	}
}

func TestLaunchErrorCountsAsFailure(t *testing.T) {
	t.Parallel()
	rec := newMemRecorder("ghost")
	sup, _ := newTestSupervisor(t, rec)
	sp := sleepSpec("ghost")
	sp.Command = []string{"/nonexistent/binary"}

	err := sup.EnsureRunning(context.Background(), sp)
	if err == nil {
		t.Fatal("expected launch error")
	}
	st, _ := rec.Get("ghost")
	if st.State != job.StateFailed || st.ConsecutiveFailures != 1 {
		t.Fatalf("status after launch failure = %+v", st)
	}
}

func TestResolveProbeUnknownKind(t *testing.T) {
	t.Parallel()
	sp := sleepSpec("x")
	sp.Probe = "no-such-probe"
	_, err := ResolveProbe(sp)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, job.ErrInvalidGraph) {
		t.Fatalf("error %v should be a schedule validation error", err)
	}
}

func TestTCPProbeRequiresAddr(t *testing.T) {
	t.Parallel()
	sp := sleepSpec("db")
	sp.Probe = "tcp"
	p, err := ResolveProbe(sp)
	if err != nil {
		t.Fatalf("ResolveProbe: %v", err)
	}
	if err := p.Check(context.Background(), sp, 1); err == nil {
		t.Fatal("tcp probe without probe_addr must fail")
	}
}
