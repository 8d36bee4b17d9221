package program

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"procman/internal/job"
)

// Probe answers "is this program alive right now". The default checks the
// process table; richer probes (a port check, an application ping) register
// under their own kind and implement the same contract.
//
// Probes must respect ctx: the supervisor bounds every check with a timeout
// so a hung probe cannot stall the scheduler loop.
type Probe interface {
	Check(ctx context.Context, sp *job.Spec, pid int) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, sp *job.Spec, pid int) error

func (f ProbeFunc) Check(ctx context.Context, sp *job.Spec, pid int) error {
	return f(ctx, sp, pid)
}

var (
	probeMu  sync.RWMutex
	registry = map[string]Probe{
		"":        ProbeFunc(processProbe),
		"process": ProbeFunc(processProbe),
		"tcp":     ProbeFunc(tcpProbe),
	}
)

// RegisterProbe installs a probe under a kind name. Later registrations
// replace earlier ones; plugins call this at startup.
func RegisterProbe(kind string, p Probe) {
	probeMu.Lock()
	registry[kind] = p
	probeMu.Unlock()
}

// ResolveProbe returns the probe for a spec's probe kind. Unknown kinds are
// a schedule validation error.
func ResolveProbe(sp *job.Spec) (Probe, error) {
	probeMu.RLock()
	p, ok := registry[sp.Probe]
	probeMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: program %q: unknown probe kind %q", job.ErrInvalidGraph, sp.Name, sp.Probe)
	}
	return p, nil
}

// processProbe checks the process table for the PID.
func processProbe(ctx context.Context, sp *job.Spec, pid int) error {
	_ = sp
	if pid <= 0 {
		return fmt.Errorf("no recorded pid")
	}
	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return fmt.Errorf("pid lookup: %w", err)
	}
	if !alive {
		return fmt.Errorf("pid %d is gone", pid)
	}
	return nil
}

// tcpProbe dials the program's probe address.
func tcpProbe(ctx context.Context, sp *job.Spec, pid int) error {
	_ = pid
	if sp.ProbeAddr == "" {
		return fmt.Errorf("program %q: tcp probe requires probe_addr", sp.Name)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", sp.ProbeAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", sp.ProbeAddr, err)
	}
	_ = conn.Close()
	return nil
}

// PidAlive re-verifies a persisted PID before trusting a stale Running
// record after a scheduler restart.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && alive
}
