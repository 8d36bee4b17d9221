// Package job defines the shared model for scheduled work: the immutable
// Spec loaded from the schedule definition, the mutable Status record kept
// per job, and the validated Graph of dependency edges.
package job

import (
	"strings"
	"time"
)

// Kind discriminates the two job variants.
//
// Programs are long-running processes kept alive by the supervisor; Tasks
// are finite jobs fired by the clock or by a dependency cascade.
type Kind int

const (
	KindProgram Kind = iota
	KindTask
)

func (k Kind) String() string {
	switch k {
	case KindProgram:
		return "program"
	case KindTask:
		return "task"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a job.
type State int

const (
	// StateIdle: loaded but not running; eligible for triggers.
	StateIdle State = iota
	// StateRunning: a process is (believed to be) alive for this job.
	StateRunning
	// StateSucceeded: last task execution exited 0.
	StateSucceeded
	// StateFailed: last execution failed, or a program exhausted its retry
	// budget. Terminal for programs until a manual start.
	StateFailed
	// StateStopped: manually stopped; keep-alive is suppressed until a
	// manual start.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its lowercase name so status records
// stay readable in the store and over the control API.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *State) UnmarshalJSON(b []byte) error {
	*s = ParseState(strings.Trim(string(b), `"`))
	return nil
}

// ParseState is the inverse of State.String. Unknown input maps to StateIdle.
func ParseState(s string) State {
	switch s {
	case "running":
		return StateRunning
	case "succeeded":
		return StateSucceeded
	case "failed":
		return StateFailed
	case "stopped":
		return StateStopped
	default:
		return StateIdle
	}
}

// TimeOfDay is a wall-clock time in a fixed location, e.g. "9:00 am PST".
type TimeOfDay struct {
	Hour   int
	Minute int
	Loc    *time.Location
}

// On places the time-of-day on the given calendar date, in its own location.
func (t TimeOfDay) On(date time.Time) time.Time {
	d := date.In(t.loc())
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, t.loc())
}

func (t TimeOfDay) loc() *time.Location {
	if t.Loc != nil {
		return t.Loc
	}
	return time.Local
}

// Spec is the immutable configuration of one job. It is built once at
// load/reload time and never mutated afterwards.
type Spec struct {
	Name    string
	Kind    Kind
	Command []string

	// Program fields.
	KeepAlive     bool
	CheckInterval time.Duration
	MaxRetries    int
	RunOnStart    bool
	Probe         string // probe kind; empty means the default process probe
	ProbeAddr     string // probe-specific target, e.g. "127.0.0.1:27017" for tcp

	// Clock triggers. Start alone fires once per allowed day; Start plus
	// Frequency fires repeatedly until local midnight. Cron is an alternative
	// trigger expression evaluated in the Start location (or local time).
	Start     *TimeOfDay
	End       *TimeOfDay // programs: run-window end; tasks: last slot of the day
	Frequency time.Duration
	Cron      string
	Days      []time.Weekday // empty means every day

	// Task fields.
	RunOnComplete []string
}

// Location returns the timezone the job's clock triggers are evaluated in.
func (s *Spec) Location() *time.Location {
	if s.Start != nil && s.Start.Loc != nil {
		return s.Start.Loc
	}
	return time.Local
}

// AllowsDay reports whether the weekday is inside the job's day-of-week window.
func (s *Spec) AllowsDay(d time.Weekday) bool {
	if len(s.Days) == 0 {
		return true
	}
	for _, w := range s.Days {
		if w == d {
			return true
		}
	}
	return false
}

// HasClockTrigger reports whether the job can ever become due from the
// clock. Pure dependency-triggered tasks return false.
func (s *Spec) HasClockTrigger() bool {
	return s.Start != nil || s.Frequency > 0 || s.Cron != ""
}

// Status is the mutable runtime record for one job, keyed by name. Mutation
// goes through the owning component; readers get copies via the status book
// or the store.
type Status struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	PID                 int       `json:"pid,omitempty"`
	RunID               string    `json:"run_id,omitempty"`
	LastStart           time.Time `json:"last_start,omitempty"`
	LastExitCode        int       `json:"last_exit_code"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextDue             time.Time `json:"next_due,omitempty"`
	Error               string    `json:"error,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Recorder applies a mutation to a job's status under the single-writer
// discipline and persists the result. Implemented by the scheduler's status
// book.
type Recorder interface {
	// Update mutates the named status atomically and returns the updated copy.
	Update(name string, fn func(*Status)) Status
	// Get returns a copy of the named status.
	Get(name string) (Status, bool)
}
