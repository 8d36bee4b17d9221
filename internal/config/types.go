// Package config loads and validates the schedule definition file.
//
// The file is YAML or JSON; YAML is coerced to JSON bytes so both formats
// share one strict decoder. A top-level "settings" block configures the
// daemon; "schedules" is the ordered job list.
package config

import (
	"encoding/json"
	"fmt"

	shellquote "github.com/kballard/go-shellquote"
)

// File is the root of the schedule definition.
type File struct {
	Settings  Settings    `json:"settings,omitempty"`
	Schedules []JobConfig `json:"schedules"`
}

// Settings configures the daemon itself.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Settings struct {
	// Tick is the scheduler loop interval. Default "1s".
	Tick string `json:"tick,omitempty"`
	// Listen is the control API address. Default "127.0.0.1:7530".
	Listen string `json:"listen,omitempty"`
	// LogDir receives per-job process output files.
	LogDir string `json:"log_dir,omitempty"`
	// LogLevel controls daemon logging ("debug", "info", ...).
	LogLevel string `json:"log_level,omitempty"`
	// LogFile, when set, adds a JSON-lines log sink.
	LogFile string `json:"log_file,omitempty"`
	// Storage selects the status store backend.
	Storage StorageConfig `json:"storage,omitempty"`
	// StopGrace is how long a stop waits after SIGTERM before SIGKILL.
	StopGrace string `json:"stop_grace,omitempty"`
	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout string `json:"probe_timeout,omitempty"`
	// TaskTimeout, when non-zero, is a hard per-task execution timeout.
	// Expiry is treated as a failed outcome.
	TaskTimeout string `json:"task_timeout,omitempty"`
}

// StorageConfig selects the status store driver.
//
// Driver values:
//   - "file":   one JSON document per job under Path (default)
//   - "sqlite": SQLite database file at Path
//   - "memory": in-process only (testing / ephemeral runs)
type StorageConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
}

// JobConfig is one schedule record as written by the operator.
type JobConfig struct {
	Type    string     `json:"type"`
	Name    string     `json:"name"`
	Command ArgvString `json:"command"`

	// Program fields.
	KeepAlive      bool   `json:"keep_alive,omitempty"`
	CheckAliveFreq string `json:"check_alive_freq,omitempty"` // "<N> <m|h|s>"
	MaxRetries     int    `json:"max_retries,omitempty"`
	RunOnStart     bool   `json:"run_on_start,omitempty"`
	Probe          string `json:"probe,omitempty"`
	ProbeAddr      string `json:"probe_addr,omitempty"`

	// Triggers. Start/End are "HH:MM am/pm <tz>"; Freq is "<N> <m|h>";
	// Cron is a standard 5-field cron expression; Days are mon..sun.
	Start string   `json:"start,omitempty"`
	End   string   `json:"end,omitempty"`
	Freq  string   `json:"freq,omitempty"`
	Cron  string   `json:"cron,omitempty"`
	Days  []string `json:"days,omitempty"`

	// Task fields.
	RunOnComplete []string `json:"run_on_complete,omitempty"`
}

// ArgvString is a command line that may be written either as a single
// shell-quoted string or as an explicit argv list.
type ArgvString []string

func (a *ArgvString) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*a = list
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("command must be a string or a list of strings")
	}
	argv, err := shellquote.Split(s)
	if err != nil {
		return fmt.Errorf("command %q: %w", s, err)
	}
	*a = argv
	return nil
}
