package config

import (
	"fmt"
	"strings"
	"time"

	cron "github.com/robfig/cron/v3"

	"procman/internal/job"
	"procman/internal/program"
)

const defaultCheckAliveFreq = time.Minute

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// BuildSpecs converts wire-format job records into validated job specs.
// Field-level errors (bad durations, bad times, unknown kinds) surface here;
// graph-level validation (duplicates, unresolved deps, cycles) happens in
// job.NewGraph.
func BuildSpecs(records []JobConfig) ([]*job.Spec, error) {
	specs := make([]*job.Spec, 0, len(records))
	for i, rec := range records {
		sp, err := buildSpec(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: schedules[%d] (%s): %v", job.ErrInvalidGraph, i, rec.Name, err)
		}
		specs = append(specs, sp)
	}
	return specs, nil
}

func buildSpec(rec JobConfig) (*job.Spec, error) {
	sp := &job.Spec{
		Name:          strings.TrimSpace(rec.Name),
		Command:       rec.Command,
		KeepAlive:     rec.KeepAlive,
		MaxRetries:    rec.MaxRetries,
		RunOnStart:    rec.RunOnStart,
		Probe:         strings.TrimSpace(rec.Probe),
		ProbeAddr:     strings.TrimSpace(rec.ProbeAddr),
		Cron:          strings.TrimSpace(rec.Cron),
		RunOnComplete: rec.RunOnComplete,
	}

	switch strings.ToLower(strings.TrimSpace(rec.Type)) {
	case "program":
		sp.Kind = job.KindProgram
	case "task":
		sp.Kind = job.KindTask
	default:
		return nil, fmt.Errorf("unknown type %q (want program or task)", rec.Type)
	}

	var err error
	if sp.Kind == job.KindProgram {
		freq := rec.CheckAliveFreq
		sp.CheckInterval = defaultCheckAliveFreq
		if freq != "" {
			if sp.CheckInterval, err = ParseFrequency(freq); err != nil {
				return nil, fmt.Errorf("check_alive_freq: %w", err)
			}
		}
		if rec.Freq != "" || rec.Cron != "" {
			return nil, fmt.Errorf("freq/cron are task-only")
		}
		if sp.MaxRetries < 0 {
			return nil, fmt.Errorf("max_retries must be >= 0")
		}
		if _, perr := program.ResolveProbe(sp); perr != nil {
			return nil, fmt.Errorf("unknown probe kind %q", sp.Probe)
		}
	} else {
		if rec.Freq != "" {
			if sp.Frequency, err = ParseFrequency(rec.Freq); err != nil {
				return nil, fmt.Errorf("freq: %w", err)
			}
		}
		if sp.Cron != "" {
			if _, err := cronParser.Parse(sp.Cron); err != nil {
				return nil, fmt.Errorf("cron %q: %w", sp.Cron, err)
			}
			if rec.Start != "" || rec.Freq != "" {
				return nil, fmt.Errorf("cron and start/freq are mutually exclusive")
			}
		}
		if rec.KeepAlive || rec.CheckAliveFreq != "" || rec.RunOnStart {
			return nil, fmt.Errorf("keep_alive/check_alive_freq/run_on_start are program-only")
		}
	}

	if rec.Start != "" {
		if sp.Start, err = ParseTimeOfDay(rec.Start); err != nil {
			return nil, err
		}
	}
	if rec.End != "" {
		if sp.End, err = ParseTimeOfDay(rec.End); err != nil {
			return nil, err
		}
	}
	if sp.Days, err = ParseDays(rec.Days); err != nil {
		return nil, err
	}
	return sp, nil
}
