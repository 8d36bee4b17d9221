package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"procman/internal/job"
)

// tzAbbrevs maps the timezone abbreviations accepted in schedule files to
// IANA zone names. Anything not listed falls through to time.LoadLocation,
// so full IANA names ("America/Chicago") work too.
var tzAbbrevs = map[string]string{
	"pst": "America/Los_Angeles",
	"pdt": "America/Los_Angeles",
	"mst": "America/Denver",
	"mdt": "America/Denver",
	"cst": "America/Chicago",
	"cdt": "America/Chicago",
	"est": "America/New_York",
	"edt": "America/New_York",
	"utc": "UTC",
	"gmt": "UTC",
}

// ParseFrequency parses "<N> <unit>" or "<N><unit>" where unit is s, m or h.
// The spaced form ("5 m") is canonical; the compact form ("5m") is accepted.
func ParseFrequency(raw string) (time.Duration, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return 0, nil
	}

	var numPart, unitPart string
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		numPart, unitPart = s[:i], strings.TrimSpace(s[i+1:])
	} else {
		// compact form: trailing unit letter
		i := len(s) - 1
		for i >= 0 && s[i] >= 'a' && s[i] <= 'z' {
			i--
		}
		numPart, unitPart = s[:i+1], s[i+1:]
	}

	n, err := strconv.Atoi(strings.TrimSpace(numPart))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid frequency %q", raw)
	}

	switch unitPart {
	case "s", "sec", "secs":
		return time.Duration(n) * time.Second, nil
	case "m", "min", "mins":
		return time.Duration(n) * time.Minute, nil
	case "h", "hr", "hrs":
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid frequency unit in %q (want s, m or h)", raw)
	}
}

// ParseTimeOfDay parses "HH:MM am/pm <tz>" (e.g. "9:00 am PST"). 24h form
// without a meridiem is accepted ("14:30 CST"), as is omitting the zone,
// which yields local time.
func ParseTimeOfDay(raw string) (*job.TimeOfDay, error) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty time of day")
	}

	hour, minute, err := parseHHMM(fields[0])
	if err != nil {
		return nil, fmt.Errorf("time %q: %w", raw, err)
	}

	rest := fields[1:]
	if len(rest) > 0 {
		// Meridiem and zone abbreviations are case-insensitive; IANA zone
		// names stay untouched.
		rest = append([]string(nil), rest...)
	}
	if len(rest) > 0 && (strings.EqualFold(rest[0], "am") || strings.EqualFold(rest[0], "pm")) {
		rest[0] = strings.ToLower(rest[0])
		if hour < 1 || hour > 12 {
			return nil, fmt.Errorf("time %q: hour out of range for 12h clock", raw)
		}
		if rest[0] == "pm" && hour != 12 {
			hour += 12
		}
		if rest[0] == "am" && hour == 12 {
			hour = 0
		}
		rest = rest[1:]
	} else if hour > 23 {
		return nil, fmt.Errorf("time %q: hour out of range", raw)
	}

	loc := time.Local
	if len(rest) > 0 {
		loc, err = loadZone(rest[0])
		if err != nil {
			return nil, fmt.Errorf("time %q: %w", raw, err)
		}
		rest = rest[1:]
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("time %q: trailing tokens", raw)
	}

	return &job.TimeOfDay{Hour: hour, Minute: minute, Loc: loc}, nil
}

func parseHHMM(s string) (int, int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		// bare hour, e.g. "9"
		h, m = s, "0"
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hour %q", h)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute %q", m)
	}
	if hour < 0 {
		return 0, 0, fmt.Errorf("invalid hour %q", h)
	}
	return hour, minute, nil
}

func loadZone(name string) (*time.Location, error) {
	if iana, ok := tzAbbrevs[strings.ToLower(name)]; ok {
		name = iana
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", name)
	}
	return loc, nil
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// ParseDays maps day abbreviations (mon..sun, case-insensitive; longer
// names are matched on their first three letters) to weekdays.
func ParseDays(raw []string) ([]time.Weekday, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]time.Weekday, 0, len(raw))
	for _, d := range raw {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := dayNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", d)
		}
		out = append(out, wd)
	}
	return out, nil
}

// ParseDurationField parses an optional Go duration string from settings.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
