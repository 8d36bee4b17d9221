package config

import (
	"testing"
	"time"
)

func TestParseFrequencyVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"1 m", time.Minute},
		{"5 m", 5 * time.Minute},
		{"2 h", 2 * time.Hour},
		{"30 s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"45s", 45 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseFrequency(tt.raw)
		if err != nil {
			t.Fatalf("ParseFrequency(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseFrequency(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseFrequencyInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"m", "5 d", "-1 m", "0 m", "five m"} {
		if _, err := ParseFrequency(raw); err == nil {
			t.Fatalf("ParseFrequency(%q): expected error", raw)
		}
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    string
		hour   int
		minute int
	}{
		{"9:00 am PST", 9, 0},
		{"12:30 pm PST", 12, 30},
		{"12:05 am PST", 0, 5},
		{"11:45 pm EST", 23, 45},
		{"14:30 UTC", 14, 30},
		{"00:45 UTC", 0, 45},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.raw)
		if err != nil {
			t.Fatalf("ParseTimeOfDay(%q) error: %v", tt.raw, err)
		}
		if got.Hour != tt.hour || got.Minute != tt.minute {
			t.Fatalf("ParseTimeOfDay(%q) = %02d:%02d, want %02d:%02d",
				tt.raw, got.Hour, got.Minute, tt.hour, tt.minute)
		}
	}
}

func TestParseTimeOfDayZones(t *testing.T) {
	t.Parallel()
	tod, err := ParseTimeOfDay("9:00 am PST")
	if err != nil {
		t.Fatalf("ParseTimeOfDay error: %v", err)
	}
	if tod.Loc.String() != "America/Los_Angeles" {
		t.Fatalf("zone = %s, want America/Los_Angeles", tod.Loc)
	}

	tod, err = ParseTimeOfDay("14:30 America/Chicago")
	if err != nil {
		t.Fatalf("IANA zone rejected: %v", err)
	}
	if tod.Loc.String() != "America/Chicago" {
		t.Fatalf("zone = %s, want America/Chicago", tod.Loc)
	}
}

func TestParseTimeOfDayInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "25:00", "13:00 pm PST", "9:61 am", "9:00 am Mars", "9:00 am PST extra"} {
		if _, err := ParseTimeOfDay(raw); err == nil {
			t.Fatalf("ParseTimeOfDay(%q): expected error", raw)
		}
	}
}

func TestParseDays(t *testing.T) {
	t.Parallel()
	got, err := ParseDays([]string{"Mon", "wednesday", "FRI"})
	if err != nil {
		t.Fatalf("ParseDays error: %v", err)
	}
	want := []time.Weekday{time.Monday, time.Wednesday, time.Friday}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ParseDays = %v, want %v", got, want)
		}
	}
	if _, err := ParseDays([]string{"xyz"}); err == nil {
		t.Fatal("expected error for unknown day")
	}
}
