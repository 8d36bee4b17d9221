package job

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func task(name string, deps ...string) *Spec {
	return &Spec{Name: name, Kind: KindTask, Command: []string{"/bin/true"}, RunOnComplete: deps}
}

func program(name string) *Spec {
	return &Spec{Name: name, Kind: KindProgram, Command: []string{"/bin/sleep", "60"}, KeepAlive: true}
}

func TestNewGraphValid(t *testing.T) {
	t.Parallel()
	g, err := NewGraph([]*Spec{task("a", "b"), task("b", "c"), task("c"), program("p")})
	if err != nil {
		t.Fatalf("NewGraph error: %v", err)
	}
	if got := g.TriggeredBy("b"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("TriggeredBy(b) = %v, want [a]", got)
	}
	if names := g.Names(); len(names) != 4 || names[0] != "a" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestNewGraphRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		specs []*Spec
		want  string
	}{
		{name: "duplicate name", specs: []*Spec{task("a"), task("a")}, want: "duplicate"},
		{name: "unresolved dep", specs: []*Spec{task("a", "ghost")}, want: "unknown job"},
		{name: "self cycle", specs: []*Spec{task("a", "a")}, want: "cycle"},
		{name: "long cycle", specs: []*Spec{task("a", "b"), task("b", "c"), task("c", "a")}, want: "cycle"},
		{name: "program cascade target", specs: []*Spec{task("a", "p"), program("p")}, want: "not a task"},
		{
			name:  "run_on_complete on program",
			specs: []*Spec{&Spec{Name: "p", Kind: KindProgram, Command: []string{"x"}, RunOnComplete: []string{"a"}}, task("a")},
			want:  "task-only",
		},
		{
			name:  "keep_alive on task",
			specs: []*Spec{&Spec{Name: "a", Kind: KindTask, Command: []string{"x"}, KeepAlive: true}},
			want:  "program-only",
		},
		{name: "missing command", specs: []*Spec{{Name: "a", Kind: KindTask}}, want: "command"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewGraph(tt.specs)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidGraph) {
				t.Fatalf("error %v is not ErrInvalidGraph", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestCycleWitnessPath(t *testing.T) {
	t.Parallel()
	_, err := NewGraph([]*Spec{task("a", "b"), task("b", "a")})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "a -> b -> a") {
		t.Fatalf("expected witness path in error, got %q", err)
	}
}

func TestTimeOfDayOn(t *testing.T) {
	t.Parallel()
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tz database unavailable: %v", err)
	}
	tod := TimeOfDay{Hour: 9, Minute: 30, Loc: la}
	date := time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC)
	got := tod.On(date)
	if got.Hour() != 9 || got.Minute() != 30 {
		t.Fatalf("On() = %v, want 09:30 local", got)
	}
	if got.Location() != la {
		t.Fatalf("On() location = %v, want %v", got.Location(), la)
	}
}

func TestSpecAllowsDay(t *testing.T) {
	t.Parallel()
	sp := &Spec{Days: []time.Weekday{time.Monday, time.Friday}}
	if !sp.AllowsDay(time.Monday) || sp.AllowsDay(time.Sunday) {
		t.Fatal("day window mismatch")
	}
	all := &Spec{}
	if !all.AllowsDay(time.Sunday) {
		t.Fatal("empty day window should allow every day")
	}
}
