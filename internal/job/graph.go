package job

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidGraph is the root of every schedule-validation failure. Callers
// match it with errors.Is; the wrapped message carries the specifics.
var ErrInvalidGraph = errors.New("invalid schedule")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidGraph, fmt.Sprintf(format, args...))
}

// Graph is the full set of job specs plus derived dependency edges. It is
// built once per load and treated as read-only afterwards; a reload builds
// a fresh Graph and swaps it wholesale.
type Graph struct {
	specs       map[string]*Spec
	order       []string            // declaration order
	triggeredBy map[string][]string // dependent -> upstream names
}

// NewGraph validates the specs and derives dependency edges.
//
// Rejected at build time:
//   - duplicate names
//   - run_on_complete naming a job that does not exist
//   - run_on_complete naming a Program (only Tasks can be cascade targets)
//   - run_on_complete on a Program
//   - a dependency cycle (reported with one witness path)
//   - program-only fields on a Task
func NewGraph(specs []*Spec) (*Graph, error) {
	g := &Graph{
		specs:       make(map[string]*Spec, len(specs)),
		triggeredBy: make(map[string][]string),
	}

	for _, sp := range specs {
		if strings.TrimSpace(sp.Name) == "" {
			return nil, invalidf("job with empty name")
		}
		if _, dup := g.specs[sp.Name]; dup {
			return nil, invalidf("duplicate job name %q", sp.Name)
		}
		g.specs[sp.Name] = sp
		g.order = append(g.order, sp.Name)
	}

	for _, sp := range specs {
		if sp.Kind == KindProgram && len(sp.RunOnComplete) > 0 {
			return nil, invalidf("program %q: run_on_complete is task-only", sp.Name)
		}
		if sp.Kind == KindTask && (sp.KeepAlive || sp.CheckInterval > 0) {
			return nil, invalidf("task %q: keep_alive/check_alive_freq are program-only", sp.Name)
		}
		if len(sp.Command) == 0 {
			return nil, invalidf("job %q: command is required", sp.Name)
		}
		for _, dep := range sp.RunOnComplete {
			target, ok := g.specs[dep]
			if !ok {
				return nil, invalidf("task %q: run_on_complete references unknown job %q", sp.Name, dep)
			}
			if target.Kind != KindTask {
				return nil, invalidf("task %q: run_on_complete target %q is not a task", sp.Name, dep)
			}
			g.triggeredBy[dep] = append(g.triggeredBy[dep], sp.Name)
		}
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, invalidf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return g, nil
}

// Lookup returns the spec for a name.
func (g *Graph) Lookup(name string) (*Spec, bool) {
	sp, ok := g.specs[name]
	return sp, ok
}

// Names returns all job names in declaration order.
func (g *Graph) Names() []string {
	return append([]string(nil), g.order...)
}

// Specs returns all specs in declaration order.
func (g *Graph) Specs() []*Spec {
	out := make([]*Spec, 0, len(g.order))
	for _, n := range g.order {
		out = append(out, g.specs[n])
	}
	return out
}

// TriggeredBy returns the names of jobs whose completion cascades into the
// given job.
func (g *Graph) TriggeredBy(name string) []string {
	return append([]string(nil), g.triggeredBy[name]...)
}

// findCycle runs a DFS over run_on_complete edges in declaration order and
// returns one cycle as a witness path, or nil if the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.specs))
	var stack []string
	var cycle []string

	var dfs func(name string) bool
	dfs = func(name string) bool {
		color[name] = gray
		stack = append(stack, name)
		for _, next := range g.specs[name].RunOnComplete {
			switch color[next] {
			case white:
				if dfs(next) {
					return true
				}
			case gray:
				// Back edge: slice the stack from the first occurrence of next.
				for i, n := range stack {
					if n == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	for _, name := range g.order {
		if color[name] == white && dfs(name) {
			return cycle
		}
	}
	return nil
}
