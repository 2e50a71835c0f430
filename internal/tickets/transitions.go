package tickets

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

//go:embed transitions.mg
var transitionsProgram string

var mangleStatus = map[string]Status{
	"/open":        StatusOpen,
	"/in_progress": StatusInProgress,
	"/resolved":    StatusResolved,
}

// Transitions is the derived lifecycle table. It is immutable after load.
type Transitions struct {
	states    []Status
	next      map[Status]map[Status]bool
	reachable map[Status]map[Status]bool
}

// LoadTransitions evaluates the embedded lifecycle program.
func LoadTransitions() (*Transitions, error) {
	return ParseTransitions(transitionsProgram)
}

// ParseTransitions evaluates a lifecycle program declaring status/1,
// next_status/2 and reachable/2.
func ParseTransitions(src string) (*Transitions, error) {
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse lifecycle program: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze lifecycle program: %w", err)
	}
	store := factstore.NewSimpleInMemoryStore()
	if _, err := engine.EvalProgramWithStats(programInfo, store); err != nil {
		return nil, fmt.Errorf("failed to evaluate lifecycle program: %w", err)
	}

	t := &Transitions{
		next:      make(map[Status]map[Status]bool),
		reachable: make(map[Status]map[Status]bool),
	}

	err = query(store, ast.PredicateSym{Symbol: "status", Arity: 1}, func(args []Status) {
		t.states = append(t.states, args[0])
	})
	if err != nil {
		return nil, err
	}
	if len(t.states) == 0 {
		return nil, fmt.Errorf("lifecycle program declares no statuses")
	}
	sort.Slice(t.states, func(i, j int) bool { return order(t.states[i]) < order(t.states[j]) })

	if err := query(store, ast.PredicateSym{Symbol: "next_status", Arity: 2}, edge(t.next)); err != nil {
		return nil, err
	}
	if err := query(store, ast.PredicateSym{Symbol: "reachable", Arity: 2}, edge(t.reachable)); err != nil {
		return nil, err
	}
	return t, nil
}

func edge(m map[Status]map[Status]bool) func([]Status) {
	return func(args []Status) {
		if m[args[0]] == nil {
			m[args[0]] = make(map[Status]bool)
		}
		m[args[0]][args[1]] = true
	}
}

func query(store factstore.FactStore, sym ast.PredicateSym, fn func([]Status)) error {
	return store.GetFacts(ast.NewQuery(sym), func(a ast.Atom) error {
		args := make([]Status, len(a.Args))
		for i, arg := range a.Args {
			c, ok := arg.(ast.Constant)
			if !ok || c.Type != ast.NameType {
				return fmt.Errorf("%s: argument %d is not a name constant", sym.Symbol, i)
			}
			s, ok := mangleStatus[c.Symbol]
			if !ok {
				return fmt.Errorf("%s: unknown status %s", sym.Symbol, c.Symbol)
			}
			args[i] = s
		}
		fn(args)
		return nil
	})
}

func order(s Status) int {
	switch s {
	case StatusOpen:
		return 0
	case StatusInProgress:
		return 1
	case StatusResolved:
		return 2
	}
	return 3
}

// Allowed reports whether a ticket may move directly from one status to another.
func (t *Transitions) Allowed(from, to Status) bool {
	return t.next[from][to]
}

// Reachable reports whether to can be reached from from in one or more steps.
func (t *Transitions) Reachable(from, to Status) bool {
	return t.reachable[from][to]
}

// Terminal reports whether no transition leaves s.
func (t *Transitions) Terminal(s Status) bool {
	return len(t.next[s]) == 0
}

// States lists every declared status in lifecycle order.
func (t *Transitions) States() []Status {
	out := make([]Status, len(t.states))
	copy(out, t.states)
	return out
}

// Next lists the statuses reachable in one step from s.
func (t *Transitions) Next(s Status) []Status {
	var out []Status
	for _, st := range t.states {
		if t.next[s][st] {
			out = append(out, st)
		}
	}
	return out
}
