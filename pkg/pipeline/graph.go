// Package pipeline runs a fixed, acyclic step graph per work item with
// durable per-step state, retry with model-tier escalation and resume.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/3leaps/kgextract/pkg/depresolve"
	"github.com/3leaps/kgextract/pkg/record"
)

// ErrInvalidGraph indicates a malformed step declaration.
var ErrInvalidGraph = errors.New("invalid step graph")

// Kind selects a step's attempt budget and whether it uses a model tier.
type Kind string

const (
	KindInference Kind = "inference"
	KindCompute   Kind = "compute"
)

// StepFunc executes one attempt of a step and returns its raw result.
type StepFunc func(ctx context.Context, sc *StepContext) (any, error)

// TransformFunc post-processes a step result before it is stored. It must
// be pure and deterministic.
type TransformFunc func(item WorkItem, result any) (any, error)

// Step is one node of the graph.
type Step struct {
	ID        string
	DependsOn []string
	Kind      Kind

	// Bindings are resolved from prior stages before the first attempt.
	Bindings []depresolve.Binding

	Run       StepFunc
	Transform TransformFunc

	// Output maps the step result into the aggregated item record. Empty
	// rules store the whole result under the step id.
	Output []record.FieldRule
}

// Graph is a validated step graph with a precomputed execution order.
type Graph struct {
	steps map[string]*Step
	order []string
}

// NewGraph validates steps and computes a stable topological order: among
// steps whose dependencies are satisfied, declaration order wins.
func NewGraph(steps []Step) (*Graph, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidGraph)
	}
	g := &Graph{steps: make(map[string]*Step, len(steps))}
	index := make(map[string]int, len(steps))
	for i := range steps {
		s := steps[i]
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, fmt.Errorf("%w: step %d has no id", ErrInvalidGraph, i)
		}
		if strings.ContainsAny(s.ID, `/\ `) {
			return nil, fmt.Errorf("%w: invalid step id %q", ErrInvalidGraph, s.ID)
		}
		if _, dup := g.steps[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate step %q", ErrInvalidGraph, s.ID)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("%w: step %q has no run function", ErrInvalidGraph, s.ID)
		}
		switch s.Kind {
		case "":
			s.Kind = KindCompute
		case KindInference, KindCompute:
		default:
			return nil, fmt.Errorf("%w: step %q has unknown kind %q", ErrInvalidGraph, s.ID, s.Kind)
		}
		g.steps[s.ID] = &s
		index[s.ID] = i
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for id, s := range g.steps {
		for _, d := range s.DependsOn {
			if d == id {
				return nil, fmt.Errorf("%w: step %q depends on itself", ErrInvalidGraph, id)
			}
			if _, ok := g.steps[d]; !ok {
				return nil, fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidGraph, id, d)
			}
			indegree[id]++
			dependents[d] = append(dependents[d], id)
		}
	}

	var ready []string
	for id := range g.steps {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	byDecl := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return index[ids[i]] < index[ids[j]] })
	}
	for len(ready) > 0 {
		byDecl(ready)
		id := ready[0]
		ready = ready[1:]
		g.order = append(g.order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(g.order) != len(g.steps) {
		var cyclic []string
		for id := range g.steps {
			if indegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		byDecl(cyclic)
		return nil, fmt.Errorf("%w: dependency cycle among %s", ErrInvalidGraph, strings.Join(cyclic, ", "))
	}
	return g, nil
}

// Order returns step ids in execution order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Step returns the step with id.
func (g *Graph) Step(id string) (*Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.order) }
