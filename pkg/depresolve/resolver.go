// Package depresolve binds a prior stage's results to a later stage's work items.
//
// A Resolver is created for one generation pass and discarded after it. Each
// producing stage is loaded at most once per Resolver, on first access, and
// the index is read-only afterwards, so concurrent workers may share it.
package depresolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/3leaps/kgextract/pkg/record"
	"github.com/3leaps/kgextract/pkg/resultset"
)

// ErrMissingDependency indicates a required upstream record is absent.
var ErrMissingDependency = errors.New("missing required dependency")

// MissingDependencyError names the producing stage and key that could not be resolved.
type MissingDependencyError struct {
	Stage string
	Alias string
	Key   record.Key
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("missing required dependency: stage %q has no record for key %s (alias %q)", e.Stage, e.Key, e.Alias)
}

// Unwrap returns ErrMissingDependency.
func (e *MissingDependencyError) Unwrap() error { return ErrMissingDependency }

// Transform reshapes a matched record. Returning nil keeps the raw record.
type Transform func(r record.Record) record.Record

// Binding declares an edge from a consuming stage to a producing stage.
type Binding struct {
	// Stage is the producing stage id.
	Stage string

	// Alias is the name the record is exposed under. Defaults to Stage.
	Alias string

	// Required bindings fail loudly when no record matches.
	Required bool

	// MatchFields overrides the natural key used to match records.
	MatchFields []string

	// Transform optionally reshapes the matched record.
	Transform Transform
}

// Name returns the alias, falling back to the stage id.
func (b Binding) Name() string {
	if strings.TrimSpace(b.Alias) != "" {
		return b.Alias
	}
	return b.Stage
}

// Validate checks the binding declaration.
func (b Binding) Validate() error {
	if strings.TrimSpace(b.Stage) == "" {
		return fmt.Errorf("dependency stage is required")
	}
	return nil
}

type indexKey struct {
	stage  string
	fields string
}

type entry struct {
	once sync.Once
	idx  map[record.Key]record.Record
	err  error
}

// Resolver resolves bindings against lazily loaded stage indexes.
type Resolver struct {
	loader resultset.Loader
	spec   record.KeySpec

	mu      sync.Mutex
	entries map[indexKey]*entry
}

// New returns a resolver for one pass. spec is the work item's natural key.
func New(loader resultset.Loader, spec record.KeySpec) *Resolver {
	return &Resolver{loader: loader, spec: spec.Normalize(), entries: map[indexKey]*entry{}}
}

func (r *Resolver) entry(k indexKey) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[k]
	if !ok {
		e = &entry{}
		r.entries[k] = e
	}
	return e
}

func (r *Resolver) index(ctx context.Context, b Binding) (map[record.Key]record.Record, record.KeySpec, error) {
	spec := r.spec
	if len(b.MatchFields) > 0 {
		spec = record.KeySpec{Fields: b.MatchFields}
	}
	e := r.entry(indexKey{stage: b.Stage, fields: strings.Join(spec.Fields, ",")})
	e.once.Do(func() {
		set, err := r.loader.Load(ctx, b.Stage)
		if err != nil {
			e.err = err
			return
		}
		e.idx = make(map[record.Key]record.Record, set.Len())
		for _, rec := range set.Records() {
			k, err := spec.KeyOf(rec)
			if err != nil {
				continue
			}
			e.idx[k] = rec
		}
	})
	return e.idx, spec, e.err
}

// Resolve returns the record bound for item.
//
// A missing optional binding yields (nil, nil). A missing required binding
// yields a *MissingDependencyError. The returned record must not be mutated.
func (r *Resolver) Resolve(ctx context.Context, b Binding, item record.Record) (record.Record, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	idx, spec, err := r.index(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("load dependency %s: %w", b.Stage, err)
	}

	key, err := spec.KeyOf(item)
	if err != nil {
		if b.Required {
			return nil, &MissingDependencyError{Stage: b.Stage, Alias: b.Name(), Key: key}
		}
		return nil, nil
	}

	rec, ok := idx[key]
	if !ok {
		if b.Required {
			return nil, &MissingDependencyError{Stage: b.Stage, Alias: b.Name(), Key: key}
		}
		return nil, nil
	}
	if b.Transform != nil {
		if out := b.Transform(rec.Clone()); out != nil {
			return out, nil
		}
	}
	return rec, nil
}

// ResolveAll resolves every binding and returns them keyed by alias.
// Optional misses appear as explicit nil entries.
func (r *Resolver) ResolveAll(ctx context.Context, bindings []Binding, item record.Record) (map[string]record.Record, error) {
	out := make(map[string]record.Record, len(bindings))
	for _, b := range bindings {
		rec, err := r.Resolve(ctx, b, item)
		if err != nil {
			return nil, err
		}
		out[b.Name()] = rec
	}
	return out, nil
}

// Loaded returns the number of stage indexes loaded so far.
func (r *Resolver) Loaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
