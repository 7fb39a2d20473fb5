package jobdef

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/batch"
	"github.com/3leaps/kgextract/pkg/datasource"
	"github.com/3leaps/kgextract/pkg/depresolve"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/merge"
	"github.com/3leaps/kgextract/pkg/pipeline"
	"github.com/3leaps/kgextract/pkg/provider"
	"github.com/3leaps/kgextract/pkg/record"
	"github.com/3leaps/kgextract/pkg/resultset"
	"github.com/3leaps/kgextract/pkg/snippets"
	"github.com/3leaps/kgextract/pkg/validate"
)

// SetBaseDir resolves relative paths in the definition against dir.
func (d *Definition) SetBaseDir(dir string) {
	d.baseDir = dir
}

func (d *Definition) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || d.baseDir == "" {
		return p
	}
	return filepath.Join(d.baseDir, p)
}

// OpenSource opens the definition's row source. The returned close function
// is never nil.
func (d *Definition) OpenSource(ctx context.Context) (datasource.Source, func() error, error) {
	noop := func() error { return nil }
	spec := d.KeySpec()
	switch d.Source.Driver {
	case "jsonl":
		src, err := datasource.LoadJSONLFile(d.resolve(d.Source.Path), spec)
		if err != nil {
			return nil, noop, err
		}
		return src, noop, nil
	default:
		dsn := d.Source.DSN
		if d.Source.Driver == datasource.DriverSQLite {
			dsn = d.resolve(dsn)
		}
		src, err := datasource.OpenSQL(ctx, datasource.SQLConfig{
			Driver:      d.Source.Driver,
			DSN:         dsn,
			Query:       d.Source.Query,
			Limit:       d.Source.Limit,
			MaxConns:    d.Source.MaxConns,
			DialTimeout: d.Source.DialTimeout,
		}, spec)
		if err != nil {
			return nil, noop, err
		}
		return src, src.Close, nil
	}
}

// Loader returns a result loader for the definition's stages.
func (d *Definition) Loader(store artifact.Store, status *jobstatus.Store) *resultset.StoreLoader {
	stages := make(map[string]resultset.StageSource, len(d.Stages))
	for name, s := range d.Stages {
		s.Dir = d.resolve(s.Dir)
		stages[name] = s
	}
	return resultset.NewStoreLoader(store, status, d.KeySpec(), stages)
}

// Validator returns the batch output validator.
func (d *Definition) Validator() (validate.Validator, error) {
	return validatorFor(d.JobType, d.OutputSchema, d.RequiredFields)
}

func validatorFor(name string, schema map[string]any, fields []string) (validate.Validator, error) {
	var vals []validate.Validator
	if len(schema) > 0 {
		s, err := validate.CompileSchemaMap(name+".output.json", schema)
		if err != nil {
			return nil, err
		}
		vals = append(vals, s)
	}
	if len(fields) > 0 {
		vals = append(vals, validate.RequireFields(fields...))
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return validate.All(vals...), nil
}

func bindings(deps []Dependency) []depresolve.Binding {
	out := make([]depresolve.Binding, 0, len(deps))
	for _, dep := range deps {
		b := depresolve.Binding{
			Stage:       dep.Stage,
			Alias:       dep.Alias,
			Required:    dep.Required,
			MatchFields: dep.MatchFields,
		}
		if dep.Transform != nil && dep.Transform.Type == "pick" {
			b.Transform = Pick(dep.Transform.Fields)
		}
		out = append(out, b)
	}
	return out
}

// BatchSpec compiles the definition into a batch job spec.
func (d *Definition) BatchSpec(src datasource.Source, loader resultset.Loader) (*batch.JobSpec, error) {
	r, err := compilePrompt(d.JobType, d.Prompt)
	if err != nil {
		return nil, err
	}
	val, err := d.Validator()
	if err != nil {
		return nil, err
	}

	var pre []batch.Preprocessor
	for _, p := range d.Preprocess {
		switch p.Type {
		case "provision_snippets":
			pre = append(pre, snippets.Preprocessor(p.From, p.To))
		default:
			return nil, fmt.Errorf("job %s: unknown preprocessor %q", d.JobType, p.Type)
		}
	}

	spec := &batch.JobSpec{
		JobType:      d.JobType,
		Source:       src,
		KeySpec:      d.KeySpec(),
		Dependencies: bindings(d.Dependencies),
		Loader:       loader,
		Validator:    val,
		BuildRequest: func(item batch.Item) (*provider.Request, error) {
			return r.request(PromptData{Key: item.Key.String(), Row: item.Row, Deps: item.Deps})
		},
		Metadata: map[string]string{"provider": d.Batch.Provider},
	}
	if len(pre) > 0 {
		spec.Preprocess = func(ctx context.Context, row record.Record) (record.Record, error) {
			var err error
			for _, fn := range pre {
				if row, err = fn(ctx, row); err != nil {
					return nil, err
				}
			}
			return row, nil
		}
	}
	return spec, nil
}

// computeBuiltins are the compute step implementations selectable by name.
var computeBuiltins = map[string]func(s Step) pipeline.StepFunc{
	"snippets": func(s Step) pipeline.StepFunc {
		return func(_ context.Context, sc *pipeline.StepContext) (any, error) {
			v, ok := record.Lookup(sc.Item.Record, s.From)
			if !ok {
				return nil, fmt.Errorf("field %q is missing", s.From)
			}
			text, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("field %q is %T, not a string", s.From, v)
			}
			found := snippets.Extract(text)
			out := make([]any, len(found))
			for i, x := range found {
				out[i] = x
			}
			return map[string]any{"snippets": out}, nil
		}
	},
	"passthrough": func(s Step) pipeline.StepFunc {
		return func(_ context.Context, sc *pipeline.StepContext) (any, error) {
			if s.From == "" {
				return map[string]any(sc.Item.Record.Clone()), nil
			}
			v, ok := record.Lookup(sc.Item.Record, s.From)
			if !ok {
				return nil, fmt.Errorf("field %q is missing", s.From)
			}
			return v, nil
		}
	},
}

// Steps compiles the pipeline section into steps.
func (d *Definition) Steps() ([]pipeline.Step, error) {
	if d.Pipeline == nil {
		return nil, fmt.Errorf("job %s has no pipeline section", d.JobType)
	}
	out := make([]pipeline.Step, 0, len(d.Pipeline.Steps))
	for _, s := range d.Pipeline.Steps {
		step := pipeline.Step{
			ID:        s.ID,
			DependsOn: s.DependsOn,
			Kind:      pipeline.Kind(s.Kind),
			Bindings:  bindings(s.Bindings),
			Output:    s.Output,
		}
		switch step.Kind {
		case pipeline.KindInference:
			r, err := compilePrompt(d.JobType+"."+s.ID, s.Prompt)
			if err != nil {
				return nil, err
			}
			val, err := validatorFor(d.JobType+"."+s.ID, s.OutputSchema, s.RequiredFields)
			if err != nil {
				return nil, err
			}
			step.Run = pipeline.InferenceStep(func(sc *pipeline.StepContext) (*provider.Request, error) {
				return r.request(PromptData{Key: sc.Item.Key.String(), Row: sc.Item.Record, Deps: sc.Deps, Results: sc.Results})
			}, val)
		default:
			build, ok := computeBuiltins[s.Builtin]
			if !ok {
				return nil, fmt.Errorf("step %s: unknown builtin %q", s.ID, s.Builtin)
			}
			step.Run = build(s)
		}
		if s.Transform != nil && s.Transform.Type == "provision_ids" {
			step.Transform = ProvisionIDs(*s.Transform)
		}
		out = append(out, step)
	}
	return out, nil
}

// Policy applies the definition's escalation ladder to base.
func (d *Definition) Policy(base pipeline.RetryPolicy) pipeline.RetryPolicy {
	if d.Pipeline != nil && len(d.Pipeline.Escalation) > 0 {
		base.Ladder = append([]string(nil), d.Pipeline.Escalation...)
	}
	return base
}

// WorkSet is the keyed view of a source for one pipeline pass.
type WorkSet struct {
	Items []pipeline.WorkItem
	// Unkeyed holds rows without a complete key.
	Unkeyed []record.Record
	// Duplicates holds keys seen on more than one row; the first row wins.
	Duplicates []record.Key
}

// WorkItems keys every source row into one work item per distinct key.
func (d *Definition) WorkItems(ctx context.Context, src datasource.Source, scope datasource.Scope) (*WorkSet, error) {
	rows, err := src.Rows(ctx, scope)
	if err != nil {
		return nil, err
	}
	spec := d.KeySpec()
	ws := &WorkSet{}
	seen := make(map[record.Key]struct{}, len(rows))
	for _, row := range rows {
		k, err := spec.KeyOf(row)
		if err != nil {
			ws.Unkeyed = append(ws.Unkeyed, row)
			continue
		}
		if _, dup := seen[k]; dup {
			ws.Duplicates = append(ws.Duplicates, k)
			continue
		}
		seen[k] = struct{}{}
		ws.Items = append(ws.Items, pipeline.WorkItem{Key: k, Record: row})
	}
	return ws, nil
}

// MergeInputs loads every merge input's result set.
func (d *Definition) MergeInputs(ctx context.Context, loader resultset.Loader) ([]merge.Input, error) {
	if d.Merge == nil {
		return nil, fmt.Errorf("job %s has no merge section", d.JobType)
	}
	out := make([]merge.Input, 0, len(d.Merge.Inputs))
	for _, in := range d.Merge.Inputs {
		set, err := loader.Load(ctx, in.Stage)
		if err != nil {
			return nil, err
		}
		out = append(out, merge.Input{Name: in.Stage, Records: set.Records(), Rules: in.Rules})
	}
	return out, nil
}
