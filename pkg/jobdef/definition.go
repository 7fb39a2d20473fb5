// Package jobdef loads YAML job definitions and compiles them into batch
// job specs, pipeline step graphs and merge inputs.
package jobdef

import (
	"time"

	"github.com/3leaps/kgextract/pkg/record"
	"github.com/3leaps/kgextract/pkg/resultset"
)

// Version is the only supported definition version.
const Version = 1

// Definition is one job definition file.
type Definition struct {
	Version   int      `yaml:"version" json:"version"`
	JobType   string   `yaml:"job_type" json:"job_type"`
	KeyFields []string `yaml:"key_fields,omitempty" json:"key_fields,omitempty"`

	Source Source `yaml:"source" json:"source"`

	// Stages tells the result loader where each producing stage's results live.
	Stages map[string]resultset.StageSource `yaml:"stages,omitempty" json:"stages,omitempty"`

	Dependencies []Dependency `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Preprocess   []Preprocess `yaml:"preprocess,omitempty" json:"preprocess,omitempty"`

	Prompt         *Prompt        `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	OutputSchema   map[string]any `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	RequiredFields []string       `yaml:"required_fields,omitempty" json:"required_fields,omitempty"`

	Batch    *Batch    `yaml:"batch,omitempty" json:"batch,omitempty"`
	Pipeline *Pipeline `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	Merge    *Merge    `yaml:"merge,omitempty" json:"merge,omitempty"`

	baseDir string
}

// Source selects the job's input rows.
type Source struct {
	// Driver is "postgres", "sqlite" or "jsonl".
	Driver string `yaml:"driver" json:"driver"`

	DSN   string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	Query string `yaml:"query,omitempty" json:"query,omitempty"`
	Limit int    `yaml:"limit,omitempty" json:"limit,omitempty"`

	// Path is the JSONL file for driver "jsonl".
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	MaxConns    int32         `yaml:"max_conns,omitempty" json:"max_conns,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`
}

// Dependency binds a producing stage's record to each row.
type Dependency struct {
	Stage       string     `yaml:"stage" json:"stage"`
	Alias       string     `yaml:"alias,omitempty" json:"alias,omitempty"`
	Required    bool       `yaml:"required,omitempty" json:"required,omitempty"`
	MatchFields []string   `yaml:"match_fields,omitempty" json:"match_fields,omitempty"`
	Transform   *Transform `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// Transform names a built-in transform and its options.
type Transform struct {
	Type string `yaml:"type" json:"type"`

	// Fields lists the fields kept by "pick".
	Fields []string `yaml:"fields,omitempty" json:"fields,omitempty"`

	// Options for "provision_ids".
	ArrayField string `yaml:"array_field,omitempty" json:"array_field,omitempty"`
	SeqField   string `yaml:"seq_field,omitempty" json:"seq_field,omitempty"`
	IDField    string `yaml:"id_field,omitempty" json:"id_field,omitempty"`
	Prefix     string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// Preprocess is one row preprocessor.
type Preprocess struct {
	Type string `yaml:"type" json:"type"`
	From string `yaml:"from,omitempty" json:"from,omitempty"`
	To   string `yaml:"to,omitempty" json:"to,omitempty"`
}

// Prompt renders one request per row or step attempt.
type Prompt struct {
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	System string `yaml:"system,omitempty" json:"system,omitempty"`

	// Template is a text/template rendered with .Key, .Row, .Deps and .Results.
	Template string `yaml:"template" json:"template"`

	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// Batch selects the batch provider.
type Batch struct {
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// Pipeline declares the per-item step graph.
type Pipeline struct {
	Workers    int      `yaml:"workers,omitempty" json:"workers,omitempty"`
	Escalation []string `yaml:"escalation,omitempty" json:"escalation,omitempty"`
	Steps      []Step   `yaml:"steps" json:"steps"`
}

// Step is one pipeline step.
type Step struct {
	ID        string   `yaml:"id" json:"id"`
	Kind      string   `yaml:"kind,omitempty" json:"kind,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Builtin names a compute step implementation ("snippets", "passthrough").
	Builtin string `yaml:"builtin,omitempty" json:"builtin,omitempty"`
	From    string `yaml:"from,omitempty" json:"from,omitempty"`

	Bindings       []Dependency       `yaml:"bindings,omitempty" json:"bindings,omitempty"`
	Prompt         *Prompt            `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	OutputSchema   map[string]any     `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	RequiredFields []string           `yaml:"required_fields,omitempty" json:"required_fields,omitempty"`
	Transform      *Transform         `yaml:"transform,omitempty" json:"transform,omitempty"`
	Output         []record.FieldRule `yaml:"output,omitempty" json:"output,omitempty"`
}

// Merge declares a cross-stage merge.
type Merge struct {
	Name   string       `yaml:"name" json:"name"`
	Inputs []MergeInput `yaml:"inputs" json:"inputs"`
}

// MergeInput is one stage's contribution to a merge.
type MergeInput struct {
	Stage string             `yaml:"stage" json:"stage"`
	Rules []record.FieldRule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Default values applied by ApplyDefaults.
const (
	DefaultDriver    = "postgres"
	DefaultMaxTokens = 8192
	DefaultProvider  = "anthropic"
	DefaultSnippets  = "snippets"
)

// ApplyDefaults fills optional fields.
func (d *Definition) ApplyDefaults() {
	if d.Version == 0 {
		d.Version = Version
	}
	if len(d.KeyFields) == 0 {
		d.KeyFields = record.DefaultKeySpec().Fields
	}
	if d.Source.Driver == "" {
		d.Source.Driver = DefaultDriver
	}
	if d.Prompt != nil && d.Prompt.MaxTokens == 0 {
		d.Prompt.MaxTokens = DefaultMaxTokens
	}
	if d.Batch == nil {
		d.Batch = &Batch{}
	}
	if d.Batch.Provider == "" {
		d.Batch.Provider = DefaultProvider
	}
	for i := range d.Preprocess {
		p := &d.Preprocess[i]
		if p.Type == "provision_snippets" && p.To == "" {
			p.To = DefaultSnippets
		}
	}
	if d.Pipeline != nil {
		for i := range d.Pipeline.Steps {
			s := &d.Pipeline.Steps[i]
			if s.Kind == "" {
				if s.Prompt != nil {
					s.Kind = "inference"
				} else {
					s.Kind = "compute"
				}
			}
			if s.Prompt != nil && s.Prompt.MaxTokens == 0 {
				s.Prompt.MaxTokens = DefaultMaxTokens
			}
		}
	}
	if d.Merge != nil && d.Merge.Name == "" {
		d.Merge.Name = d.JobType
	}
}

// KeySpec returns the job's natural key.
func (d *Definition) KeySpec() record.KeySpec {
	return record.KeySpec{Fields: d.KeyFields}.Normalize()
}

// mergeOnly reports whether the definition only merges existing results.
func (d *Definition) mergeOnly() bool {
	return d.Merge != nil && d.Prompt == nil && d.Pipeline == nil
}
