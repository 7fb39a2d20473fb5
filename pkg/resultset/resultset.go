// Package resultset loads a stage's result set into a keyed in-memory index.
package resultset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/record"
)

// ErrUnknownStage indicates no source is configured for a stage.
var ErrUnknownStage = errors.New("unknown stage")

// Set is one stage's result records indexed by natural key.
//
// A Set is immutable once built and safe for concurrent readers.
type Set struct {
	Stage string

	records map[record.Key]record.Record
	order   []record.Key

	// Duplicates counts records whose key was already present; the last wins.
	Duplicates int

	// Unkeyed counts records with no derivable natural key.
	Unkeyed int
}

// NewSet indexes recs by the given key spec.
func NewSet(stage string, spec record.KeySpec, recs []record.Record) *Set {
	spec = spec.Normalize()
	s := &Set{Stage: stage, records: make(map[record.Key]record.Record, len(recs))}
	for _, r := range recs {
		k, err := spec.KeyOf(r)
		if err != nil {
			s.Unkeyed++
			continue
		}
		if _, dup := s.records[k]; dup {
			s.Duplicates++
		} else {
			s.order = append(s.order, k)
		}
		s.records[k] = r
	}
	return s
}

// Get returns the record for k.
func (s *Set) Get(k record.Key) (record.Record, bool) {
	r, ok := s.records[k]
	return r, ok
}

// Has reports whether k is present.
func (s *Set) Has(k record.Key) bool {
	_, ok := s.records[k]
	return ok
}

// Keys returns keys in first-seen order.
func (s *Set) Keys() []record.Key {
	return append([]record.Key(nil), s.order...)
}

// Len returns the number of distinct keys.
func (s *Set) Len() int { return len(s.records) }

// Records returns records in first-seen key order.
func (s *Set) Records() []record.Record {
	out := make([]record.Record, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.records[k])
	}
	return out
}

// Loader loads a stage's complete result set.
type Loader interface {
	Load(ctx context.Context, stage string) (*Set, error)
}

// Source kinds.
const (
	KindBatch    = "batch"
	KindPipeline = "pipeline"
	KindDir      = "dir"
)

// StageSource describes where a stage's results live.
type StageSource struct {
	// Kind is "batch" (latest PROCESSED run's successes), "pipeline"
	// (per-item aggregated outputs) or "dir" (local JSON/JSONL files).
	Kind string `yaml:"kind" json:"kind"`

	// JobType names the producing job. Defaults to the stage id.
	JobType string `yaml:"job_type" json:"job_type,omitempty"`

	// RunID pins a specific batch run instead of the latest processed one.
	RunID string `yaml:"run_id" json:"run_id,omitempty"`

	// Dir is the local directory for kind "dir".
	Dir string `yaml:"dir" json:"dir,omitempty"`

	// Include/Exclude select files for kinds "pipeline" and "dir".
	Include []string `yaml:"include" json:"include,omitempty"`
	Exclude []string `yaml:"exclude" json:"exclude,omitempty"`
}

// StoreLoader loads result sets from the artifact store and local dirs.
type StoreLoader struct {
	store  artifact.Store
	status *jobstatus.Store
	spec   record.KeySpec
	stages map[string]StageSource
}

// NewStoreLoader returns a loader for the given stage sources.
func NewStoreLoader(store artifact.Store, status *jobstatus.Store, spec record.KeySpec, stages map[string]StageSource) *StoreLoader {
	return &StoreLoader{store: store, status: status, spec: spec.Normalize(), stages: stages}
}

// Load reads the full result set of stage.
func (l *StoreLoader) Load(ctx context.Context, stage string) (*Set, error) {
	src, ok := l.stages[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	jobType := src.JobType
	if jobType == "" {
		jobType = stage
	}

	var (
		recs []record.Record
		err  error
	)
	switch src.Kind {
	case KindBatch, "":
		recs, err = l.loadBatch(ctx, jobType, src.RunID)
	case KindPipeline:
		recs, err = l.loadPipeline(ctx, jobType, src)
	case KindDir:
		recs, err = LoadDir(src.Dir, src.Include, src.Exclude)
	default:
		err = fmt.Errorf("unsupported result source kind %q", src.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("load stage %s: %w", stage, err)
	}
	return NewSet(stage, l.spec, recs), nil
}

func (l *StoreLoader) loadBatch(ctx context.Context, jobType, runID string) ([]record.Record, error) {
	if l.status == nil {
		return nil, fmt.Errorf("status store is not configured")
	}
	var (
		run *jobstatus.JobRun
		err error
	)
	if runID != "" {
		run, err = l.status.Get(ctx, jobType, runID)
		if err == nil && run.Status != jobstatus.StatusProcessed {
			err = fmt.Errorf("run %s of %s is %s, not %s", runID, jobType, run.Status, jobstatus.StatusProcessed)
		}
	} else {
		run, err = l.status.LatestWithStatus(ctx, jobType, jobstatus.StatusProcessed)
	}
	if err != nil {
		return nil, err
	}
	return artifact.ReadJSONL[record.Record](ctx, l.store, artifact.Join(run.OutputPrefix, artifact.SuccessesFile))
}

func (l *StoreLoader) loadPipeline(ctx context.Context, jobType string, src StageSource) ([]record.Record, error) {
	sel, err := NewSelector(src.Include, src.Exclude)
	if err != nil {
		return nil, err
	}
	base := artifact.PipelineOutputPrefix(jobType)
	seen := map[string]bool{}
	var keys []string
	for _, pre := range sel.Prefixes() {
		listed, err := l.store.List(ctx, artifact.Join(base, pre))
		if err != nil {
			return nil, err
		}
		for _, k := range listed {
			rel := strings.TrimPrefix(k, base+"/")
			if !seen[k] && sel.Match(rel) {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	var out []record.Record
	for _, k := range keys {
		b, err := l.store.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		recs, err := decodeRecords(k, b)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// LoadDir reads every selected .json or .jsonl file under dir.
//
// A .json file may hold one object or an array of objects.
func LoadDir(dir string, includes, excludes []string) ([]record.Record, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("result dir is required")
	}
	sel, err := NewSelector(includes, excludes)
	if err != nil {
		return nil, err
	}

	var out []record.Record
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if !sel.Match(filepath.ToSlash(rel)) {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		recs, err := decodeRecords(rel, b)
		if err != nil {
			return err
		}
		out = append(out, recs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeRecords(name string, b []byte) ([]record.Record, error) {
	if path.Ext(name) == ".jsonl" {
		var out []record.Record
		err := artifact.DecodeJSONL(b, func(lineNo int, line []byte) error {
			var r record.Record
			if err := json.Unmarshal(line, &r); err != nil {
				return fmt.Errorf("%s line %d: %w", name, lineNo, err)
			}
			out = append(out, r)
			return nil
		})
		return out, err
	}

	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var arr []record.Record
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return arr, nil
	}
	var r record.Record
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return []record.Record{r}, nil
}
