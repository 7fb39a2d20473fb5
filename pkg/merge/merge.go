// Package merge joins keyed result sets from several stages by natural-key
// intersection.
package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/record"
)

// Input is one stage's result set and its projection rules.
type Input struct {
	Name    string
	Records []record.Record

	// Rules project the stage's record into the merged record. Empty rules
	// nest the whole record under Name.
	Rules []record.FieldRule
}

// Skip names a key excluded from the merge and the inputs it was missing from.
type Skip struct {
	Key         record.Key `json:"key"`
	MissingFrom []string   `json:"missing_from"`
}

// InputStats are per-input tallies.
type InputStats struct {
	Records    int `json:"records"`
	Keys       int `json:"keys"`
	Duplicates int `json:"duplicates"`
	Unkeyed    int `json:"unkeyed"`
}

// Result is the merged output plus the skip report.
type Result struct {
	Keys    []record.Key                 `json:"keys"`
	Records map[record.Key]record.Record `json:"-"`
	Skipped []Skip                       `json:"skipped"`
	Inputs  map[string]InputStats        `json:"inputs"`
}

// Merge keeps keys present in every input. Within one input the last record
// for a key wins.
func Merge(spec record.KeySpec, inputs []Input) (*Result, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("merge needs at least one input")
	}
	spec = spec.Normalize()

	seen := map[string]bool{}
	names := make([]string, len(inputs))
	indexes := make([]map[record.Key]record.Record, len(inputs))
	res := &Result{Records: map[record.Key]record.Record{}, Inputs: map[string]InputStats{}}
	all := map[record.Key]bool{}

	for i, in := range inputs {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return nil, fmt.Errorf("merge input %d has no name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate merge input %q", name)
		}
		seen[name] = true
		names[i] = name

		idx := make(map[record.Key]record.Record, len(in.Records))
		stats := InputStats{Records: len(in.Records)}
		for _, rec := range in.Records {
			k, err := spec.KeyOf(rec)
			if err != nil {
				stats.Unkeyed++
				continue
			}
			if _, dup := idx[k]; dup {
				stats.Duplicates++
			}
			idx[k] = rec
			all[k] = true
		}
		stats.Keys = len(idx)
		res.Inputs[name] = stats
		indexes[i] = idx
	}

	keys := make([]record.Key, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	record.SortKeys(keys)

	for _, k := range keys {
		var missing []string
		for i, idx := range indexes {
			if _, ok := idx[k]; !ok {
				missing = append(missing, names[i])
			}
		}
		if len(missing) > 0 {
			res.Skipped = append(res.Skipped, Skip{Key: k, MissingFrom: missing})
			continue
		}

		out := record.Record{}
		for field, v := range spec.Values(k) {
			out[field] = v
		}
		for i, idx := range indexes {
			src := idx[k]
			for _, f := range spec.Fields {
				if v, ok := src[f]; ok {
					out[f] = v
				}
			}
			if len(inputs[i].Rules) == 0 {
				out[names[i]] = map[string]any(src)
				continue
			}
			record.Project(out, map[string]any(src), inputs[i].Rules)
		}
		res.Keys = append(res.Keys, k)
		res.Records[k] = out
	}
	return res, nil
}

// SkipReport is persisted next to the merged records.
type SkipReport struct {
	Name    string                `json:"name"`
	Merged  int                   `json:"merged"`
	Skipped []Skip                `json:"skipped"`
	Inputs  map[string]InputStats `json:"inputs"`
}

// WriteResult writes one artifact per merged key and the skip report.
func WriteResult(ctx context.Context, store artifact.Store, name string, res *Result) error {
	for _, k := range res.Keys {
		if err := artifact.PutJSON(ctx, store, artifact.MergeRecordPath(name, k), res.Records[k]); err != nil {
			return fmt.Errorf("write merged record %s: %w", k, err)
		}
	}
	rep := SkipReport{Name: name, Merged: len(res.Keys), Skipped: res.Skipped, Inputs: res.Inputs}
	if rep.Skipped == nil {
		rep.Skipped = []Skip{}
	}
	return artifact.PutJSON(ctx, store, artifact.MergeSkipReportPath(name), rep)
}
