// Package datasource provides read-only row sources keyed by natural key.
//
// Sources never mutate the underlying data. A Scope narrows a query to an
// exact set of natural keys, which is how retry runs re-target failures
// without changing per-row logic.
package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/record"
)

// Source returns rows for a generation pass.
type Source interface {
	// Rows returns every row within scope. Row order is source-defined.
	Rows(ctx context.Context, scope Scope) ([]record.Record, error)

	// KeySpec returns the natural key fields of the rows.
	KeySpec() record.KeySpec
}

// Scope restricts a query. The zero Scope is unrestricted.
type Scope struct {
	// Keys, when non-nil, limits rows to exactly these natural keys.
	Keys []record.Key `json:"keys,omitempty"`
}

// Restricted reports whether the scope narrows the query.
func (s Scope) Restricted() bool {
	return s.Keys != nil
}

// Set returns the scope's keys as a set.
func (s Scope) Set() map[record.Key]struct{} {
	set := make(map[record.Key]struct{}, len(s.Keys))
	for _, k := range s.Keys {
		set[k] = struct{}{}
	}
	return set
}

// Filter keeps rows whose key is in scope. Rows without a derivable key are
// kept only for unrestricted scopes, so they surface as per-row failures.
func Filter(rows []record.Record, spec record.KeySpec, scope Scope) []record.Record {
	if !scope.Restricted() {
		return rows
	}
	set := scope.Set()
	out := make([]record.Record, 0, len(set))
	for _, r := range rows {
		k, err := spec.KeyOf(r)
		if err != nil {
			continue
		}
		if _, ok := set[k]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Static serves rows from memory.
type Static struct {
	Records []record.Record
	Spec    record.KeySpec
}

var _ Source = (*Static)(nil)

// Rows returns the in-scope records.
func (s *Static) Rows(ctx context.Context, scope Scope) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Filter(s.Records, s.KeySpec(), scope), nil
}

// KeySpec returns the configured key spec.
func (s *Static) KeySpec() record.KeySpec {
	return s.Spec.Normalize()
}

// LoadJSONLFile reads newline-delimited JSON objects from path.
func LoadJSONLFile(path string, spec record.KeySpec) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	var recs []record.Record
	err = artifact.DecodeJSONL(b, func(lineNo int, line []byte) error {
		var r record.Record
		if err := json.Unmarshal(line, &r); err != nil {
			return fmt.Errorf("%s line %d: %w", path, lineNo, err)
		}
		recs = append(recs, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Static{Records: recs, Spec: spec}, nil
}
