package jobdef

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/kgextract/pkg/depresolve"
	"github.com/3leaps/kgextract/pkg/pipeline"
	"github.com/3leaps/kgextract/pkg/record"
)

// Defaults for the provision_ids transform.
const (
	DefaultProvisionArray  = "citedProvisions"
	DefaultProvisionSeq    = "provisionSequence"
	DefaultProvisionID     = "internalProvisionId"
	DefaultProvisionPrefix = "ART"
)

// Pick returns a binding transform keeping only fields (dot paths allowed;
// the output uses the path as field name).
func Pick(fields []string) depresolve.Transform {
	return func(r record.Record) record.Record {
		out := make(record.Record, len(fields))
		for _, f := range fields {
			if v, ok := record.Lookup(r, f); ok {
				out[f] = v
			}
		}
		return out
	}
}

// ProvisionIDs returns a step transform that assigns each element of the
// result's provision array a deterministic identifier
// <prefix>-<decision>-<seq:03d>, where decision is the first natural-key
// part and seq the model-provided sequence number.
func ProvisionIDs(t Transform) pipeline.TransformFunc {
	arrayField := orDefault(t.ArrayField, DefaultProvisionArray)
	seqField := orDefault(t.SeqField, DefaultProvisionSeq)
	idField := orDefault(t.IDField, DefaultProvisionID)
	prefix := orDefault(t.Prefix, DefaultProvisionPrefix)

	return func(item pipeline.WorkItem, result any) (any, error) {
		obj, ok := result.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("provision_ids: result is %T, not an object", result)
		}
		raw, ok := obj[arrayField]
		if !ok || raw == nil {
			return obj, nil
		}
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("provision_ids: %s is %T, not an array", arrayField, raw)
		}
		parts := item.Key.Parts()
		decision := ""
		if len(parts) > 0 {
			decision = parts[0]
		}
		for i, el := range list {
			p, ok := el.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("provision_ids: %s[%d] is %T, not an object", arrayField, i, el)
			}
			seq, err := sequence(p[seqField])
			if err != nil {
				return nil, fmt.Errorf("provision_ids: %s[%d].%s: %w", arrayField, i, seqField, err)
			}
			p[idField] = fmt.Sprintf("%s-%s-%03d", prefix, decision, seq)
		}
		return obj, nil
	}
}

func sequence(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) || n < 0 {
			return 0, fmt.Errorf("invalid sequence %v", n)
		}
		return int(n), nil
	case int:
		return n, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || i < 0 {
			return 0, fmt.Errorf("invalid sequence %q", n)
		}
		return i, nil
	case nil:
		return 0, fmt.Errorf("missing sequence")
	default:
		return 0, fmt.Errorf("invalid sequence type %T", v)
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
