package record

import "strings"

// FieldRule extracts one value from a source document into an output record.
//
// From is a dot path into the source ("" selects the whole source value).
// To is the output field name (defaults to the last segment of From).
// With Flatten, an object value is spread into the output instead of being
// nested under To; Prefix is prepended to every spread field name.
type FieldRule struct {
	From    string `json:"from" yaml:"from"`
	To      string `json:"to,omitempty" yaml:"to,omitempty"`
	Flatten bool   `json:"flatten,omitempty" yaml:"flatten,omitempty"`
	Prefix  string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// target returns the output field name for the rule.
func (r FieldRule) target() string {
	if r.To != "" {
		return r.To
	}
	if r.From == "" {
		return ""
	}
	segs := strings.Split(r.From, ".")
	return segs[len(segs)-1]
}

// Project applies rules to src and writes the results into dst.
//
// Missing source paths are skipped. It returns the names of rules whose
// source path was absent so callers can decide whether that is an error.
func Project(dst Record, src any, rules []FieldRule) (missing []string) {
	for _, rule := range rules {
		var (
			val any
			ok  bool
		)
		if rule.From == "" {
			val, ok = src, src != nil
		} else if m, isMap := asMap(src); isMap {
			val, ok = Lookup(Record(m), rule.From)
		}
		if !ok {
			missing = append(missing, rule.From)
			continue
		}

		if rule.Flatten {
			if obj, isMap := asMap(val); isMap {
				for k, v := range obj {
					dst[rule.Prefix+k] = v
				}
				continue
			}
		}

		name := rule.target()
		if name == "" {
			// A whole-value rule without a name only makes sense flattened.
			if obj, isMap := asMap(val); isMap {
				for k, v := range obj {
					dst[rule.Prefix+k] = v
				}
			}
			continue
		}
		dst[rule.Prefix+name] = val
	}
	return missing
}
