// Package record defines the keyed record model shared by every stage.
//
// A Record is a decoded JSON object. Records are correlated across stages and
// provider round-trips by a natural Key built from a caller-defined list of
// fields (for the decisions corpus: decision_id + language).
package record

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Record is a single decoded JSON object.
type Record map[string]any

// DefaultKeyFields is the natural key of the decisions corpus.
var DefaultKeyFields = []string{"decision_id", "language"}

// keySeparator joins key parts in the canonical key string.
const keySeparator = "|"

var (
	// ErrMissingKeyField indicates a record lacks one of the natural key fields.
	ErrMissingKeyField = errors.New("missing natural key field")

	// ErrInvalidKeyValue indicates a key field value contains the key separator.
	ErrInvalidKeyValue = errors.New("invalid natural key value")
)

// Key is the canonical string form of a natural key ("v1|v2").
type Key string

// String returns the canonical key.
func (k Key) String() string { return string(k) }

// Parts splits the key into its field values.
func (k Key) Parts() []string {
	if k == "" {
		return nil
	}
	return strings.Split(string(k), keySeparator)
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// PathSegment returns a filesystem- and object-store-safe form of the key.
//
// Parts are sanitized individually and joined with "__" so distinct keys
// remain distinct for realistic identifiers (ECLI ids, ISO language codes).
func (k Key) PathSegment() string {
	parts := k.Parts()
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = unsafePathChars.ReplaceAllString(p, "_")
		p = strings.Trim(p, ".")
		if p == "" {
			p = "_"
		}
		out = append(out, p)
	}
	return strings.Join(out, "__")
}

// KeySpec names the fields forming a natural key.
type KeySpec struct {
	Fields []string `json:"fields" yaml:"fields"`
}

// DefaultKeySpec returns the decisions-corpus key spec.
func DefaultKeySpec() KeySpec {
	return KeySpec{Fields: append([]string(nil), DefaultKeyFields...)}
}

// Normalize returns the spec with defaults applied.
func (s KeySpec) Normalize() KeySpec {
	if len(s.Fields) == 0 {
		return DefaultKeySpec()
	}
	return s
}

// KeyOf builds the natural key of r.
//
// Every key field must be present and render to a non-empty string without
// the separator; records that fail here cannot be re-targeted later and are
// reported as such.
func (s KeySpec) KeyOf(r Record) (Key, error) {
	s = s.Normalize()
	parts := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := Lookup(r, f)
		if !ok || v == nil {
			return "", fmt.Errorf("%w: %s", ErrMissingKeyField, f)
		}
		str := strings.TrimSpace(Stringify(v))
		if str == "" {
			return "", fmt.Errorf("%w: %s (empty)", ErrMissingKeyField, f)
		}
		if strings.Contains(str, keySeparator) {
			return "", fmt.Errorf("%w: %s contains %q", ErrInvalidKeyValue, f, keySeparator)
		}
		parts = append(parts, str)
	}
	return Key(strings.Join(parts, keySeparator)), nil
}

// Values maps each key field to its value in k.
func (s KeySpec) Values(k Key) map[string]string {
	s = s.Normalize()
	parts := k.Parts()
	out := make(map[string]string, len(s.Fields))
	for i, f := range s.Fields {
		if i < len(parts) {
			out[f] = parts[i]
		}
	}
	return out
}

// Stringify renders a scalar JSON value the way keys are compared.
//
// Numbers decoded from JSON arrive as float64; integral values are rendered
// without a fractional part so 42 and 42.0 produce the same key.
func Stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return Stringify(float64(t))
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// Lookup resolves a dot-separated path inside r.
func Lookup(r Record, path string) (any, bool) {
	if r == nil {
		return nil, false
	}
	var cur any = map[string]any(r)
	for _, seg := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// SortKeys sorts keys in place by canonical string.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Record:
		return map[string]any(t), true
	default:
		return nil, false
	}
}
