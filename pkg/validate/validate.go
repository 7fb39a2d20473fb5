// Package validate checks the shape of model output records.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Shape failure reasons. These strings appear in failure reports.
const (
	ReasonInvalidJSON     = "invalid_json"
	ReasonSchemaViolation = "schema_violation"
)

// ShapeError is a structural validation failure of one output record.
type ShapeError struct {
	Reason string
	Detail string
}

func (e *ShapeError) Error() string {
	return e.Reason + ": " + e.Detail
}

// IsShapeError reports whether err is a ShapeError and returns it.
func IsShapeError(err error) (*ShapeError, bool) {
	var se *ShapeError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Validator checks a decoded JSON value.
type Validator interface {
	Validate(v any) error
}

// Func adapts a function to Validator.
type Func func(v any) error

// Validate calls f.
func (f Func) Validate(v any) error { return f(v) }

// ParseJSON decodes model output text, tolerating a surrounding markdown
// code fence or leading prose before the first JSON value.
func ParseJSON(text string) (any, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return nil, &ShapeError{Reason: ReasonInvalidJSON, Detail: "empty output"}
	}
	if s[0] != '{' && s[0] != '[' {
		if i := strings.IndexAny(s, "{["); i >= 0 {
			s = s[i:]
		}
	}

	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &ShapeError{Reason: ReasonInvalidJSON, Detail: err.Error()}
	}
	return normalizeNumbers(v), nil
}

// normalizeNumbers converts json.Number values to float64 so decoded output
// compares equal to values decoded with encoding/json defaults.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		for k, x := range t {
			t[k] = normalizeNumbers(x)
		}
		return t
	case []any:
		for i, x := range t {
			t[i] = normalizeNumbers(x)
		}
		return t
	default:
		return v
	}
}

// Schema validates values against a compiled JSON schema.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON schema document.
func CompileSchema(name string, doc []byte) (*Schema, error) {
	if strings.TrimSpace(name) == "" {
		name = "schema.json"
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, schema: s}, nil
}

// CompileSchemaMap compiles a schema given as a decoded map (e.g. from YAML).
func CompileSchemaMap(name string, doc map[string]any) (*Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", name, err)
	}
	return CompileSchema(name, b)
}

// Validate returns a ShapeError when v does not conform.
func (s *Schema) Validate(v any) error {
	if err := s.schema.Validate(v); err != nil {
		detail := err.Error()
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			detail = ve.Error()
		}
		return &ShapeError{Reason: ReasonSchemaViolation, Detail: detail}
	}
	return nil
}

// RequireFields checks v is an object with every field present and non-null.
func RequireFields(fields ...string) Validator {
	return Func(func(v any) error {
		obj, ok := v.(map[string]any)
		if !ok {
			return &ShapeError{Reason: ReasonSchemaViolation, Detail: fmt.Sprintf("expected object, got %T", v)}
		}
		var missing []string
		for _, f := range fields {
			if x, ok := obj[f]; !ok || x == nil {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return &ShapeError{Reason: ReasonSchemaViolation, Detail: "missing fields: " + strings.Join(missing, ", ")}
		}
		return nil
	})
}

// All runs validators in order and returns the first failure.
func All(validators ...Validator) Validator {
	return Func(func(v any) error {
		for _, val := range validators {
			if val == nil {
				continue
			}
			if err := val.Validate(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Decode parses text and validates it. A nil validator only checks JSON syntax.
func Decode(text string, val Validator) (any, error) {
	v, err := ParseJSON(text)
	if err != nil {
		return nil, err
	}
	if val != nil {
		if err := val.Validate(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}
