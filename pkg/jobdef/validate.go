package jobdef

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/kgextract/internal/assets/schemas"
)

var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("job definition schema not found")

	// ErrValidationFailed indicates the definition is invalid.
	ErrValidationFailed = errors.New("job definition validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single validation issue.
type ValidationError struct {
	// Path is a JSON pointer to the offending field (e.g. "/pipeline/steps/1").
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every issue found.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "job definition validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns ErrValidationFailed.
func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

// ValidateRaw checks a JSON document against the embedded schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.JobDefinitionSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded job-definition schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.JobDefinitionSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile job definition schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Validate checks cross-field rules the schema cannot express.
func (d *Definition) Validate() error {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if d.Version != Version {
		add("/version", "unsupported version %d", d.Version)
	}
	switch {
	case d.mergeOnly():
	case d.Source.Driver == "jsonl":
		if d.Source.Path == "" {
			add("/source/path", "path is required for driver jsonl")
		}
	default:
		if d.Source.DSN == "" {
			add("/source/dsn", "dsn is required for driver %s", d.Source.Driver)
		}
		if d.Source.Query == "" {
			add("/source/query", "query is required for driver %s", d.Source.Driver)
		}
	}

	for i, dep := range d.Dependencies {
		if _, ok := d.Stages[dep.Stage]; !ok {
			add(fmt.Sprintf("/dependencies/%d/stage", i), "stage %q has no entry under stages", dep.Stage)
		}
		checkTransform(fmt.Sprintf("/dependencies/%d/transform", i), dep.Transform, "pick", add)
	}

	if d.Pipeline != nil {
		ids := map[string]bool{}
		for i, s := range d.Pipeline.Steps {
			path := fmt.Sprintf("/pipeline/steps/%d", i)
			ids[s.ID] = true
			switch s.Kind {
			case "inference":
				if s.Prompt == nil {
					add(path+"/prompt", "inference step %q needs a prompt", s.ID)
				}
			case "compute":
				if _, ok := computeBuiltins[s.Builtin]; !ok {
					add(path+"/builtin", "compute step %q has unknown builtin %q", s.ID, s.Builtin)
				}
			}
			for j, b := range s.Bindings {
				if _, ok := d.Stages[b.Stage]; !ok {
					add(fmt.Sprintf("%s/bindings/%d/stage", path, j), "stage %q has no entry under stages", b.Stage)
				}
			}
			checkTransform(path+"/transform", s.Transform, "provision_ids", add)
		}
		for i, s := range d.Pipeline.Steps {
			for _, dep := range s.DependsOn {
				if !ids[dep] {
					add(fmt.Sprintf("/pipeline/steps/%d/depends_on", i), "unknown step %q", dep)
				}
			}
		}
	} else if d.Prompt == nil && d.Merge == nil {
		add("/prompt", "a prompt is required for batch jobs")
	}

	if d.Merge != nil {
		for i, in := range d.Merge.Inputs {
			if _, ok := d.Stages[in.Stage]; !ok {
				add(fmt.Sprintf("/merge/inputs/%d/stage", i), "stage %q has no entry under stages", in.Stage)
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func checkTransform(path string, t *Transform, want string, add func(string, string, ...any)) {
	if t == nil {
		return
	}
	if t.Type != want {
		add(path+"/type", "transform %q is not allowed here (want %q)", t.Type, want)
	}
	if t.Type == "pick" && len(t.Fields) == 0 {
		add(path+"/fields", "pick needs at least one field")
	}
}
