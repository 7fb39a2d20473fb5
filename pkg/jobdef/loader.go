package jobdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, validates and defaults a job definition file.
//
// The file is YAML (JSON is accepted as a YAML subset). The raw document is
// validated against the embedded schema before it is decoded, so unknown
// fields are rejected rather than silently dropped.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job definition not found: %s: %w", path, err)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading job definition: %s: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read job definition: %w", err)
	}
	def, err := LoadFromBytes(data, path)
	if err != nil {
		return nil, err
	}
	def.SetBaseDir(filepath.Dir(path))
	return def, nil
}

// LoadFromReader reads a definition from r. path is used in error messages.
func LoadFromReader(r io.Reader, path string) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read job definition: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a definition.
func LoadFromBytes(data []byte, path string) (*Definition, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("job definition is empty")
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in job definition %s: %w", path, err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert job definition %s to JSON: %w", path, err)
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid job definition %s: %w", path, err)
	}
	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}
