package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const provisionsSchema = `{
  "type": "object",
  "required": ["citedProvisions"],
  "properties": {
    "citedProvisions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["provisionSequence", "provisionNumber"],
        "properties": {
          "provisionSequence": {"type": "integer", "minimum": 1},
          "provisionNumber": {"type": "string"}
        }
      }
    }
  }
}`

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "plain object", in: `{"a":1}`},
		{name: "fenced", in: "```json\n{\"a\":1}\n```"},
		{name: "leading prose", in: "Here you go: {\"a\":1}"},
		{name: "empty", in: "  ", wantErr: true},
		{name: "truncated", in: `{"a":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseJSON(tt.in)
			if tt.wantErr {
				se, ok := IsShapeError(err)
				require.True(t, ok)
				assert.Equal(t, ReasonInvalidJSON, se.Reason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"a": float64(1)}, v)
		})
	}
}

func TestSchema_Validate(t *testing.T) {
	s, err := CompileSchema("provisions.json", []byte(provisionsSchema))
	require.NoError(t, err)

	ok, err := ParseJSON(`{"citedProvisions":[{"provisionSequence":1,"provisionNumber":"1382"}]}`)
	require.NoError(t, err)
	require.NoError(t, s.Validate(ok))

	bad, err := ParseJSON(`{"citedProvisions":[{"provisionSequence":0}]}`)
	require.NoError(t, err)
	err = s.Validate(bad)
	se, isShape := IsShapeError(err)
	require.True(t, isShape)
	assert.Equal(t, ReasonSchemaViolation, se.Reason)
}

func TestCompileSchema_Invalid(t *testing.T) {
	_, err := CompileSchema("bad.json", []byte(`{"type": 12}`))
	require.Error(t, err)
}

func TestRequireFieldsAndAll(t *testing.T) {
	val := All(RequireFields("summary"), nil)

	_, err := Decode(`{"summary":"x"}`, val)
	require.NoError(t, err)

	_, err = Decode(`{"summary":null}`, val)
	require.Error(t, err)

	_, err = Decode(`[1,2]`, val)
	require.Error(t, err)
}
