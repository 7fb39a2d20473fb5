package record

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySpec_KeyOf(t *testing.T) {
	spec := DefaultKeySpec()

	tests := []struct {
		name    string
		rec     Record
		want    Key
		wantErr error
	}{
		{
			name: "string fields",
			rec:  Record{"decision_id": "ECLI:BE:CASS:2023:ARR.1", "language": "FR"},
			want: "ECLI:BE:CASS:2023:ARR.1|FR",
		},
		{
			name: "integral float renders without fraction",
			rec:  Record{"decision_id": float64(42), "language": "NL"},
			want: "42|NL",
		},
		{
			name:    "missing field",
			rec:     Record{"decision_id": "d1"},
			wantErr: ErrMissingKeyField,
		},
		{
			name:    "empty field",
			rec:     Record{"decision_id": "  ", "language": "FR"},
			wantErr: ErrMissingKeyField,
		},
		{
			name:    "separator in first field",
			rec:     Record{"decision_id": "a|b", "language": "c"},
			wantErr: ErrInvalidKeyValue,
		},
		{
			name:    "separator in last field",
			rec:     Record{"decision_id": "a", "language": "b|c"},
			wantErr: ErrInvalidKeyValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := spec.KeyOf(tt.rec)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKey_PathSegment(t *testing.T) {
	k := Key("ECLI:BE:CASS:2023:ARR.1|FR")
	assert.Equal(t, "ECLI_BE_CASS_2023_ARR.1__FR", k.PathSegment())
	assert.Equal(t, []string{"ECLI:BE:CASS:2023:ARR.1", "FR"}, k.Parts())

	values := DefaultKeySpec().Values(k)
	assert.Equal(t, "FR", values["language"])
}

func TestLookup_DotPath(t *testing.T) {
	r := Record{"meta": map[string]any{"court": map[string]any{"name": "CASS"}}}

	v, ok := Lookup(r, "meta.court.name")
	require.True(t, ok)
	assert.Equal(t, "CASS", v)

	_, ok = Lookup(r, "meta.missing")
	assert.False(t, ok)
}

func TestProject(t *testing.T) {
	src := map[string]any{
		"citedProvisions": []any{"a", "b"},
		"meta":            map[string]any{"court": "CASS", "year": float64(2023)},
	}

	dst := Record{}
	missing := Project(dst, src, []FieldRule{
		{From: "citedProvisions", To: "provisions"},
		{From: "meta", Flatten: true, Prefix: "meta_"},
		{From: "absent"},
	})

	assert.Equal(t, []any{"a", "b"}, dst["provisions"])
	assert.Equal(t, "CASS", dst["meta_court"])
	assert.Equal(t, float64(2023), dst["meta_year"])
	assert.Equal(t, []string{"absent"}, missing)
}
