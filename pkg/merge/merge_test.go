package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/record"
)

func recs(ids ...string) []record.Record {
	out := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, record.Record{"decision_id": id, "language": "FR", "value": id})
	}
	return out
}

func TestMerge_IntersectionAndSkipReport(t *testing.T) {
	res, err := Merge(record.DefaultKeySpec(), []Input{
		{Name: "stage1", Records: recs("k1", "k2", "k3"), Rules: []record.FieldRule{{From: "value", To: "s1"}}},
		{Name: "stage2", Records: recs("k1", "k2"), Rules: []record.FieldRule{{From: "value", To: "s2"}}},
		{Name: "stage3", Records: recs("k1", "k3")},
	})
	require.NoError(t, err)

	assert.Equal(t, []record.Key{"k1|FR"}, res.Keys)
	assert.Equal(t, []Skip{
		{Key: "k2|FR", MissingFrom: []string{"stage3"}},
		{Key: "k3|FR", MissingFrom: []string{"stage2"}},
	}, res.Skipped)

	out := res.Records["k1|FR"]
	assert.Equal(t, "k1", out["decision_id"])
	assert.Equal(t, "k1", out["s1"])
	assert.Equal(t, "k1", out["s2"])
	assert.Equal(t, map[string]any{"decision_id": "k1", "language": "FR", "value": "k1"}, out["stage3"])
}

func TestMerge_DuplicatesAndUnkeyed(t *testing.T) {
	a := recs("k1", "k1")
	a[1]["value"] = "second"
	a = append(a, record.Record{"language": "FR"})

	res, err := Merge(record.DefaultKeySpec(), []Input{
		{Name: "a", Records: a, Rules: []record.FieldRule{{From: "value"}}},
		{Name: "b", Records: recs("k1")},
	})
	require.NoError(t, err)
	assert.Equal(t, InputStats{Records: 3, Keys: 1, Duplicates: 1, Unkeyed: 1}, res.Inputs["a"])
	assert.Equal(t, "second", res.Records["k1|FR"]["value"])
}

func TestMerge_TrimsInputNames(t *testing.T) {
	res, err := Merge(record.DefaultKeySpec(), []Input{
		{Name: "  provisions ", Records: recs("k1", "k2")},
		{Name: "\tcitations\n", Records: recs("k1")},
	})
	require.NoError(t, err)

	assert.Equal(t, []Skip{{Key: "k2|FR", MissingFrom: []string{"citations"}}}, res.Skipped)
	out := res.Records["k1|FR"]
	assert.Contains(t, out, "provisions")
	assert.Contains(t, out, "citations")
	assert.NotContains(t, out, "  provisions ")
	assert.Contains(t, res.Inputs, "citations")

	_, err = Merge(record.DefaultKeySpec(), []Input{{Name: "a"}, {Name: " a "}})
	require.Error(t, err)
}

func TestMerge_RejectsBadInputs(t *testing.T) {
	_, err := Merge(record.DefaultKeySpec(), nil)
	require.Error(t, err)

	_, err = Merge(record.DefaultKeySpec(), []Input{{Name: "a"}, {Name: "a"}})
	require.Error(t, err)
}

func TestWriteResult(t *testing.T) {
	ctx := context.Background()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	res, err := Merge(record.DefaultKeySpec(), []Input{
		{Name: "s1", Records: recs("k1", "k2")},
		{Name: "s2", Records: recs("k1")},
	})
	require.NoError(t, err)
	require.NoError(t, WriteResult(ctx, store, "graph", res))

	var merged map[string]any
	require.NoError(t, artifact.GetJSON(ctx, store, artifact.MergeRecordPath("graph", "k1|FR"), &merged))
	assert.Equal(t, "k1", merged["decision_id"])

	var rep SkipReport
	require.NoError(t, artifact.GetJSON(ctx, store, artifact.MergeSkipReportPath("graph"), &rep))
	assert.Equal(t, 1, rep.Merged)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, record.Key("k2|FR"), rep.Skipped[0].Key)
	assert.Equal(t, []string{"s2"}, rep.Skipped[0].MissingFrom)
}
