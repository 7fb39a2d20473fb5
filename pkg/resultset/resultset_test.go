package resultset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/pkg/record"
)

func TestNewSet_DuplicatesAndUnkeyed(t *testing.T) {
	s := NewSet("stage", record.KeySpec{}, []record.Record{
		{"decision_id": "d1", "language": "FR", "v": 1},
		{"decision_id": "d1", "language": "FR", "v": 2},
		{"decision_id": "d2"},
	})
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.Duplicates)
	assert.Equal(t, 1, s.Unkeyed)

	r, ok := s.Get("d1|FR")
	require.True(t, ok)
	assert.Equal(t, 2, r["v"])
}

func TestSelector(t *testing.T) {
	sel, err := NewSelector([]string{"2023/**/*.json"}, []string{"**/draft-*"})
	require.NoError(t, err)

	assert.True(t, sel.Match("2023/a/x.json"))
	assert.False(t, sel.Match("2023/a/draft-x.json"))
	assert.False(t, sel.Match("2022/x.json"))
	assert.Equal(t, []string{"2023/"}, sel.Prefixes())

	_, err = NewSelector([]string{"[bad"}, nil)
	var pe *PatternError
	require.ErrorAs(t, err, &pe)
}

func TestStoreLoader_BatchUsesLatestProcessedRun(t *testing.T) {
	ctx := context.Background()
	fs, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	status := jobstatus.NewStore(fs)

	t0 := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	runs := []struct {
		id     string
		status jobstatus.RunStatus
		lang   string
	}{
		{"r1", jobstatus.StatusProcessed, "FR"},
		{"r2", jobstatus.StatusProcessed, "NL"},
		{"r3", jobstatus.StatusFailed, "DE"},
	}
	for i, r := range runs {
		prefix := artifact.RunPrefix("provisions", r.id)
		require.NoError(t, artifact.PutJSONL(ctx, fs, artifact.Join(prefix, artifact.SuccessesFile), []record.Record{
			{"decision_id": "d1", "language": r.lang},
		}))
		require.NoError(t, status.Write(ctx, &jobstatus.JobRun{
			JobType: "provisions", RunID: r.id, Status: r.status, OutputPrefix: prefix,
			CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}))
	}

	loader := NewStoreLoader(fs, status, record.KeySpec{}, map[string]StageSource{
		"provisions": {Kind: KindBatch},
		"pinned":     {Kind: KindBatch, JobType: "provisions", RunID: "r1"},
		"bad-pin":    {Kind: KindBatch, JobType: "provisions", RunID: "r3"},
	})

	set, err := loader.Load(ctx, "provisions")
	require.NoError(t, err)
	assert.True(t, set.Has("d1|NL"))

	set, err = loader.Load(ctx, "pinned")
	require.NoError(t, err)
	assert.True(t, set.Has("d1|FR"))

	_, err = loader.Load(ctx, "bad-pin")
	require.Error(t, err)

	_, err = loader.Load(ctx, "unknown")
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestStoreLoader_Pipeline(t *testing.T) {
	ctx := context.Background()
	fs, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, k := range []record.Key{"d1|FR", "d2|NL"} {
		values := record.DefaultKeySpec().Values(k)
		require.NoError(t, artifact.PutJSON(ctx, fs, artifact.PipelineOutputPath("enrich", k), record.Record{
			"decision_id": values["decision_id"], "language": values["language"], "summary": "s",
		}))
	}

	loader := NewStoreLoader(fs, nil, record.KeySpec{}, map[string]StageSource{
		"enrich": {Kind: KindPipeline},
	})
	set, err := loader.Load(ctx, "enrich")
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"decision_id":"d1","language":"FR"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.json"), []byte(`[{"decision_id":"d2","language":"FR"},{"decision_id":"d3","language":"FR"}]`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.jsonl"), []byte(`{"decision_id":"d4","language":"FR"}`+"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore"), 0644))

	recs, err := LoadDir(dir, []string{"**/*.json", "**/*.jsonl"}, nil)
	require.NoError(t, err)
	assert.Len(t, recs, 4)

	recs, err = LoadDir(dir, nil, []string{"sub/**"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
