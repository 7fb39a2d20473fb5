package depresolve

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kgextract/pkg/record"
	"github.com/3leaps/kgextract/pkg/resultset"
)

type countingLoader struct {
	sets  map[string][]record.Record
	loads atomic.Int32
	err   error
}

func (l *countingLoader) Load(_ context.Context, stage string) (*resultset.Set, error) {
	l.loads.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return resultset.NewSet(stage, record.KeySpec{}, l.sets[stage]), nil
}

func newLoader() *countingLoader {
	return &countingLoader{sets: map[string][]record.Record{
		"provisions": {
			{"decision_id": "d1", "language": "FR", "citedProvisions": []any{"art. 1382"}},
			{"decision_id": "d2", "language": "NL", "citedProvisions": []any{}},
		},
	}}
}

func TestResolve_RequiredHitAndMiss(t *testing.T) {
	ctx := context.Background()
	r := New(newLoader(), record.KeySpec{})
	b := Binding{Stage: "provisions", Alias: "prov", Required: true}

	rec, err := r.Resolve(ctx, b, record.Record{"decision_id": "d1", "language": "FR"})
	require.NoError(t, err)
	assert.Equal(t, []any{"art. 1382"}, rec["citedProvisions"])

	_, err = r.Resolve(ctx, b, record.Record{"decision_id": "d9", "language": "FR"})
	require.ErrorIs(t, err, ErrMissingDependency)
	var mde *MissingDependencyError
	require.True(t, errors.As(err, &mde))
	assert.Equal(t, "provisions", mde.Stage)
	assert.Equal(t, record.Key("d9|FR"), mde.Key)
	assert.Contains(t, err.Error(), "provisions")
}

func TestResolve_OptionalMissIsExplicitNil(t *testing.T) {
	r := New(newLoader(), record.KeySpec{})
	rec, err := r.Resolve(context.Background(), Binding{Stage: "provisions"}, record.Record{"decision_id": "d9", "language": "FR"})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestResolve_Transform(t *testing.T) {
	r := New(newLoader(), record.KeySpec{})
	item := record.Record{"decision_id": "d1", "language": "FR"}

	rec, err := r.Resolve(context.Background(), Binding{
		Stage: "provisions",
		Transform: func(in record.Record) record.Record {
			return record.Record{"count": len(in["citedProvisions"].([]any))}
		},
	}, item)
	require.NoError(t, err)
	assert.Equal(t, record.Record{"count": 1}, rec)

	rec, err = r.Resolve(context.Background(), Binding{
		Stage:     "provisions",
		Transform: func(record.Record) record.Record { return nil },
	}, item)
	require.NoError(t, err)
	assert.Equal(t, "d1", rec["decision_id"])
}

func TestResolve_LoadsEachStageOnceUnderConcurrency(t *testing.T) {
	loader := newLoader()
	r := New(loader, record.KeySpec{})
	b := Binding{Stage: "provisions"}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), b, record.Record{"decision_id": "d2", "language": "NL"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loader.loads.Load())
}

func TestResolve_MatchFields(t *testing.T) {
	r := New(newLoader(), record.KeySpec{})
	rec, err := r.Resolve(context.Background(), Binding{Stage: "provisions", MatchFields: []string{"decision_id"}, Required: true},
		record.Record{"decision_id": "d2", "language": "FR"})
	require.NoError(t, err)
	assert.Equal(t, "NL", rec["language"])
}

func TestResolveAll(t *testing.T) {
	r := New(newLoader(), record.KeySpec{})
	out, err := r.ResolveAll(context.Background(), []Binding{
		{Stage: "provisions", Alias: "prov", Required: true},
		{Stage: "provisions", Alias: "opt", MatchFields: []string{"missing_field"}},
	}, record.Record{"decision_id": "d1", "language": "FR"})
	require.NoError(t, err)
	assert.NotNil(t, out["prov"])
	v, present := out["opt"]
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestResolve_LoadErrorIsSticky(t *testing.T) {
	loader := &countingLoader{err: errors.New("disk gone")}
	r := New(loader, record.KeySpec{})
	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), Binding{Stage: "x"}, record.Record{"decision_id": "d1", "language": "FR"})
		require.Error(t, err)
	}
	assert.Equal(t, int32(1), loader.loads.Load())
}
