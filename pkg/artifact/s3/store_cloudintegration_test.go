//go:build cloudintegration

package s3_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kgextract/pkg/artifact"
	"github.com/3leaps/kgextract/pkg/artifact/s3"
	"github.com/3leaps/kgextract/pkg/jobstatus"
	"github.com/3leaps/kgextract/test/cloudtest"
)

func newStore(t *testing.T, ctx context.Context, bucket, prefix string) *s3.Store {
	t.Helper()
	store, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Prefix:          prefix,
		Region:          cloudtest.Region,
		Endpoint:        cloudtest.Endpoint,
		AccessKeyID:     cloudtest.AccessKeyID,
		SecretAccessKey: cloudtest.SecretAccessKey,
		ForcePathStyle:  true,
		MaxKeys:         2,
	})
	require.NoError(t, err)
	return store
}

func TestStore_RoundTrip(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	store := newStore(t, ctx, bucket, "kgextract/")

	require.NoError(t, store.Put(ctx, "jobs/a/runs/r1/input.jsonl", []byte("{}\n")))
	got, err := store.Get(ctx, "jobs/a/runs/r1/input.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(got))

	ok, err := store.Exists(ctx, "jobs/a/runs/r1/input.jsonl")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Get(ctx, "jobs/a/runs/r1/missing.json")
	assert.True(t, artifact.IsNotFound(err))
}

func TestStore_ListPaginatesAndStripsPrefix(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	store := newStore(t, ctx, bucket, "kgextract")

	for _, k := range []string{"p/a.json", "p/b.json", "p/sub/c.json", "q/d.json"} {
		require.NoError(t, store.Put(ctx, k, []byte("1")))
	}
	cloudtest.PutRaw(t, ctx, bucket, "other/p/e.json", []byte("x"))

	keys, err := store.List(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a.json", "p/b.json", "p/sub/c.json"}, keys)
}

func TestStore_BacksJobStatus(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	status := jobstatus.NewStore(newStore(t, ctx, bucket, ""))

	run := &jobstatus.JobRun{JobType: "extract", RunID: "r1", Status: jobstatus.StatusPending}
	require.NoError(t, status.Write(ctx, run))

	cur, err := status.Current(ctx, "extract")
	require.NoError(t, err)
	assert.Equal(t, "r1", cur.RunID)
}
