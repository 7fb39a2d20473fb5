package datasource

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/kgextract/pkg/record"
)

func seedSQLite(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "corpus.db")
	db, err := sql.Open(DriverSQLite, dsn)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = db.Exec(`CREATE TABLE decisions (decision_id TEXT, language TEXT, full_text TEXT, year INTEGER)`)
	require.NoError(t, err)
	for _, row := range [][]any{
		{"ECLI:BE:CASS:2023:ARR.1", "FR", "Vu l'article 1382", 2023},
		{"ECLI:BE:CASS:2023:ARR.1", "NL", "Gelet op artikel 1382", 2023},
		{"ECLI:BE:GHCC:2022:1", "FR", "texte", 2022},
	} {
		_, err = db.Exec(`INSERT INTO decisions VALUES (?, ?, ?, ?)`, row...)
		require.NoError(t, err)
	}
	return dsn
}

func TestSQLSource_UnscopedAndScoped(t *testing.T) {
	ctx := context.Background()
	dsn := seedSQLite(t)

	src, err := OpenSQL(ctx, SQLConfig{
		Driver: DriverSQLite,
		DSN:    dsn,
		Query:  "SELECT decision_id, language, full_text, year FROM decisions",
	}, record.DefaultKeySpec())
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	all, err := src.Rows(ctx, Scope{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, float64(2023), all[0]["year"])

	scoped, err := src.Rows(ctx, Scope{Keys: []record.Key{"ECLI:BE:CASS:2023:ARR.1|NL", "missing|FR"}})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "NL", scoped[0]["language"])

	none, err := src.Rows(ctx, Scope{Keys: []record.Key{}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLSource_ScopeIsChunked(t *testing.T) {
	ctx := context.Background()
	dsn := seedSQLite(t)

	src, err := OpenSQL(ctx, SQLConfig{Driver: DriverSQLite, DSN: dsn, Query: "SELECT * FROM decisions"}, record.KeySpec{})
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	src.chunk = 1

	rows, err := src.Rows(ctx, Scope{Keys: []record.Key{"ECLI:BE:CASS:2023:ARR.1|FR", "ECLI:BE:GHCC:2022:1|FR"}})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestScopedQuery_PostgresPlaceholders(t *testing.T) {
	src := &SQLSource{cfg: SQLConfig{Driver: DriverPostgres, Query: "SELECT * FROM d"}, spec: record.DefaultKeySpec()}
	q, args, err := src.scopedQuery([]record.Key{"a|FR", "b|NL"})
	require.NoError(t, err)
	assert.Contains(t, q, "CAST(src.decision_id AS TEXT) = $1 AND CAST(src.language AS TEXT) = $2")
	assert.Contains(t, q, "$4")
	assert.Equal(t, []any{"a", "FR", "b", "NL"}, args)

	_, _, err = src.scopedQuery([]record.Key{"only-one-part"})
	require.Error(t, err)
}

func TestSQLConfig_Validate(t *testing.T) {
	spec := record.DefaultKeySpec()
	require.Error(t, SQLConfig{Driver: "mysql", DSN: "x", Query: "q"}.Validate(spec))
	require.Error(t, SQLConfig{Driver: DriverSQLite, Query: "q"}.Validate(spec))
	require.Error(t, SQLConfig{Driver: DriverSQLite, DSN: "x", Query: "q"}.Validate(record.KeySpec{Fields: []string{"id; drop"}}))
	require.NoError(t, SQLConfig{Driver: DriverSQLite, DSN: "x", Query: "q"}.Validate(spec))
}

func TestStaticAndJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"decision_id":"d1","language":"FR"}`+"\n"+
			`{"decision_id":"d2","language":"NL"}`+"\n"+
			`{"language":"NL"}`+"\n"), 0644))

	src, err := LoadJSONLFile(path, record.KeySpec{})
	require.NoError(t, err)

	all, err := src.Rows(context.Background(), Scope{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := src.Rows(context.Background(), Scope{Keys: []record.Key{"d2|NL"}})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "d2", scoped[0]["decision_id"])
}
