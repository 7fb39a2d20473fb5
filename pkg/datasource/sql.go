package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/3leaps/kgextract/pkg/record"
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultScopeChunk bounds the number of keys per scoped query.
const DefaultScopeChunk = 250

// SQLConfig configures a SQL-backed source.
type SQLConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `mapstructure:"driver" yaml:"driver" json:"driver"`

	// DSN is the connection string (postgres URL or sqlite file path).
	DSN string `mapstructure:"dsn" yaml:"dsn" json:"dsn"`

	// Query is the base SELECT. It must project the key fields as columns.
	Query string `mapstructure:"query" yaml:"query" json:"query"`

	// Limit caps unscoped queries. Zero means no limit.
	Limit int `mapstructure:"limit" yaml:"limit" json:"limit,omitempty"`

	MaxConns    int32         `mapstructure:"max_conns" yaml:"max_conns" json:"max_conns,omitempty"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout,omitempty"`
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the config against the key spec.
func (c SQLConfig) Validate(spec record.KeySpec) error {
	switch c.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported sql driver %q", c.Driver)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("sql dsn is required")
	}
	if strings.TrimSpace(c.Query) == "" {
		return fmt.Errorf("sql query is required")
	}
	for _, f := range spec.Normalize().Fields {
		if !identRe.MatchString(f) {
			return fmt.Errorf("key field %q is not a plain column name", f)
		}
	}
	return nil
}

// SQLSource runs a read-only query against PostgreSQL or SQLite.
type SQLSource struct {
	db    *sql.DB
	pool  *pgxpool.Pool
	cfg   SQLConfig
	spec  record.KeySpec
	chunk int
	owned bool
}

var _ Source = (*SQLSource)(nil)

// OpenSQL connects to the configured database.
func OpenSQL(ctx context.Context, cfg SQLConfig, spec record.KeySpec) (*SQLSource, error) {
	spec = spec.Normalize()
	if err := cfg.Validate(spec); err != nil {
		return nil, err
	}

	src := &SQLSource{cfg: cfg, spec: spec, chunk: DefaultScopeChunk, owned: true}
	switch cfg.Driver {
	case DriverPostgres:
		pc, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if cfg.MaxConns > 0 {
			pc.MaxConns = cfg.MaxConns
		}
		pc.ConnConfig.RuntimeParams["application_name"] = "kgextract"
		pc.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"

		dialCtx := ctx
		if cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
			defer cancel()
		}
		pool, err := pgxpool.NewWithConfig(dialCtx, pc)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		src.pool = pool
		src.db = stdlib.OpenDBFromPool(pool)
	case DriverSQLite:
		db, err := sql.Open(DriverSQLite, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		src.db = db
	}

	if err := src.db.PingContext(ctx); err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("ping %s source: %w", cfg.Driver, err)
	}
	return src, nil
}

// NewSQLFromDB wraps an existing connection. The caller keeps ownership of db.
func NewSQLFromDB(db *sql.DB, cfg SQLConfig, spec record.KeySpec) (*SQLSource, error) {
	spec = spec.Normalize()
	if cfg.DSN == "" {
		cfg.DSN = "external"
	}
	if err := cfg.Validate(spec); err != nil {
		return nil, err
	}
	return &SQLSource{db: db, cfg: cfg, spec: spec, chunk: DefaultScopeChunk}, nil
}

// KeySpec returns the natural key spec.
func (s *SQLSource) KeySpec() record.KeySpec { return s.spec }

// Close releases the connection pool.
func (s *SQLSource) Close() error {
	if !s.owned {
		return nil
	}
	s.owned = false
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// Rows runs the base query, narrowed to scope when restricted.
func (s *SQLSource) Rows(ctx context.Context, scope Scope) ([]record.Record, error) {
	if !scope.Restricted() {
		q := s.cfg.Query
		if s.cfg.Limit > 0 {
			q = fmt.Sprintf("SELECT * FROM (%s) AS src LIMIT %d", s.cfg.Query, s.cfg.Limit)
		}
		return s.query(ctx, q, nil)
	}
	if len(scope.Keys) == 0 {
		return nil, nil
	}

	var out []record.Record
	for start := 0; start < len(scope.Keys); start += s.chunk {
		end := min(start+s.chunk, len(scope.Keys))
		q, args, err := s.scopedQuery(scope.Keys[start:end])
		if err != nil {
			return nil, err
		}
		rows, err := s.query(ctx, q, args)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return Filter(out, s.spec, scope), nil
}

// scopedQuery builds "only these natural keys" over the base query.
func (s *SQLSource) scopedQuery(keys []record.Key) (string, []any, error) {
	fields := s.spec.Fields
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM (%s) AS src WHERE ", s.cfg.Query)

	args := make([]any, 0, len(keys)*len(fields))
	for i, k := range keys {
		parts := k.Parts()
		if len(parts) != len(fields) {
			return "", nil, fmt.Errorf("key %q does not match key fields %v", k, fields)
		}
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(")
		for j, f := range fields {
			if j > 0 {
				b.WriteString(" AND ")
			}
			args = append(args, parts[j])
			fmt.Fprintf(&b, "CAST(src.%s AS TEXT) = %s", f, s.placeholder(len(args)))
		}
		b.WriteString(")")
	}
	return b.String(), args, nil
}

func (s *SQLSource) placeholder(n int) string {
	if s.cfg.Driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLSource) query(ctx context.Context, q string, args []any) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s source: %w", s.cfg.Driver, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []record.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r := make(record.Record, len(cols))
		for i, c := range cols {
			r[c] = normalizeValue(vals[i])
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// normalizeValue converts driver values to JSON-friendly forms.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
