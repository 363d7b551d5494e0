package archive

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/telemetry/internal/engine/query"
	"github.com/xtxerr/telemetry/internal/engine/types"
)

// HistoryQuery selects archived samples of one series.
type HistoryQuery struct {
	DeviceID  string
	MetricKey string
	From      int64 // Unix milliseconds, inclusive
	To        int64 // Unix milliseconds, inclusive; 0 means unbounded
	Limit     int   // Keep the most recent Limit rows; 0 keeps all
}

func (q HistoryQuery) to() int64 {
	if q.To == 0 {
		return 1<<63 - 1
	}
	return q.To
}

// Reader answers history queries over the archive directory with an
// in-memory DuckDB.
type Reader struct {
	dir string
	db  *sql.DB

	// Statistics
	queries atomic.Int64
	rows    atomic.Int64
	errors  atomic.Int64
}

// NewReader opens an in-memory DuckDB for the archive in dir.
func NewReader(dir, memoryLimit string) (*Reader, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if memoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", quote(memoryLimit))); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Reader{dir: dir, db: db}, nil
}

// Close closes the database.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// source returns the read_parquet table expression, or "" if the archive
// holds no closed files yet.
func (r *Reader) source() (string, error) {
	files, err := listFiles(r.dir)
	if err != nil || len(files) == 0 {
		return "", err
	}
	pattern := filepath.Join(r.dir, "*"+fileExt)
	return fmt.Sprintf("read_parquet('%s')", quote(pattern)), nil
}

// Points returns archived raw samples, oldest first.
func (r *Reader) Points(ctx context.Context, q HistoryQuery) ([]types.Point, error) {
	src, err := r.source()
	if err != nil || src == "" {
		return nil, err
	}

	stmt := `
		SELECT timestamp_ms, value
		FROM ` + src + `
		WHERE device_id = $1
		  AND metric_key = $2
		  AND timestamp_ms BETWEEN $3 AND $4
		ORDER BY timestamp_ms`

	rows, err := r.db.QueryContext(ctx, stmt, q.DeviceID, q.MetricKey, q.From, q.to())
	if err != nil {
		r.errors.Add(1)
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []types.Point
	for rows.Next() {
		var p types.Point
		if err := rows.Scan(&p.Ts, &p.Value); err != nil {
			r.errors.Add(1)
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		r.errors.Add(1)
		return nil, err
	}

	out = query.TailLimit(out, q.Limit)
	r.queries.Add(1)
	r.rows.Add(int64(len(out)))
	return out, nil
}

// Aggregates groups archived samples into buckets of bucketMs, ascending.
func (r *Reader) Aggregates(ctx context.Context, q HistoryQuery, bucketMs int64) ([]types.AggregatePoint, error) {
	if bucketMs <= 0 {
		return nil, fmt.Errorf("bucket size must be positive, got %d", bucketMs)
	}

	src, err := r.source()
	if err != nil || src == "" {
		return nil, err
	}

	stmt := `
		SELECT CAST(floor(timestamp_ms / $5) AS BIGINT) * $5 AS bucket,
		       count(*), sum(value), min(value), max(value)
		FROM ` + src + `
		WHERE device_id = $1
		  AND metric_key = $2
		  AND timestamp_ms BETWEEN $3 AND $4
		GROUP BY bucket
		ORDER BY bucket`

	rows, err := r.db.QueryContext(ctx, stmt, q.DeviceID, q.MetricKey, q.From, q.to(), bucketMs)
	if err != nil {
		r.errors.Add(1)
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []types.AggregatePoint
	for rows.Next() {
		var a types.AggregatePoint
		if err := rows.Scan(&a.Ts, &a.Count, &a.Sum, &a.Min, &a.Max); err != nil {
			r.errors.Add(1)
			return nil, fmt.Errorf("scan row: %w", err)
		}
		a.Value = a.Avg()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		r.errors.Add(1)
		return nil, err
	}

	out = query.TailLimit(out, q.Limit)
	r.queries.Add(1)
	r.rows.Add(int64(len(out)))
	return out, nil
}

// ExecuteSQL runs an ad-hoc query. The archive is available as the view
// "archive".
func (r *Reader) ExecuteSQL(ctx context.Context, stmt string) ([]map[string]any, error) {
	src, err := r.source()
	if err != nil {
		return nil, err
	}
	if src == "" {
		return nil, nil
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "CREATE OR REPLACE TEMP VIEW archive AS SELECT * FROM "+src); err != nil {
		r.errors.Add(1)
		return nil, fmt.Errorf("create view: %w", err)
	}

	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		r.errors.Add(1)
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	r.queries.Add(1)
	r.rows.Add(int64(len(results)))
	return results, rows.Err()
}

func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// ReaderStats holds reader statistics.
type ReaderStats struct {
	QueriesExecuted int64 `json:"queriesExecuted"`
	RowsReturned    int64 `json:"rowsReturned"`
	Errors          int64 `json:"errors"`
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		QueriesExecuted: r.queries.Load(),
		RowsReturned:    r.rows.Load(),
		Errors:          r.errors.Load(),
	}
}
