package repository

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/feed"
	"github.com/xtxerr/cistern/internal/storage/types"
)

var _ feed.Source = (*DB)(nil)

// maxRowsPerInsert bounds the rows in one multi-row INSERT.
const maxRowsPerInsert = 100

// Insert stores rows of topic. Rows that do not decode are skipped and
// counted in the returned malformed slice; rows whose id already exists are
// ignored. Returns the number of rows handed to the database.
func (d *DB) Insert(ctx context.Context, topic string, rows []types.Row) (int, []error, error) {
	if err := d.checkOpen(); err != nil {
		return 0, nil, err
	}
	t, err := tableFor(topic)
	if err != nil {
		return 0, nil, err
	}

	var (
		values    [][]any
		malformed []error
	)
	for _, row := range rows {
		v, err := t.values(topic, row)
		if err != nil {
			malformed = append(malformed, err)
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return 0, malformed, nil
	}

	ctx, cancel := d.queryContext(ctx)
	defer cancel()

	if len(values) <= maxRowsPerInsert {
		query, args := buildMultiRowInsert(t, values)
		if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
			d.errors.Add(1)
			return 0, malformed, fmt.Errorf("insert %s: %w", topic, err)
		}
	} else {
		err = d.TransactionContext(ctx, func(tx *sql.Tx) error {
			for i := 0; i < len(values); i += maxRowsPerInsert {
				end := min(i+maxRowsPerInsert, len(values))
				query, args := buildMultiRowInsert(t, values[i:end])
				if _, err := tx.ExecContext(ctx, query, args...); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			d.errors.Add(1)
			return 0, malformed, fmt.Errorf("insert %s: %w", topic, err)
		}
	}

	d.inserts.Add(int64(len(values)))
	return len(values), malformed, nil
}

func buildMultiRowInsert(t table, values [][]any) (string, []any) {
	columns := append([]string{"id", "timestamp_ms"}, t.fields...)
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"

	args := make([]any, 0, len(values)*len(columns))

	var query strings.Builder
	query.Grow(64 + len(values)*len(placeholder))
	fmt.Fprintf(&query, "INSERT INTO %s (%s) VALUES ", t.name, strings.Join(columns, ", "))

	for i, v := range values {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString(placeholder)
		args = append(args, v...)
	}
	query.WriteString(" ON CONFLICT DO NOTHING")

	return query.String(), args
}

// FetchLatest returns the limit most recent rows of topic, newest first.
func (d *DB) FetchLatest(ctx context.Context, topic string, limit int) ([]types.Row, error) {
	t, err := tableFor(topic)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY timestamp_ms DESC, inserted_at DESC, id DESC LIMIT ?`,
		selectList(t), t.name)
	return d.query(ctx, query, limit)
}

// History returns the rows of topic with a timestamp in [from, to], oldest
// first. A zero limit returns every matching row.
func (d *DB) History(ctx context.Context, topic string, from, to time.Time, limit int) ([]types.Row, error) {
	t, err := tableFor(topic)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE timestamp_ms >= ? AND timestamp_ms <= ? ORDER BY timestamp_ms, id`,
		selectList(t), t.name)
	args := []any{from.UnixMilli(), to.UnixMilli()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return d.query(ctx, query, args...)
}

// ArchiveHistory reads rows of topic from the Parquet files under dir, as
// written by the archive package, with a timestamp in [from, to]. An id
// exported more than once is read from its most recent file. A missing or
// empty archive yields no rows.
func (d *DB) ArchiveHistory(ctx context.Context, dir, topic string, from, to time.Time) ([]types.Row, error) {
	t, err := tableFor(topic)
	if err != nil {
		return nil, err
	}

	pattern := filepath.Join(dir, topic, "*.parquet")
	if matches, _ := filepath.Glob(pattern); len(matches) == 0 {
		return nil, nil
	}

	cols := append([]string{constants.FieldID, constants.FieldTimestamp}, t.fields...)
	for i, c := range cols {
		cols[i] = quote(c)
	}
	ts, id := quote(constants.FieldTimestamp), quote(constants.FieldID)
	// Files are named after their export time; the latest export of an id wins.
	query := fmt.Sprintf(`SELECT %s FROM read_parquet(?, filename = true) WHERE %s >= ? AND %s <= ?
		QUALIFY row_number() OVER (
			PARTITION BY %s
			ORDER BY TRY_CAST(regexp_extract(filename, '-([0-9]+)\.parquet$', 1) AS BIGINT) DESC NULLS LAST, filename DESC
		) = 1
		ORDER BY %s, %s`,
		strings.Join(cols, ", "), ts, ts, id, ts, id)
	return d.query(ctx, query, pattern, from.UnixMilli(), to.UnixMilli())
}

// Count returns the number of stored rows of topic.
func (d *DB) Count(ctx context.Context, topic string) (int64, error) {
	t, err := tableFor(topic)
	if err != nil {
		return 0, err
	}
	if err := d.checkOpen(); err != nil {
		return 0, err
	}

	ctx, cancel := d.queryContext(ctx)
	defer cancel()

	var n int64
	if err := d.db.QueryRowContext(ctx, "SELECT count(*) FROM "+t.name).Scan(&n); err != nil {
		d.errors.Add(1)
		return 0, fmt.Errorf("count %s: %w", topic, err)
	}
	return n, nil
}

func selectList(t table) string {
	cols := []string{"id", "timestamp_ms AS " + quote(constants.FieldTimestamp)}
	return strings.Join(append(cols, t.fields...), ", ")
}

func quote(ident string) string {
	return `"` + ident + `"`
}

func (d *DB) query(ctx context.Context, query string, args ...any) ([]types.Row, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	ctx, cancel := d.queryContext(ctx)
	defer cancel()

	d.queries.Add(1)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		d.errors.Add(1)
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		d.errors.Add(1)
		return nil, err
	}
	return out, nil
}

// scanRows reads every row into a column-keyed map. NULL columns are left
// out of the row.
func scanRows(rows *sql.Rows) ([]types.Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []types.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(types.Row, len(columns))
		for i, col := range columns {
			if values[i] != nil {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
