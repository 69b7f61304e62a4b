package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	sampleRows     = 2
	sampleValueMax = 30
)

// Schema describes every table with its columns and a few sample rows.
// The description is computed once per data source and reused until the
// next Swap.
func (d *DB) Schema(ctx context.Context) (string, error) {
	d.mu.RLock()
	version := d.version
	d.mu.RUnlock()

	d.schemaMu.Lock()
	if d.schemaOK && d.schemaVersion == version {
		s := d.schema
		d.schemaMu.Unlock()
		return s, nil
	}
	d.schemaMu.Unlock()

	v, err, _ := d.schemaGroup.Do(fmt.Sprint(version), func() (any, error) {
		return d.describe(ctx)
	})
	if err != nil {
		return "", err
	}
	summary := v.(string)

	d.schemaMu.Lock()
	d.mu.RLock()
	if d.version == version {
		d.schema, d.schemaVersion, d.schemaOK = summary, version, true
	}
	d.mu.RUnlock()
	d.schemaMu.Unlock()
	return summary, nil
}

func (d *DB) describe(ctx context.Context) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return "", ErrClosed
	}

	tables, err := d.tables(ctx)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}

	var parts []string
	for _, table := range tables {
		cols, err := d.columns(ctx, table)
		if err != nil {
			return "", fmt.Errorf("describe %s: %w", table, err)
		}
		parts = append(parts, "Table: "+table, "Columns: "+strings.Join(cols, ", "))
		parts = append(parts, d.samples(ctx, table)...)
		parts = append(parts, "")
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

func (d *DB) tables(ctx context.Context) ([]string, error) {
	q := `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	if d.driver == "postgres" {
		q = `SELECT table_name FROM information_schema.tables
		     WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`
	}
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (d *DB) columns(ctx context.Context, table string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if d.driver == "postgres" {
		rows, err = d.db.QueryContext(ctx, `SELECT column_name, data_type FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 ORDER BY ordinal_position`, table)
	} else {
		rows, err = d.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, table)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		cols = append(cols, fmt.Sprintf("%s (%s)", name, typ))
	}
	return cols, rows.Err()
}

func (d *DB) samples(ctx context.Context, table string) []string {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(table), sampleRows))
	if err != nil {
		return []string{fmt.Sprintf("Sample Data: Unable to fetch (%s)", truncate(err.Error(), 50))}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil
	}
	var lines []string
	for i := 1; rows.Next(); i++ {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for j := range vals {
			ptrs[j] = &vals[j]
		}
		if err := rows.Scan(ptrs...); err != nil {
			break
		}
		formatted := make([]string, len(vals))
		for j, v := range vals {
			formatted[j] = formatSample(v)
		}
		lines = append(lines, fmt.Sprintf("  Row %d: (%s)", i, strings.Join(formatted, ", ")))
	}
	if len(lines) == 0 {
		return nil
	}
	return append([]string{"Sample Data:"}, lines...)
}

func formatSample(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return formatSample(string(x))
	case string:
		if len([]rune(x)) > sampleValueMax {
			return "'" + string([]rune(x)[:sampleValueMax]) + "...'"
		}
		return "'" + x + "'"
	default:
		return fmt.Sprint(normalize(x))
	}
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
