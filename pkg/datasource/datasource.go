// Package datasource executes read-only queries against the relational
// database questions are answered from.
package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/querydesk/pkg/models"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("datasource closed")

// ErrReadOnly marks a query rejected by the write denylist.
var ErrReadOnly = errors.New("read-only mode enforced")

// ForbiddenKeywords may not appear as whole words in an executed query.
var ForbiddenKeywords = []string{"DROP", "DELETE", "INSERT", "UPDATE", "ALTER", "TRUNCATE", "CREATE"}

var forbidden = regexp.MustCompile(`(?i)\b(` + strings.Join(ForbiddenKeywords, "|") + `)\b`)

// SafetyError reports the denylisted keyword that rejected a query.
type SafetyError struct {
	Keyword string
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("SecurityError: Query contains forbidden keyword '%s'. Read-only mode enforced.", e.Keyword)
}

func (e *SafetyError) Unwrap() error { return ErrReadOnly }

// CheckReadOnly returns a *SafetyError if query contains a denylisted keyword.
func CheckReadOnly(query string) error {
	if m := forbidden.FindString(query); m != "" {
		return &SafetyError{Keyword: strings.ToUpper(m)}
	}
	return nil
}

const pingTimeout = 5 * time.Second

// DB is a swappable handle on the current data source.
type DB struct {
	mu      sync.RWMutex
	db      *sql.DB
	driver  string
	version uint64
	hooks   []func()

	schemaMu      sync.Mutex
	schema        string
	schemaVersion uint64
	schemaOK      bool
	schemaGroup   singleflight.Group
}

// Open connects to the data source and verifies it answers.
func Open(driver, dsn string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	db, err := open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: db, driver: driver}, nil
}

func open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	var sqlDriver string
	switch driver {
	case "sqlite", "":
		driver, sqlDriver = "sqlite", "sqlite"
	case "postgres":
		sqlDriver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open datasource: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping datasource: %w", err)
	}
	return db, nil
}

// Driver returns the configured driver name.
func (d *DB) Driver() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.driver
}

// Dialect returns the SQL dialect name used in prompts.
func (d *DB) Dialect() string {
	if d.Driver() == "postgres" {
		return "PostgreSQL"
	}
	return "SQLite"
}

// OnSwap registers fn to run after every successful Swap.
func (d *DB) OnSwap(fn func()) {
	d.mu.Lock()
	d.hooks = append(d.hooks, fn)
	d.mu.Unlock()
}

// Swap replaces the data source. The old connection is closed once
// in-flight queries finish, then every OnSwap hook runs.
func (d *DB) Swap(ctx context.Context, driver, dsn string) error {
	if driver == "" {
		driver = "sqlite"
	}
	next, err := open(ctx, driver, dsn)
	if err != nil {
		return err
	}

	d.mu.Lock()
	old := d.db
	d.db = next
	d.driver = driver
	d.version++
	hooks := append([]func(){}, d.hooks...)
	d.mu.Unlock()

	if old != nil {
		old.Close()
	}
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Execute runs a read-only query and returns its columns and rows. Floats
// are rounded to two decimals and byte slices become strings.
func (d *DB) Execute(ctx context.Context, query string) (*models.ResultSet, error) {
	if err := CheckReadOnly(query); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrClosed
	}

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	out := &models.ResultSet{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		out.Rows = append(out.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case float64:
		return math.Round(x*100) / 100
	case float32:
		return math.Round(float64(x)*100) / 100
	case []byte:
		return string(x)
	default:
		return v
	}
}

// HealthCheck verifies the data source answers a trivial query.
func (d *DB) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// Close releases the current connection.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
