package datasource

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

const fixture = `
CREATE TABLE artists (ArtistId INTEGER PRIMARY KEY, Name TEXT);
CREATE TABLE invoices (InvoiceId INTEGER PRIMARY KEY, Total REAL, Note BLOB);
INSERT INTO artists VALUES (1, 'AC/DC'), (2, 'Accept'), (3, 'A name that is definitely longer than thirty characters');
INSERT INTO invoices VALUES (1, 1.98765, 'paid'), (2, 13.861, NULL);
`

func newFixtureDB(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	if _, err := raw.Exec(fixture); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("sqlite", newFixtureDB(t, "chinook.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestExecute(t *testing.T) {
	db := newTestDB(t)
	rs, err := db.Execute(context.Background(), "SELECT ArtistId, Name FROM artists ORDER BY ArtistId")
	if err != nil {
		t.Fatal(err)
	}
	if len(rs.Columns) != 2 || rs.Columns[0] != "ArtistId" || rs.Columns[1] != "Name" {
		t.Errorf("unexpected columns: %v", rs.Columns)
	}
	if len(rs.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rs.Rows))
	}
	if rs.Rows[0][1] != "AC/DC" {
		t.Errorf("expected AC/DC, got %v", rs.Rows[0][1])
	}
}

func TestExecuteRoundsFloatsAndDecodesBytes(t *testing.T) {
	db := newTestDB(t)
	rs, err := db.Execute(context.Background(), "SELECT Total, Note FROM invoices ORDER BY InvoiceId")
	if err != nil {
		t.Fatal(err)
	}
	if rs.Rows[0][0] != 1.99 {
		t.Errorf("expected 1.99, got %v", rs.Rows[0][0])
	}
	if rs.Rows[1][0] != 13.86 {
		t.Errorf("expected 13.86, got %v", rs.Rows[1][0])
	}
	if rs.Rows[0][1] != "paid" {
		t.Errorf("expected blob decoded to string, got %#v", rs.Rows[0][1])
	}
	if rs.Rows[1][1] != nil {
		t.Errorf("expected NULL, got %#v", rs.Rows[1][1])
	}
}

func TestExecuteEmptyResult(t *testing.T) {
	db := newTestDB(t)
	rs, err := db.Execute(context.Background(), "SELECT Name FROM artists WHERE ArtistId > 100")
	if err != nil {
		t.Fatal(err)
	}
	if rs == nil || len(rs.Rows) != 0 {
		t.Errorf("expected empty non-nil result, got %+v", rs)
	}
}

func TestExecuteRejectsWrites(t *testing.T) {
	db := newTestDB(t)
	for _, q := range []string{
		"DROP TABLE artists",
		"delete from artists",
		"SELECT 1; insert into artists values (9, 'x')",
	} {
		_, err := db.Execute(context.Background(), q)
		if !errors.Is(err, ErrReadOnly) {
			t.Errorf("%q: expected ErrReadOnly, got %v", q, err)
		}
		var se *SafetyError
		if !errors.As(err, &se) || !strings.Contains(err.Error(), "forbidden keyword") {
			t.Errorf("%q: expected SafetyError, got %v", q, err)
		}
	}

	rs, err := db.Execute(context.Background(), "SELECT Name AS created_by FROM artists WHERE Name = 'Accept'")
	if err != nil {
		t.Fatalf("expected whole-word match only, got %v", err)
	}
	if len(rs.Rows) != 1 {
		t.Errorf("expected 1 row, got %d", len(rs.Rows))
	}
}

func TestExecuteSyntaxError(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Execute(context.Background(), "SELECT nope FROM artists"); err == nil {
		t.Fatal("expected error for unknown column")
	}
}

func TestSchema(t *testing.T) {
	db := newTestDB(t)
	s, err := db.Schema(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"Table: artists",
		"Columns: ArtistId (INTEGER), Name (TEXT)",
		"Sample Data:",
		"  Row 1: (1, 'AC/DC')",
		"  Row 2: (2, 'Accept')",
		"Table: invoices",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("schema missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "Row 3") {
		t.Error("expected at most two sample rows")
	}
}

func TestSchemaMemoizedUntilSwap(t *testing.T) {
	db := newTestDB(t)
	first, err := db.Schema(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	other := filepath.Join(t.TempDir(), "other.db")
	raw, err := sql.Open("sqlite", other)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Exec(`CREATE TABLE genres (GenreId INTEGER, Name TEXT)`); err != nil {
		t.Fatal(err)
	}
	raw.Close()

	var fired atomic.Int32
	db.OnSwap(func() { fired.Add(1) })
	if err := db.Swap(context.Background(), "sqlite", other); err != nil {
		t.Fatal(err)
	}
	if fired.Load() != 1 {
		t.Errorf("expected swap hook to fire once, got %d", fired.Load())
	}

	second, err := db.Schema(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second == first || !strings.Contains(second, "Table: genres") {
		t.Errorf("expected schema of the new data source, got:\n%s", second)
	}
}

func TestSwapFailureKeepsCurrent(t *testing.T) {
	db := newTestDB(t)
	var fired atomic.Int32
	db.OnSwap(func() { fired.Add(1) })

	if err := db.Swap(context.Background(), "mysql", "whatever"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if fired.Load() != 0 {
		t.Error("hooks must not fire on failed swap")
	}
	if err := db.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected current data source still healthy, got %v", err)
	}
}

func TestFormatSampleTruncates(t *testing.T) {
	got := formatSample("A name that is definitely longer than thirty characters")
	if got != "'A name that is definitely long...'" {
		t.Errorf("unexpected truncation: %s", got)
	}
	if formatSample(nil) != "NULL" {
		t.Error("expected NULL for nil")
	}
}

func TestDialect(t *testing.T) {
	db := newTestDB(t)
	if db.Dialect() != "SQLite" {
		t.Errorf("expected SQLite, got %s", db.Dialect())
	}
}
