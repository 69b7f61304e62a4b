// Package audit keeps a queryable history of resolved questions.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/querydesk/pkg/config"
	"github.com/pario-ai/querydesk/pkg/models"
)

// Logger writes and queries history entries in a dedicated SQLite database.
type Logger struct {
	db   *sql.DB
	cfg  config.AuditConfig
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New opens the history database and creates the schema.
func New(cfg config.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	l.wg.Add(1)
	go l.retentionLoop()

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS query_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id  TEXT NOT NULL,
		question    TEXT NOT NULL,
		status      TEXT NOT NULL,
		model       TEXT,
		attempts    INTEGER NOT NULL DEFAULT 0,
		final_query TEXT,
		error       TEXT,
		row_count   INTEGER NOT NULL DEFAULT 0,
		cached      INTEGER NOT NULL DEFAULT 0,
		latency_ms  INTEGER NOT NULL DEFAULT 0,
		steps_json  TEXT,
		created_at  DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_query_log_request ON query_log(request_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_query_log_created ON query_log(created_at)`)
	return err
}

// FromEnvelope builds a history entry for a finished resolution.
func FromEnvelope(requestID string, env *models.Envelope, latency time.Duration) models.HistoryEntry {
	steps, _ := json.Marshal(env.Steps)
	entry := models.HistoryEntry{
		RequestID:  requestID,
		Question:   env.Question,
		Status:     env.Status,
		Model:      env.Model,
		Attempts:   len(env.Steps),
		FinalQuery: env.Query(),
		Error:      env.Err(),
		Cached:     env.Cached,
		LatencyMs:  latency.Milliseconds(),
		StepsJSON:  string(steps),
		CreatedAt:  time.Now().UTC(),
	}
	if env.Result != nil {
		entry.RowCount = len(env.Result.Rows)
	}
	return entry
}

// Log inserts a history entry.
func (l *Logger) Log(ctx context.Context, entry models.HistoryEntry) error {
	if l == nil || l.db == nil {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO query_log
		(request_id, question, status, model, attempts, final_query, error,
		 row_count, cached, latency_ms, steps_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.Question, string(entry.Status), string(entry.Model),
		entry.Attempts, entry.FinalQuery, entry.Error,
		entry.RowCount, entry.Cached, entry.LatencyMs, entry.StepsJSON,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("log history: %w", err)
	}
	return nil
}

// Query returns history entries matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.HistoryQueryOpts) ([]models.HistoryEntry, error) {
	q := `SELECT id, request_id, question, status, model, attempts, final_query, error,
		row_count, cached, latency_ms, steps_json, created_at
		FROM query_log WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.Status != "" {
		q += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	if opts.Question != "" {
		q += " AND question LIKE ?"
		args = append(args, "%"+opts.Question+"%")
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var status string
		var model, finalQuery, errText, steps sql.NullString
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.Question, &status, &model, &e.Attempts,
			&finalQuery, &errText, &e.RowCount, &e.Cached, &e.LatencyMs,
			&steps, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Status = models.Status(status)
		e.Model = models.Tier(model.String)
		e.FinalQuery = finalQuery.String
		e.Error = errText.String
		e.StepsJSON = steps.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns request counts grouped by day and status.
func (l *Logger) Stats(ctx context.Context) ([]models.HistoryStats, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT date(created_at) AS day, status, count(*), CAST(avg(latency_ms) AS INTEGER), sum(cached)
		 FROM query_log GROUP BY day, status ORDER BY day DESC, status`)
	if err != nil {
		return nil, fmt.Errorf("history stats: %w", err)
	}
	defer rows.Close()

	var stats []models.HistoryStats
	for rows.Next() {
		var s models.HistoryStats
		var day sql.NullString
		var status string
		if err := rows.Scan(&day, &status, &s.Count, &s.AvgMs, &s.Cached); err != nil {
			return nil, fmt.Errorf("scan history stat: %w", err)
		}
		s.Day = day.String
		s.Status = models.Status(status)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM query_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}
