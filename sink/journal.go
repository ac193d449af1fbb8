package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shijie-nv/houseagent/message"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal stores every response in a local SQLite database.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, logger: logger}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS responses (
		id            TEXT PRIMARY KEY,
		bundle_id     TEXT,
		model         TEXT,
		text          TEXT NOT NULL,
		window_start  TEXT,
		window_end    TEXT,
		generated_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_responses_generated ON responses(generated_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Emit inserts resp. Re-emitting the same response ID is ignored.
func (j *Journal) Emit(ctx context.Context, resp message.Response) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO responses (id, bundle_id, model, text, window_start, window_end, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		resp.ID, resp.BundleID, resp.Model, resp.Text,
		formatTime(resp.WindowStart), formatTime(resp.WindowEnd), formatTime(resp.GeneratedAt),
	)
	if err != nil {
		return fmt.Errorf("insert response %s: %w", resp.ID, err)
	}
	return nil
}

// Recent returns up to limit responses, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]message.Response, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, bundle_id, model, text, window_start, window_end, generated_at
		 FROM responses ORDER BY generated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	var out []message.Response
	for rows.Next() {
		var (
			r                 message.Response
			bundleID, model   sql.NullString
			start, end, genAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &bundleID, &model, &r.Text, &start, &end, &genAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		r.BundleID = bundleID.String
		r.Model = model.String
		r.WindowStart = parseTime(start.String)
		r.WindowEnd = parseTime(end.String)
		r.GeneratedAt = parseTime(genAt.String)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
