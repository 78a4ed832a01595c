// Package history persists search outcomes and session lifecycle events to
// a local sqlite database.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/calibern/screenmatch/internal/finder"
)

const schema = `
CREATE TABLE IF NOT EXISTS search_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	template_key TEXT NOT NULL,
	found INTEGER NOT NULL,
	score REAL NOT NULL,
	scale REAL NOT NULL,
	duration_ms INTEGER NOT NULL,
	cached INTEGER NOT NULL,
	searched_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_search_log_template ON search_log(template_key);

CREATE TABLE IF NOT EXISTS session_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	event TEXT NOT NULL,
	detail TEXT,
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_log_session ON session_log(session_id);
`

// DB is the history database
type DB struct {
	conn *sql.DB
}

// Open creates or opens the history database at path and applies the schema
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// RecordSearch persists one search outcome. Implements finder.Recorder.
func (db *DB) RecordSearch(rec finder.SearchRecord) error {
	_, err := db.conn.Exec(`
		INSERT INTO search_log (template_key, found, score, scale, duration_ms, cached, searched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.TemplateKey, rec.Found, rec.Score, rec.Scale, rec.Duration.Milliseconds(), rec.Cached, rec.At)
	if err != nil {
		return fmt.Errorf("failed to insert search log: %w", err)
	}
	return nil
}

// RecordSessionEvent persists one session lifecycle event
func (db *DB) RecordSessionEvent(sessionID, event, detail string) error {
	_, err := db.conn.Exec(`
		INSERT INTO session_log (session_id, event, detail, occurred_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, event, detail, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert session log: %w", err)
	}
	return nil
}

// SearchStats summarizes history for one template
type SearchStats struct {
	TemplateKey string
	Searches    int
	Hits        int
	AvgScore    float64
	AvgDuration time.Duration
}

// StatsForTemplate aggregates recorded searches for a template key
func (db *DB) StatsForTemplate(templateKey string) (SearchStats, error) {
	stats := SearchStats{TemplateKey: templateKey}

	var avgScore, avgDurationMs sql.NullFloat64
	err := db.conn.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(found), 0),
		       AVG(score),
		       AVG(duration_ms)
		FROM search_log
		WHERE template_key = ?
	`, templateKey).Scan(&stats.Searches, &stats.Hits, &avgScore, &avgDurationMs)
	if err != nil {
		return stats, fmt.Errorf("failed to query search stats: %w", err)
	}

	if avgScore.Valid {
		stats.AvgScore = avgScore.Float64
	}
	if avgDurationMs.Valid {
		stats.AvgDuration = time.Duration(avgDurationMs.Float64) * time.Millisecond
	}
	return stats, nil
}

// RecentSearches returns the most recent search records, newest first
func (db *DB) RecentSearches(limit int) ([]finder.SearchRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.Query(`
		SELECT template_key, found, score, scale, duration_ms, cached, searched_at
		FROM search_log
		ORDER BY searched_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []finder.SearchRecord
	for rows.Next() {
		var rec finder.SearchRecord
		var durationMs int64
		if err := rows.Scan(&rec.TemplateKey, &rec.Found, &rec.Score, &rec.Scale, &durationMs, &rec.Cached, &rec.At); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PruneBefore deletes search and session records older than the cutoff
func (db *DB) PruneBefore(cutoff time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM search_log WHERE searched_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	searches, _ := result.RowsAffected()

	result, err = db.conn.Exec(`DELETE FROM session_log WHERE occurred_at < ?`, cutoff)
	if err != nil {
		return searches, err
	}
	sessions, _ := result.RowsAffected()
	return searches + sessions, nil
}
