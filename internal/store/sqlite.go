package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/magi/internal/domain"
	"github.com/ashureev/magi/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	retention int
	writeMu   sync.Mutex // serializes append+evict to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository keeping at most retention entries.
func NewSQLite(dbPath string, retention int) (*SQLiteStore, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("store: create database directory: %w", err)
	}

	// WAL mode for better concurrency between the HTTP readers and the writer.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retention: retention}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS history_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		topic TEXT NOT NULL,
		result TEXT NOT NULL,
		logs_json TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendHistory stores an entry and evicts everything beyond the retention cap.
// Eviction is by insertion sequence, never by entry timestamp.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry domain.HistoryEntry) error {
	logs := entry.Logs
	if logs == nil {
		logs = []domain.LogRecord{}
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("store: marshal logs: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, func() error {
		return s.appendOnce(ctx, entry, string(logsJSON))
	})
	if err != nil {
		return fmt.Errorf("store: append history %s: %w", entry.ID, err)
	}
	return nil
}

func (s *SQLiteStore) appendOnce(ctx context.Context, entry domain.HistoryEntry, logsJSON string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("history append rollback failed", "error", rbErr)
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO history_entries (id, created_at, topic, result, logs_json) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UnixMilli(), entry.Topic, entry.Result, logsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM history_entries
		WHERE seq NOT IN (SELECT seq FROM history_entries ORDER BY seq DESC LIMIT ?)`,
		s.retention,
	)
	if err != nil {
		return fmt.Errorf("evict entries: %w", err)
	}
	if evicted, err := res.RowsAffected(); err == nil && evicted > 0 {
		slog.Debug("History entries evicted", "count", evicted, "retention", s.retention)
	}

	return tx.Commit()
}

// ListHistory returns up to limit entries, newest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	query := `
		SELECT id, created_at, topic, result, logs_json
		FROM history_entries ORDER BY seq DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	entries := []domain.HistoryEntry{}
	for rows.Next() {
		var entry domain.HistoryEntry
		var createdAt int64
		var logsJSON string
		if err := rows.Scan(&entry.ID, &createdAt, &entry.Topic, &entry.Result, &logsJSON); err != nil {
			return nil, fmt.Errorf("store: scan history row: %w", err)
		}
		entry.Timestamp = time.UnixMilli(createdAt).UTC()
		if err := json.Unmarshal([]byte(logsJSON), &entry.Logs); err != nil {
			return nil, fmt.Errorf("store: decode logs for %s: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate history: %w", err)
	}

	return entries, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close database: %w", err)
	}
	return nil
}
