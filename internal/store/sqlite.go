// Package store provides storage backends for FurnitureDate.
//
// This file implements an SQLite-backed store for session logs and preferences.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/FurnitureDate/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AppendLog(entry models.SessionLog) error {
	turns, err := encodeTurns(entry.Turns)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO session_logs (id, session_id, item_id, round, turns, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.ItemID, entry.Round, turns, entry.CreatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore AppendLog failed", "error", err, "session", entry.SessionID, "round", entry.Round)
		return fmt.Errorf("failed to insert session log for %s: %w", entry.SessionID, err)
	}
	slog.Debug("SQLiteStore AppendLog succeeded", "session", entry.SessionID, "round", entry.Round, "turns", len(entry.Turns))
	return nil
}

func (s *SQLiteStore) GetLogs(sessionID string) ([]models.SessionLog, error) {
	query := `SELECT id, session_id, item_id, round, turns, created_at FROM session_logs`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at, round`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore GetLogs query failed", "error", err)
		return nil, fmt.Errorf("failed to query session logs: %w", err)
	}
	logs, err := collectLogs(rows)
	if err != nil {
		slog.Error("SQLiteStore GetLogs scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore GetLogs succeeded", "count", len(logs), "session", sessionID)
	return logs, nil
}

func (s *SQLiteStore) PruneLogs(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM session_logs WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		slog.Error("SQLiteStore PruneLogs failed", "error", err)
		return 0, fmt.Errorf("failed to prune session logs: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore PruneLogs succeeded", "removed", n)
	return n, nil
}

func (s *SQLiteStore) SavePreferences(visitorID string, prefs models.Preferences) error {
	if visitorID == "" {
		return ErrEmptyVisitorID
	}
	if err := prefs.Validate(); err != nil {
		return err
	}
	ids, err := encodeItemIDs(prefs.ItemIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO preferences (visitor_id, rounds, period, item_ids, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(visitor_id) DO UPDATE SET rounds = excluded.rounds, period = excluded.period, item_ids = excluded.item_ids, updated_at = excluded.updated_at`,
		visitorID, prefs.Rounds, prefs.Period, ids, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore SavePreferences failed", "error", err, "visitor", visitorID)
		return fmt.Errorf("failed to save preferences for %s: %w", visitorID, err)
	}
	slog.Debug("SQLiteStore SavePreferences succeeded", "visitor", visitorID)
	return nil
}

func (s *SQLiteStore) GetPreferences(visitorID string) (models.Preferences, bool, error) {
	if visitorID == "" {
		return models.Preferences{}, false, ErrEmptyVisitorID
	}
	row := s.db.QueryRow(`SELECT rounds, period, item_ids FROM preferences WHERE visitor_id = ?`, visitorID)
	prefs, err := scanPreferences(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Preferences{}, false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPreferences failed", "error", err, "visitor", visitorID)
		return models.Preferences{}, false, fmt.Errorf("failed to load preferences for %s: %w", visitorID, err)
	}
	return prefs, true, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
