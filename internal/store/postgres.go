// Package store provides storage backends for FurnitureDate.
//
// This file implements a PostgreSQL-backed store for session logs and preferences.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/FurnitureDate/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AppendLog(entry models.SessionLog) error {
	turns, err := encodeTurns(entry.Turns)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO session_logs (id, session_id, item_id, round, turns, created_at) VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		entry.ID, entry.SessionID, entry.ItemID, entry.Round, turns, entry.CreatedAt.UTC())
	if err != nil {
		slog.Error("PostgresStore AppendLog failed", "error", err, "session", entry.SessionID, "round", entry.Round)
		return fmt.Errorf("failed to insert session log for %s: %w", entry.SessionID, err)
	}
	slog.Debug("PostgresStore AppendLog succeeded", "session", entry.SessionID, "round", entry.Round)
	return nil
}

func (s *PostgresStore) GetLogs(sessionID string) ([]models.SessionLog, error) {
	query := `SELECT id, session_id, item_id, round, turns::text, created_at FROM session_logs`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = $1`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at, round`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore GetLogs query failed", "error", err)
		return nil, fmt.Errorf("failed to query session logs: %w", err)
	}
	logs, err := collectLogs(rows)
	if err != nil {
		slog.Error("PostgresStore GetLogs scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore GetLogs succeeded", "count", len(logs), "session", sessionID)
	return logs, nil
}

func (s *PostgresStore) PruneLogs(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM session_logs WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		slog.Error("PostgresStore PruneLogs failed", "error", err)
		return 0, fmt.Errorf("failed to prune session logs: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("PostgresStore PruneLogs succeeded", "removed", n)
	return n, nil
}

func (s *PostgresStore) SavePreferences(visitorID string, prefs models.Preferences) error {
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
	_, err = s.db.Exec(`INSERT INTO preferences (visitor_id, rounds, period, item_ids, updated_at) VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (visitor_id) DO UPDATE SET rounds = EXCLUDED.rounds, period = EXCLUDED.period, item_ids = EXCLUDED.item_ids, updated_at = EXCLUDED.updated_at`,
		visitorID, prefs.Rounds, prefs.Period, ids, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore SavePreferences failed", "error", err, "visitor", visitorID)
		return fmt.Errorf("failed to save preferences for %s: %w", visitorID, err)
	}
	slog.Debug("PostgresStore SavePreferences succeeded", "visitor", visitorID)
	return nil
}

func (s *PostgresStore) GetPreferences(visitorID string) (models.Preferences, bool, error) {
	if visitorID == "" {
		return models.Preferences{}, false, ErrEmptyVisitorID
	}
	row := s.db.QueryRow(`SELECT rounds, period, item_ids::text FROM preferences WHERE visitor_id = $1`, visitorID)
	prefs, err := scanPreferences(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Preferences{}, false, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPreferences failed", "error", err, "visitor", visitorID)
		return models.Preferences{}, false, fmt.Errorf("failed to load preferences for %s: %w", visitorID, err)
	}
	return prefs, true, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
