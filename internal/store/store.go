// Package store provides storage backends for FurnitureDate.
//
// It keeps the per-round session logs and the visitors' saved preferences, either in
// memory or in SQLite / PostgreSQL.
package store

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FurnitureDate/internal/models"
)

// ErrEmptyVisitorID is returned when preferences are addressed without a visitor id.
var ErrEmptyVisitorID = errors.New("visitor id cannot be empty")

// Store is the persistence interface shared by every backend.
type Store interface {
	AppendLog(entry models.SessionLog) error
	// GetLogs returns logs ordered by creation time. An empty sessionID returns all logs.
	GetLogs(sessionID string) ([]models.SessionLog, error)
	// PruneLogs deletes logs created before cutoff and reports how many were removed.
	PruneLogs(cutoff time.Time) (int64, error)
	SavePreferences(visitorID string, prefs models.Preferences) error
	// GetPreferences reports false when the visitor has never saved preferences.
	GetPreferences(visitorID string) (models.Preferences, bool, error)
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname="):
		return "postgres"
	default:
		return "sqlite3"
	}
}

// InMemoryStore keeps everything in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	logs  []models.SessionLog
	prefs map[string]models.Preferences
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{prefs: make(map[string]models.Preferences)}
}

func (s *InMemoryStore) AppendLog(entry models.SessionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Turns = append([]models.Turn(nil), entry.Turns...)
	s.logs = append(s.logs, entry)
	slog.Debug("InMemoryStore AppendLog succeeded", "session", entry.SessionID, "round", entry.Round)
	return nil
}

func (s *InMemoryStore) GetLogs(sessionID string) ([]models.SessionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SessionLog
	for _, entry := range s.logs {
		if sessionID == "" || entry.SessionID == sessionID {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) PruneLogs(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var removed int64
	for _, entry := range s.logs {
		if entry.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	s.logs = kept
	return removed, nil
}

func (s *InMemoryStore) SavePreferences(visitorID string, prefs models.Preferences) error {
	if visitorID == "" {
		return ErrEmptyVisitorID
	}
	if err := prefs.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs.ItemIDs = append([]string(nil), prefs.ItemIDs...)
	s.prefs[visitorID] = prefs
	return nil
}

func (s *InMemoryStore) GetPreferences(visitorID string) (models.Preferences, bool, error) {
	if visitorID == "" {
		return models.Preferences{}, false, ErrEmptyVisitorID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefs, ok := s.prefs[visitorID]
	return prefs, ok, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
