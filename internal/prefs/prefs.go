// Package prefs persists the user's sticky choices (last used project and
// environment) in SQLite, so imports without an explicit target land where
// the previous one did.
package prefs

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/achilleshq/sentinel/internal/logging"
)

//go:embed schema.sql
var schemaFS embed.FS

const (
	keyLastProjectID = "last_project_id"
	keyLastEnv       = "last_env"
)

// Prefs are the user's sticky choices. Zero values mean "never chosen".
type Prefs struct {
	LastProjectID string `json:"last_project_id,omitempty"`
	LastEnv       string `json:"last_env,omitempty"`
}

// Store reads and writes preferences.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// NewStore runs the schema against db and returns a store. db is typically
// the SQLite file at the agent's data dir.
func NewStore(db *sql.DB, logger logging.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("prefs: db is nil")
	}
	if logger == nil {
		logger = logging.NewStdoutLogger("prefs")
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("prefs: reading schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return nil, fmt.Errorf("prefs: applying schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With(logging.Field{Key: "component", Value: "prefs"}),
	}, nil
}

// Open opens (or creates) the SQLite prefs database at path.
func Open(path string, logger logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("prefs: opening %s: %w", path, err)
	}
	s, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Get returns the current preferences. Missing keys come back zero.
func (s *Store) Get(ctx context.Context) (Prefs, error) {
	var p Prefs
	var err error
	if p.LastProjectID, err = s.get(ctx, keyLastProjectID); err != nil {
		return Prefs{}, err
	}
	if p.LastEnv, err = s.get(ctx, keyLastEnv); err != nil {
		return Prefs{}, err
	}
	return p, nil
}

// Set overwrites the preferences. Empty fields clear the stored value.
func (s *Store) Set(ctx context.Context, p Prefs) error {
	if err := s.set(ctx, keyLastProjectID, p.LastProjectID); err != nil {
		return err
	}
	if err := s.set(ctx, keyLastEnv, p.LastEnv); err != nil {
		return err
	}
	s.logger.Debug("prefs updated",
		logging.Field{Key: "last_project_id", Value: p.LastProjectID},
		logging.Field{Key: "last_env", Value: p.LastEnv})
	return nil
}

// SetLastUsed records the target of a successful import.
func (s *Store) SetLastUsed(ctx context.Context, projectID, env string) error {
	if err := s.set(ctx, keyLastProjectID, projectID); err != nil {
		return err
	}
	return s.set(ctx, keyLastEnv, env)
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("prefs: reading %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	if value == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM prefs WHERE key = ?`, key); err != nil {
			return fmt.Errorf("prefs: clearing %s: %w", key, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prefs (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("prefs: writing %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
