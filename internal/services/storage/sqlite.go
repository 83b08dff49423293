package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dsa-guru-ai-go/internal/models"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements storage using a local SQLite file
type SQLiteStorage struct {
	db     *sql.DB
	mu     sync.Mutex // serialises writes to avoid SQLITE_BUSY
	logger *logrus.Logger
}

// NewSQLiteStorage opens (and creates) the database at path
func NewSQLiteStorage(path string, logger *logrus.Logger) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStorage{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		client_id TEXT PRIMARY KEY,
		snapshot_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS challenges (
		client_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetSession(ctx context.Context, clientID string) (*models.SessionSnapshot, error) {
	var snap models.SessionSnapshot
	found, err := s.getJSON(ctx, `SELECT snapshot_json FROM sessions WHERE client_id = ?`, clientID, &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteStorage) SaveSession(ctx context.Context, snap *models.SessionSnapshot) error {
	return s.upsertJSON(ctx, `
		INSERT INTO sessions (client_id, snapshot_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET snapshot_json = excluded.snapshot_json, updated_at = excluded.updated_at`,
		snap.ClientID, snap)
}

func (s *SQLiteStorage) DeleteSession(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetChallenge(ctx context.Context, clientID string) (*models.ChallengeState, error) {
	var state models.ChallengeState
	found, err := s.getJSON(ctx, `SELECT state_json FROM challenges WHERE client_id = ?`, clientID, &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

func (s *SQLiteStorage) SaveChallenge(ctx context.Context, state *models.ChallengeState) error {
	return s.upsertJSON(ctx, `
		INSERT INTO challenges (client_id, state_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		state.ClientID, state)
}

// CleanupExpired removes sessions and challenges idle for longer than expiration
func (s *SQLiteStorage) CleanupExpired(ctx context.Context, expiration time.Duration) error {
	if expiration <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-expiration).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE updated_at < ?`, cutoff); err != nil {
		return fmt.Errorf("cleanup challenges: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.WithField("count", n).Info("Removed expired sessions")
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) getJSON(ctx context.Context, query, clientID string, v interface{}) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query row: %w", err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("decode row: %w", err)
	}
	return true, nil
}

func (s *SQLiteStorage) upsertJSON(ctx context.Context, query, clientID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, query, clientID, string(data), time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}
