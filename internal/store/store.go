package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ResultStore is the authoritative store behind write-back cache entries.
// Writes are buffered in memory and flushed best-effort; a failed flush keeps
// the pending entries for the next attempt.
type ResultStore struct {
	db      *sql.DB
	logger  zerolog.Logger
	mu      sync.Mutex
	pending map[string]pendingEntry
}

type pendingEntry struct {
	toolName string
	payload  []byte
	storedAt time.Time
}

// Record is a persisted result row.
type Record struct {
	Key      string
	ToolName string
	Payload  []byte
	StoredAt time.Time
}

// Config holds result store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// New opens (or creates) the result store database.
func New(cfg Config) (*ResultStore, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &ResultStore{
		db:      db,
		logger:  cfg.Logger.With().Str("component", "result-store").Logger(),
		pending: make(map[string]pendingEntry),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *ResultStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS results (
			key        TEXT PRIMARY KEY,
			tool_name  TEXT NOT NULL,
			payload    BLOB,
			stored_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_results_tool ON results(tool_name);
	`)
	return err
}

// Enqueue buffers a write-back entry for the next flush. The most recent
// payload for a key wins.
func (s *ResultStore) Enqueue(key, toolName string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[key] = pendingEntry{
		toolName: toolName,
		payload:  payload,
		storedAt: time.Now(),
	}
}

// PendingCount returns the number of unflushed entries.
func (s *ResultStore) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes all pending entries in one transaction. Entries that fail to
// persist stay pending.
func (s *ResultStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = make(map[string]pendingEntry)
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.requeue(batch)
		return fmt.Errorf("failed to begin flush transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO results (key, tool_name, payload, stored_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			tool_name = excluded.tool_name,
			payload   = excluded.payload,
			stored_at = excluded.stored_at
	`)
	if err != nil {
		tx.Rollback()
		s.requeue(batch)
		return fmt.Errorf("failed to prepare flush statement: %w", err)
	}
	defer stmt.Close()

	for key, entry := range batch {
		if _, err := stmt.ExecContext(ctx, key, entry.toolName, entry.payload, entry.storedAt.UnixNano()); err != nil {
			tx.Rollback()
			s.requeue(batch)
			return fmt.Errorf("failed to flush entry %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.requeue(batch)
		return fmt.Errorf("failed to commit flush: %w", err)
	}

	s.logger.Debug().Int("count", len(batch)).Msg("Write-back flush completed")

	return nil
}

// requeue puts a failed batch back without clobbering newer pending writes.
func (s *ResultStore) requeue(batch map[string]pendingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range batch {
		if _, exists := s.pending[key]; !exists {
			s.pending[key] = entry
		}
	}
}

// Put persists a single entry synchronously (write-through path).
func (s *ResultStore) Put(ctx context.Context, key, toolName string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (key, tool_name, payload, stored_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			tool_name = excluded.tool_name,
			payload   = excluded.payload,
			stored_at = excluded.stored_at
	`, key, toolName, payload, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// Get retrieves a persisted entry by key.
func (s *ResultStore) Get(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, tool_name, payload, stored_at FROM results WHERE key = ?`, key)

	var rec Record
	var storedAt int64
	if err := row.Scan(&rec.Key, &rec.ToolName, &rec.Payload, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("result not found: %s", key)
		}
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	rec.StoredAt = time.Unix(0, storedAt)

	return &rec, nil
}

// Close flushes remaining entries and closes the database.
func (s *ResultStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Flush(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Final flush failed on close")
	}

	return s.db.Close()
}
