package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/ranya-runtime/internal/observability"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// GlobalScope is shared by every session.
const GlobalScope = "global"

const (
	DefaultListLimit = 20
	MaxKeyLength     = 256
	MaxValueBytes    = 64 * 1024
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("memory not found")

const selectColumns = `SELECT scope, key, value, created_at, updated_at FROM memories`

// Record is one stored value
type Record struct {
	Scope     string    `json:"scope"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config holds memory store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Store persists records in sqlite
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the database at cfg.DBPath
func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create memory directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger.With().Str("component", "memory").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Memory store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			scope      TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope, key)
		);
		CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(scope, updated_at);
	`)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func validateKey(scope, key string) error {
	if strings.TrimSpace(scope) == "" {
		return errors.New("scope cannot be empty")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("key cannot be empty")
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("key exceeds %d bytes", MaxKeyLength)
	}
	return nil
}

// Put inserts or replaces a value
func (s *Store) Put(ctx context.Context, scope, key, value string) (err error) {
	defer func() { observability.RecordMemoryOp("write", err == nil) }()

	if err := validateKey(scope, key); err != nil {
		return err
	}
	if len(value) > MaxValueBytes {
		return fmt.Errorf("value exceeds %d bytes", MaxValueBytes)
	}

	now := time.Now().UTC().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (scope, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, scope, key, value, now, now)
	if err != nil {
		return fmt.Errorf("failed to write memory: %w", err)
	}

	s.logger.Debug().Str("scope", scope).Str("key", key).Msg("Memory written")
	return nil
}

// Get returns one record
func (s *Store) Get(ctx context.Context, scope, key string) (rec Record, err error) {
	defer func() { observability.RecordMemoryOp("read", err == nil || errors.Is(err, ErrNotFound)) }()

	if err := validateKey(scope, key); err != nil {
		return Record{}, err
	}

	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE scope = ? AND key = ?`, scope, key)
	rec, err = scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to read memory: %w", err)
	}
	return rec, nil
}

// List returns records whose key starts with prefix, newest first
func (s *Store) List(ctx context.Context, scope, prefix string, limit int) ([]Record, error) {
	return s.query(ctx, scope, limit,
		selectColumns+` WHERE scope = ? AND key LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC, key ASC LIMIT ?`,
		scope, escapeLike(prefix)+"%")
}

// Search returns records whose key or value contains text, newest first
func (s *Store) Search(ctx context.Context, scope, text string, limit int) ([]Record, error) {
	pattern := "%" + escapeLike(text) + "%"
	return s.query(ctx, scope, limit,
		selectColumns+` WHERE scope = ? AND (key LIKE ? ESCAPE '\' OR value LIKE ? ESCAPE '\')
		ORDER BY updated_at DESC, key ASC LIMIT ?`,
		scope, pattern, pattern)
}

func (s *Store) query(ctx context.Context, scope string, limit int, stmt string, args ...interface{}) (records []Record, err error) {
	defer func() { observability.RecordMemoryOp("read", err == nil) }()

	if strings.TrimSpace(scope) == "" {
		return nil, errors.New("scope cannot be empty")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, stmt, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory: %w", err)
	}
	defer rows.Close()

	records = []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes a record. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, scope, key string) (err error) {
	defer func() { observability.RecordMemoryOp("write", err == nil) }()

	if err := validateKey(scope, key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE scope = ? AND key = ?`, scope, key); err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var created, updated int64
	if err := row.Scan(&rec.Scope, &rec.Key, &rec.Value, &created, &updated); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
