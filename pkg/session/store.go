package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const fileExt = ".jsonl"

// ErrNotFound is returned for sessions without a file.
var ErrNotFound = errors.New("session not found")

// Message is a single persisted conversation entry
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Entry is one JSONL line
type Entry struct {
	SessionID string  `json:"session_id"`
	Message   Message `json:"message"`
}

// Info describes a stored session
type Info struct {
	SessionID    string    `json:"session_id"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	MessageCount int       `json:"message_count"`
}

// Config configures a Store
type Config struct {
	Dir    string
	Logger zerolog.Logger
}

// Store manages conversation persistence using JSONL files
type Store struct {
	dir    string
	logger zerolog.Logger

	locksMu    sync.Mutex
	writeLocks map[string]*sync.Mutex
}

// New creates a Store, creating the directory when missing
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	dir := cfg.Dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".ranya", "sessions")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		logger:     cfg.Logger.With().Str("component", "session").Logger(),
		writeLocks: make(map[string]*sync.Mutex),
	}

	s.logger.Info().Str("dir", dir).Msg("Session store initialized")
	s.updateActiveSessionsMetric()
	return s, nil
}

// Dir returns the storage directory
func (s *Store) Dir() string {
	return s.dir
}

// ValidateID rejects ids that are unsafe as file names
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

func (s *Store) lock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if l, ok := s.writeLocks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.writeLocks[id] = l
	return l
}

func (s *Store) updateActiveSessionsMetric() {
	ids, err := s.List()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(ids))
}

// Append writes one message to the end of a session, creating it if needed
func (s *Store) Append(ctx context.Context, id string, msg Message) (err error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "ranya.session", "session.append",
		attribute.String("session_id", id),
		attribute.String("role", msg.Role),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
		tracing.FailSpan(span, err)
	}()

	if err := ValidateID(id); err != nil {
		return err
	}
	if msg.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(Entry{SessionID: id, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	_, statErr := os.Stat(s.path(id))
	created := os.IsNotExist(statErr)

	file, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	if created {
		s.updateActiveSessionsMetric()
	}
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("role", msg.Role).
		Msg("Message appended")
	return nil
}

// Load returns every valid entry of a session. Corrupt lines are skipped.
// A missing session yields an empty slice.
func (s *Store) Load(ctx context.Context, id string) (entries []Entry, err error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, "ranya.session", "session.load",
		attribute.String("session_id", id),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
		tracing.FailSpan(span, err)
	}()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if err := ValidateID(id); err != nil {
		return nil, err
	}

	file, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	entries = []Entry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if entry.Message.Role == "" || entry.Message.Content == "" {
			logger.Warn().Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	logger.Debug().Int("messages", len(entries)).Msg("Session loaded")
	return entries, nil
}

// Recent returns the last limit user and assistant messages in order.
// A limit of zero or less returns all of them.
func (s *Store) Recent(ctx context.Context, id string, limit int) ([]Message, error) {
	entries, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(entries))
	for _, entry := range entries {
		switch entry.Message.Role {
		case "user", "assistant":
			messages = append(messages, entry.Message)
		}
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

// Replace atomically rewrites a session with entries
func (s *Store) Replace(ctx context.Context, id string, entries []Entry) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	target := s.path(id)
	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	w := bufio.NewWriter(tmp)
	for _, entry := range entries {
		entry.SessionID = id
		data, err := json.Marshal(entry)
		if err != nil {
			cleanup()
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("failed to write entries: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("session_id", id).
		Int("entries", len(entries)).
		Msg("Session rewritten")
	return nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	l := s.lock(id)
	l.Lock()
	err := os.Remove(s.path(id))
	l.Unlock()

	s.locksMu.Lock()
	delete(s.writeLocks, id)
	s.locksMu.Unlock()

	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	s.updateActiveSessionsMetric()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// List returns all stored session ids, sorted
func (s *Store) List() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	ids := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Stat returns metadata about a session
func (s *Store) Stat(ctx context.Context, id string) (Info, error) {
	if err := ValidateID(id); err != nil {
		return Info{}, err
	}

	fi, err := os.Stat(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Info{}, fmt.Errorf("failed to stat session file: %w", err)
	}

	entries, err := s.Load(ctx, id)
	if err != nil {
		return Info{}, err
	}

	return Info{
		SessionID:    id,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		MessageCount: len(entries),
	}, nil
}
