// Package wal is the daemon's write-ahead fallback: when the store is
// unreachable, record_event requests are appended here as JSON lines and
// replayed in order once the store returns. One Log owns one file; appends
// are serialised by a mutex and synced before the caller sees success.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/recorder"
)

// Entry is one deferred record_event request.
type Entry struct {
	RequestID  string         `json:"request_id,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Draft      recorder.Draft `json:"draft"`
}

// Log is a single-writer JSON-lines write-ahead log.
type Log struct {
	mu   sync.Mutex
	path string
	log  *zap.Logger
}

// Open prepares a Log at path, creating parent directories as needed. The
// file itself is created lazily on first append.
func Open(path string, log *zap.Logger) (*Log, error) {
	if path == "" {
		return nil, models.E(models.ErrValidation, "wal path is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}
	return &Log{path: path, log: log}, nil
}

// Path returns the log's file path.
func (l *Log) Path() string { return l.path }

// Append durably appends one entry. The entry is fsynced before return so a
// success reported to the caller survives a crash.
func (l *Log) Append(e Entry) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode wal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open wal: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append wal entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal: %w", err)
	}
	l.log.Warn("record deferred to wal",
		zap.String("tenant_id", e.Draft.Scope.TenantID),
		zap.String("request_id", e.RequestID))
	return nil
}

// Pending returns every entry currently in the log, oldest first. A corrupt
// line stops the scan; entries before it are returned along with the error.
func (l *Log) Pending() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// load reads the file without taking the lock. Callers hold l.mu.
func (l *Log) load() ([]Entry, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return entries, fmt.Errorf("corrupt wal entry at line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("failed to scan wal: %w", err)
	}
	return entries, nil
}

// Replay applies pending entries in order. Entries that apply successfully
// are removed; the first failure stops the pass and the offending entry plus
// everything after it stays in the log for inspection. Returns the number of
// entries replayed.
func (l *Log) Replay(apply func(Entry) error) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, loadErr := l.load()
	if loadErr != nil {
		// A corrupt log is left untouched for inspection.
		return 0, loadErr
	}
	if len(entries) == 0 {
		return 0, nil
	}

	replayed := 0
	var applyErr error
	for _, e := range entries {
		if err := apply(e); err != nil {
			applyErr = fmt.Errorf("replay stopped at entry %d (request %s): %w", replayed+1, e.RequestID, err)
			break
		}
		replayed++
	}

	remaining := entries[replayed:]
	if err := l.rewrite(remaining); err != nil {
		return replayed, err
	}
	if replayed > 0 {
		l.log.Info("wal replay pass finished",
			zap.Int("replayed", replayed),
			zap.Int("remaining", len(remaining)))
	}
	return replayed, applyErr
}

// rewrite atomically replaces the log's contents with the given entries.
// An empty set removes the file.
func (l *Log) rewrite(entries []Entry) error {
	if len(entries) == 0 {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear wal: %w", err)
		}
		return nil
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create wal temp file: %w", err)
	}
	enc := json.NewEncoder(f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to rewrite wal entry: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync wal temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close wal temp file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to swap wal file: %w", err)
	}
	return nil
}
