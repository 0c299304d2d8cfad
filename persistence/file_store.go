package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BaSui01/iterflow/types"
)

// FileStore writes one JSON snapshot file per session under a base
// directory. Writes go through a temp file plus rename so a crash cannot
// leave a torn snapshot.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
	closed  bool
}

// NewFileStore creates the snapshot directory and returns a file store.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("file store requires a base directory")
	}
	dir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &FileStore{baseDir: dir}, nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID+".json")
}

// Save writes the current state of a session atomically.
func (s *FileStore) Save(_ context.Context, sessionID string, tc *types.TaskContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.MarshalIndent(newSnapshot(sessionID, tc), "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path(sessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path(sessionID)); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load reads the latest snapshot of a session.
func (s *FileStore) Load(_ context.Context, sessionID string) (*types.TaskContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data)
}

// Delete removes a session's snapshot file.
func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Close marks the store closed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
