package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/BaSui01/iterflow/types"
)

// MemoryStore keeps snapshots in process memory. Snapshots are stored as
// marshaled JSON so loads return independent copies, matching the other
// backends.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	closed    bool
}

// NewMemoryStore creates an in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]byte)}
}

// Save writes the current state of a session.
func (s *MemoryStore) Save(_ context.Context, sessionID string, tc *types.TaskContext) error {
	data, err := json.Marshal(newSnapshot(sessionID, tc))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.snapshots[sessionID] = data
	return nil
}

// Load reads the latest snapshot of a session.
func (s *MemoryStore) Load(_ context.Context, sessionID string) (*types.TaskContext, error) {
	s.mu.RLock()
	data, ok := s.snapshots[sessionID]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrStoreClosed
	}
	if !ok {
		return nil, ErrNotFound
	}
	return decodeSnapshot(data)
}

// Delete removes a session's snapshot.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, sessionID)
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func decodeSnapshot(data []byte) (*types.TaskContext, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("snapshot schema version %d is newer than supported version %d", snap.SchemaVersion, SchemaVersion)
	}
	if snap.Context == nil {
		return nil, ErrNotFound
	}
	snap.Context.RestoreFromSnapshot()
	return snap.Context, nil
}
