// Package persistence provides snapshot storage for session state.
// A snapshot is the JSON form of a types.TaskContext, written after
// significant mutations when persistence is enabled and reloaded to resume
// a session.
//
// Supported backends:
//   - Memory: for development and testing (default)
//   - File: for single-node deployments, with atomic writes
//   - Redis: for deployments with shared infrastructure
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/iterflow/types"
)

// SchemaVersion is recorded in every snapshot so future readers can detect
// incompatible layouts instead of silently misassigning fields.
const SchemaVersion = 1

// Common errors
var (
	ErrNotFound    = errors.New("snapshot not found")
	ErrStoreClosed = errors.New("store is closed")
)

// StoreType selects the storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
)

// Snapshot wraps a TaskContext with storage metadata.
type Snapshot struct {
	SchemaVersion int                `json:"schema_version"`
	SessionID     string             `json:"session_id"`
	SavedAt       time.Time          `json:"saved_at"`
	Context       *types.TaskContext `json:"context"`
}

// Store persists session snapshots.
type Store interface {
	// Save writes the current state of a session.
	Save(ctx context.Context, sessionID string, tc *types.TaskContext) error
	// Load reads the latest snapshot of a session and reconstructs the
	// aggregate. Returns ErrNotFound when the session has no snapshot.
	Load(ctx context.Context, sessionID string) (*types.TaskContext, error)
	// Delete removes a session's snapshot.
	Delete(ctx context.Context, sessionID string) error
	// Close releases backend resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Type StoreType `yaml:"type" json:"type"`
	// BaseDir is the snapshot directory for the file backend.
	BaseDir string `yaml:"base_dir" json:"base_dir"`
	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// NewStore creates a store for the configured backend.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeFile:
		return NewFileStore(cfg.BaseDir)
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis)
	default:
		return nil, errors.New("unsupported store type: " + string(cfg.Type))
	}
}

func newSnapshot(sessionID string, tc *types.TaskContext) *Snapshot {
	tc.PrepareSnapshot()
	return &Snapshot{
		SchemaVersion: SchemaVersion,
		SessionID:     sessionID,
		SavedAt:       time.Now(),
		Context:       tc,
	}
}
