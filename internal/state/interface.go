package state

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("not found")

// Entry is a key and its stored value.
type Entry struct {
	Key   string
	Value []byte
}

// KV is the key/value persistence boundary. Keys are slash-separated paths.
// Implementations must be safe for concurrent use.
type KV interface {
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the value under key, or an error wrapping ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Delete removes the entries whose key starts with prefix.
	Delete(ctx context.Context, prefix string) (int, error)
	// Remove deletes exactly key, or returns an error wrapping ErrNotFound.
	Remove(ctx context.Context, key string) error
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore is a KV backend that must be closed after use and
// may need its schema migrated.
type StateStore interface {
	io.Closer
	Migrator
	KV
}

// Compile-time verification that the backends implement the interfaces.
var (
	_ StateStore = (*DB)(nil)
	_ KV         = (*MemoryKV)(nil)
	_ KV         = (*NATSKV)(nil)
)
