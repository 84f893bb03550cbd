package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrConflict = errors.New("key already exists")
	ErrNotFound = errors.New("key not found")
)

// KV is the byte-level backend under Repo. Implementations must make each
// call atomic for its key; nothing spans keys.
type KV interface {
	// Insert stores val under key and fails with ErrConflict if the key is
	// taken. A zero expiresAt means the value never expires.
	Insert(ctx context.Context, key string, val []byte, expiresAt time.Time) error
	// Get fails with ErrNotFound when key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, key string) error
	// DeleteExpired removes values whose expiry is at or before before.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
