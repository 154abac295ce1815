// Package statestore persists activity snapshots so a process can be
// recovered after a restart. Drivers: in-memory, Redis and Postgres.
package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/vela/internal/activity"
	"github.com/oriys/vela/internal/config"
)

// ErrNotFound is returned when no snapshot exists under a key.
var ErrNotFound = errors.New("statestore: not found")

// Store persists activity snapshots keyed by element id.
type Store interface {
	Save(ctx context.Context, key string, state *activity.State) error
	Load(ctx context.Context, key string) (*activity.State, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open builds the store selected by the configuration.
func Open(ctx context.Context, cfg config.StateStoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg.DSN, cfg.KeyPrefix)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("statestore: unknown driver %q", cfg.Driver)
	}
}
