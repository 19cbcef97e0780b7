// Package kv persists small client-side values such as the session id.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Store is a string key-value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// New opens the store selected by driver: "file", "sqlite" or "memory".
func New(driver, path string) (Store, error) {
	switch driver {
	case "", "file":
		return NewFile(path)
	case "sqlite":
		return NewSQLite(path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported kv driver: %s", driver)
	}
}
