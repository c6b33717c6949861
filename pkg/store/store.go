// Package store abstracts the hierarchical byte store that holds
// conversation metadata, event payloads, and blob content. The production
// implementation is filesystem-backed; tests may substitute an in-memory
// implementation.
package store

import (
	"errors"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("store: key not found")

// Store is a hierarchical byte store. Keys are slash-separated relative
// paths. Writes are atomic: a reader never observes a partially written
// value.
type Store interface {
	// Read returns the value at key, or ErrNotFound.
	Read(key string) ([]byte, error)
	// Write stores value at key atomically, creating parent directories as
	// needed.
	Write(key string, value []byte) error
	// Delete removes the value at key. Deleting a missing key is a no-op.
	Delete(key string) error
	// List returns the immediate child names under prefix, sorted. A missing
	// prefix yields an empty list.
	List(prefix string) ([]string, error)
	// DeleteAll recursively removes everything under prefix.
	DeleteAll(prefix string) error
	// Exists reports whether key holds a value.
	Exists(key string) bool
}
