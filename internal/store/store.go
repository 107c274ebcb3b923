// Package store persists application preferences in a key/value store.
package store

import "errors"

// ErrNotFound is returned when a requested key does not exist in the store.
var ErrNotFound = errors.New("not found")

// Well-known preference keys.
const (
	KeyManualConnections = "manualConnections"
	KeyPreferredDevice   = "preferredDeviceID"
)

// Store defines the persistence interface: a flat preference store where each
// key holds one JSON document.
type Store interface {
	// Get decodes the value stored under key into v.
	// Returns ErrNotFound if the key does not exist.
	Get(key string, v any) error

	// Put encodes v as JSON and stores it under key.
	Put(key string, v any) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys lists every stored key in byte order.
	Keys() ([]string, error)

	// Close the store
	Close() error
}
