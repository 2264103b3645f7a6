// Package kv provides the durable key-value store behind speaker profiles
// and session records. Keys are hierarchical string paths (e.g.
// ["speaker", "profile", "Alice"]) encoded with a ':' separator.
//
// The package includes a BadgerDB-backed implementation for production use
// and an in-memory implementation for tests. Store failures are surfaced as
// errors but the layers above treat them as non-fatal: in-memory state stays
// authoritative for a running session.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// separator joins key segments in the encoded representation.
// Segments must not contain it.
const separator = ':'

// Key is a hierarchical path represented as a slice of string segments.
type Key []string

// String returns the encoded form, e.g. "speaker:profile:Alice".
func (k Key) String() string {
	return strings.Join(k, string(separator))
}

// encode converts a Key to its storage byte representation.
func (k Key) encode() []byte {
	return []byte(k.String())
}

// decodeKey converts an encoded byte key back into segments.
func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), string(separator)))
}

// Entry is a key-value pair returned by List and consumed by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the interface for a durable key-value store.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// List iterates entries whose key starts with the given prefix, in
	// lexicographic order of the encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet atomically stores multiple key-value pairs.
	BatchSet(ctx context.Context, entries []Entry) error

	// Close releases resources held by the store.
	Close() error
}
