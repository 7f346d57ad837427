// Package kv holds the narrow key/value store contract migrate-consul needs and
// the locked-write protocol built on it.
//
// A Store is anything with Consul-like KV and session semantics: sessions are
// opaque ids that can hold keys via Acquire, and destroying a session releases
// every key it holds.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSessionInvalid is returned by a Store when a session id is unknown,
// expired or destroyed.
var ErrSessionInvalid = errors.New("session invalid")

// Pair is a single entry of the store.
type Pair struct {
	Key   string
	Value []byte
	// Session is the id of the session holding the key, empty if unheld.
	Session     string
	ModifyIndex uint64
}

// Store is the KV driver contract.
type Store interface {
	// Get returns the pair at key, or nil when the key does not exist.
	Get(ctx context.Context, key string) (*Pair, error)
	// List returns every pair under prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]*Pair, error)
	// Put writes value at key unconditionally.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CreateSession opens a session that expires after ttl without renewal.
	CreateSession(ctx context.Context, name string, ttl time.Duration) (string, error)
	// DestroySession invalidates a session and releases the keys it holds.
	DestroySession(ctx context.Context, session string) error
	// Acquire writes value at key and marks it held by session. It returns
	// false when another session holds the key.
	Acquire(ctx context.Context, key string, value []byte, session string) (bool, error)
	// Release drops session's hold on key, leaving the value in place.
	Release(ctx context.Context, key string, session string) (bool, error)
}

// Mutation is one entry of a WriteMany batch.
type Mutation struct {
	Key    string
	Value  []byte
	Delete bool
}

// PartialWriteError reports a batch that stopped part way. Keys in Committed
// were written before Failed was rejected; they are not rolled back.
type PartialWriteError struct {
	Committed []string
	Failed    string
	Err       error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("write of %q failed after %d committed: %v", e.Failed, len(e.Committed), e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }
