// Package store defines the narrow key-addressable persistence interface the
// admission core writes through. The engines keep canonical state in memory
// (single-owner mutation, see the admission and workflow packages) and
// persist snapshots so state survives restarts; the periodic sweeps re-check
// anything whose timers were lost with the process.
package store

import "errors"

// Buckets used by the engine. A bucket is a flat namespace of keys.
const (
	BucketExecutions = "executions"
	BucketRequests   = "approval_requests"
	BucketWorkflows  = "workflows"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is a minimal bucketed key-value store. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for key, with ok=false when absent.
	Get(bucket, key string) (value []byte, ok bool, err error)

	// Set writes the value for key, replacing any existing value.
	Set(bucket, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(bucket, key string) error

	// Iterate calls fn for every key in the bucket until fn returns false.
	// Iteration order is unspecified.
	Iterate(bucket string, fn func(key string, value []byte) bool) error

	// Close releases resources. Subsequent calls fail with ErrClosed.
	Close() error
}
