package stonekv

import "errors"

// Sentinel errors shared across the arena, skiplist, memory store, raft log
// and MVCC engine. Callers should use errors.Is/errors.As rather than
// comparing against these directly, since internal helpers wrap them with
// fmt.Errorf("...: %w", err) on the way out.
var (
	// ErrNotFound is returned when resuming or restoring a transaction or
	// snapshot that does not exist.
	ErrNotFound = errors.New("stonekv: not found")

	// ErrInvalid covers malformed encoded keys, an out-of-range truncate or
	// commit, an empty prefix scan, and an all-0xFF prefix.
	ErrInvalid = errors.New("stonekv: invalid operation")

	// ErrSerialization is returned from a write that would violate snapshot
	// isolation (a dirty write against a not-yet-visible version).
	ErrSerialization = errors.New("stonekv: serialization conflict")
)
