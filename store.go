package stonekv

// BoundKind distinguishes the three ways a Range endpoint can be specified.
type BoundKind int

const (
	// Unbounded means the range has no constraint on this side.
	Unbounded BoundKind = iota
	// Included means the endpoint key itself is part of the range.
	Included
	// Excluded means the endpoint key is the first key outside the range.
	Excluded
)

// Bound is one endpoint of a Range. Key is only meaningful when Kind is
// Included or Excluded.
type Bound struct {
	Kind BoundKind
	Key  []byte
}

// UnboundedBound returns an unconstrained endpoint.
func UnboundedBound() Bound { return Bound{Kind: Unbounded} }

// IncludedBound returns an endpoint that includes key.
func IncludedBound(key []byte) Bound { return Bound{Kind: Included, Key: key} }

// ExcludedBound returns an endpoint that excludes key.
func ExcludedBound(key []byte) Bound { return Bound{Kind: Excluded, Key: key} }

// Range is a half-open (or fully/un-bounded) interval of byte keys. All nine
// combinations of (Included, Excluded, Unbounded) on both ends are valid.
type Range struct {
	Start Bound
	End   Bound
}

// PrefixRange builds the Range matching every key with the given prefix.
// It mirrors Comparator.Successor: the end bound excludes the successor of
// prefix, so an all-0xFF prefix cannot be represented and must be rejected
// by the caller before this is used.
func PrefixRange(prefix []byte, cmp Comparator) Range {
	return Range{
		Start: IncludedBound(prefix),
		End:   ExcludedBound(cmp.Successor(prefix)),
	}
}

// Iterator is a bidirectional cursor over a Range. A single Iterator may be
// driven forward with Next, backward with NextBack, or both — the two
// cursors share the same range and the scan terminates as soon as they meet
// or either end bound rejects the next candidate. Iterators are not
// restartable: once exhausted from one end they stay exhausted.
type Iterator interface {
	// Next advances the forward cursor and returns the next key/value pair
	// in ascending order, or ok == false once exhausted.
	Next() (key, value []byte, ok bool)

	// NextBack advances the backward cursor and returns the next key/value
	// pair in descending order, or ok == false once exhausted.
	NextBack() (key, value []byte, ok bool)

	// Close releases any resources held by the iterator.
	Close() error
}

// Store is the ordered key/value surface consumed by the MVCC engine and any
// caller that only needs point lookups and range scans. The in-memory
// skiplist-backed Memory store implements it; the raft log does not.
type Store interface {
	// Get returns the value for key, or nil with no error if key is absent.
	Get(key []byte) ([]byte, error)

	// Scan returns a lazy bidirectional iterator over r.
	Scan(r Range) Iterator

	// Set inserts key, or replaces its value if key already exists.
	Set(key, value []byte) error

	// Delete removes key. It is not an error for key to be absent.
	Delete(key []byte) error

	// Flush persists any buffered mutations to durable storage.
	Flush() error
}
