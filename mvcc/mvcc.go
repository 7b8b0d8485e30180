// Package mvcc implements the snapshot-isolation multi-version concurrency
// control layer described in spec §4.6: transaction lifecycle, snapshot
// construction, the visibility rule, dirty-write detection, and the encoded
// key namespace that multiplexes records, transaction state, and user
// metadata into a single ordered byte space over any stonekv.Store.
package mvcc

import (
	"bytes"
	"fmt"
	"math"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/stonedb/stonekv"
)

// ModeKind discriminates the three transaction modes.
type ModeKind int

const (
	ReadWrite ModeKind = iota
	ReadOnly
	SnapshotMode
)

// Mode is a transaction's mode. Version is only meaningful when Kind is
// SnapshotMode.
type Mode struct {
	Kind    ModeKind
	Version uint64
}

// Mutable reports whether transactions in this mode may write.
func (m Mode) Mutable() bool {
	return m.Kind == ReadWrite
}

// Satisfies reports whether a transaction opened in mode m may stand in for
// one required to be in mode other. Supplemented from the transaction-mode
// lattice in the original Rust source's Mode::satisfies: ReadWrite satisfies
// ReadOnly, Snapshot satisfies ReadOnly, and every mode satisfies itself.
func (m Mode) Satisfies(other Mode) bool {
	switch {
	case m.Kind == ReadWrite && other.Kind == ReadOnly:
		return true
	case m.Kind == SnapshotMode && other.Kind == ReadOnly:
		return true
	case m == other:
		return true
	default:
		return false
	}
}

// Snapshot is a pair (version, invisible): the set of transaction ids that
// were still active when the snapshot was taken. A version is visible iff
// it is at most the snapshot's version and not itself invisible.
type Snapshot struct {
	version   uint64
	invisible map[uint64]struct{}
}

func (s Snapshot) isVisible(version uint64) bool {
	if version > s.version {
		return false
	}
	_, hidden := s.invisible[version]
	return !hidden
}

// MVCC is the concurrency-control layer over an inner ordered Store. mu
// serializes the multi-step operations (bumping TxnNext, inserting
// TxnActive, the dirty-write check plus write) that must appear atomic to
// other transactions even though the inner store is itself concurrent:
// reads take a shared lock, writes take an exclusive one.
type MVCC struct {
	mu    sync.RWMutex
	store stonekv.Store
	log   *zap.Logger
}

// Option configures an MVCC engine at construction time.
type Option func(*MVCC)

// WithLogger attaches a structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *MVCC) {
		if log != nil {
			m.log = log
		}
	}
}

// New wraps store with MVCC semantics. store is typically the in-memory
// skiplist-backed stonekv.Memory, but any stonekv.Store works.
func New(store stonekv.Store, opts ...Option) *MVCC {
	m := &MVCC{store: store, log: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin starts a new transaction in the given mode.
func (m *MVCC) Begin(mode Mode) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.nextTxnIDLocked()
	if err != nil {
		return nil, err
	}

	encodedMode, err := encodeMode(mode)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(encodeTxnActive(id), encodedMode); err != nil {
		return nil, fmt.Errorf("mvcc: record active transaction %d: %w", id, err)
	}

	// A snapshot is always taken at id, even for a Snapshot-mode
	// transaction, because every transaction bumps TxnNext and must be
	// recorded as active for any future snapshot looking back at it.
	snapshot, err := m.takeSnapshotLocked(id)
	if err != nil {
		return nil, err
	}
	if mode.Kind == SnapshotMode {
		snapshot, err = restoreSnapshot(m.store, mode.Version)
		if err != nil {
			return nil, err
		}
	}

	m.log.Debug("mvcc: begin", zap.Uint64("id", id))
	return &Transaction{mvcc: m, id: id, mode: mode, snapshot: snapshot}, nil
}

// Resume reattaches to a still-active transaction by id.
func (m *MVCC) Resume(id uint64) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw, err := m.store.Get(encodeTxnActive(id))
	if err != nil {
		return nil, fmt.Errorf("mvcc: read active transaction %d: %w", id, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("mvcc: transaction %d is not active: %w", id, stonekv.ErrNotFound)
	}
	mode, err := decodeMode(raw)
	if err != nil {
		return nil, err
	}

	version := id
	if mode.Kind == SnapshotMode {
		version = mode.Version
	}
	snapshot, err := restoreSnapshot(m.store, version)
	if err != nil {
		return nil, err
	}

	return &Transaction{mvcc: m, id: id, mode: mode, snapshot: snapshot}, nil
}

func (m *MVCC) nextTxnIDLocked() (uint64, error) {
	raw, err := m.store.Get(encodeTxnNext())
	if err != nil {
		return 0, fmt.Errorf("mvcc: read TxnNext: %w", err)
	}
	var id uint64 = 1
	if raw != nil {
		var v uint64
		if err := msgpack.Unmarshal(raw, &v); err != nil {
			return 0, fmt.Errorf("mvcc: decode TxnNext: %w", err)
		}
		id = v
	}
	next, err := msgpack.Marshal(id + 1)
	if err != nil {
		return 0, fmt.Errorf("mvcc: encode TxnNext: %w", err)
	}
	if err := m.store.Set(encodeTxnNext(), next); err != nil {
		return 0, fmt.Errorf("mvcc: write TxnNext: %w", err)
	}
	return id, nil
}

// takeSnapshotLocked range-scans TxnActive(0)..TxnActive(version) — which
// excludes version itself, implicitly invisible to past snapshots but
// visible to itself because isVisible checks v <= version — collects those
// ids into invisible, and persists the snapshot for future Resume/restore.
func (m *MVCC) takeSnapshotLocked(version uint64) (Snapshot, error) {
	invisible := make(map[uint64]struct{})
	it := m.store.Scan(stonekv.Range{
		Start: stonekv.IncludedBound(encodeTxnActive(0)),
		End:   stonekv.ExcludedBound(encodeTxnActive(version)),
	})
	defer it.Close()
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		dk, err := decodeKey(k)
		if err != nil {
			return Snapshot{}, err
		}
		if dk.Tag != tagTxnActive {
			return Snapshot{}, fmt.Errorf("mvcc: expected TxnActive in snapshot scan, got tag 0x%02x: %w", dk.Tag, stonekv.ErrInvalid)
		}
		invisible[dk.ID] = struct{}{}
	}

	data, err := encodeInvisibleSet(invisible)
	if err != nil {
		return Snapshot{}, err
	}
	if err := m.store.Set(encodeTxnSnapshot(version), data); err != nil {
		return Snapshot{}, fmt.Errorf("mvcc: persist snapshot %d: %w", version, err)
	}
	return Snapshot{version: version, invisible: invisible}, nil
}

// restoreSnapshot reads back a previously persisted snapshot. The caller
// holds whatever lock is appropriate for its own call site.
func restoreSnapshot(store stonekv.Store, version uint64) (Snapshot, error) {
	raw, err := store.Get(encodeTxnSnapshot(version))
	if err != nil {
		return Snapshot{}, fmt.Errorf("mvcc: read snapshot %d: %w", version, err)
	}
	if raw == nil {
		return Snapshot{}, fmt.Errorf("mvcc: snapshot %d not found: %w", version, stonekv.ErrNotFound)
	}
	invisible, err := decodeInvisibleSet(raw)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{version: version, invisible: invisible}, nil
}

func encodeInvisibleSet(invisible map[uint64]struct{}) ([]byte, error) {
	ids := make([]uint64, 0, len(invisible))
	for id := range invisible {
		ids = append(ids, id)
	}
	data, err := msgpack.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("mvcc: encode invisible set: %w", err)
	}
	return data, nil
}

func decodeInvisibleSet(data []byte) (map[uint64]struct{}, error) {
	var ids []uint64
	if err := msgpack.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("mvcc: decode invisible set: %w", err)
	}
	set := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func encodeMode(mode Mode) ([]byte, error) {
	data, err := msgpack.Marshal(mode)
	if err != nil {
		return nil, fmt.Errorf("mvcc: encode transaction mode: %w", err)
	}
	return data, nil
}

func decodeMode(data []byte) (Mode, error) {
	var mode Mode
	if err := msgpack.Unmarshal(data, &mode); err != nil {
		return Mode{}, fmt.Errorf("mvcc: decode transaction mode: %w", err)
	}
	return mode, nil
}

// minUint64 returns the smallest id in invisible, or fallback if invisible
// is empty.
func minUint64(invisible map[uint64]struct{}, fallback uint64) uint64 {
	min := fallback
	first := true
	for id := range invisible {
		if first || id < min {
			min = id
			first = false
		}
	}
	return min
}

// encodeValueOption msgpack-encodes an optional value: nil denotes a
// tombstone, matching the original's Option<Vec<u8>> payload.
func encodeValueOption(value *[]byte) ([]byte, error) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("mvcc: encode value: %w", err)
	}
	return data, nil
}

func decodeValueOption(data []byte) (value []byte, tombstone bool, err error) {
	var v *[]byte
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("mvcc: decode value: %w", err)
	}
	if v == nil {
		return nil, true, nil
	}
	return *v, false, nil
}

// Transaction is a single MVCC transaction: begin -> (Get/Set/Delete/Scan)*
// -> Commit or Rollback.
type Transaction struct {
	mvcc     *MVCC
	id       uint64
	mode     Mode
	snapshot Snapshot
}

// ID returns the transaction's id.
func (t *Transaction) ID() uint64 { return t.id }

// Mode returns the transaction's mode.
func (t *Transaction) Mode() Mode { return t.mode }

// Commit removes the transaction from the active set. Record versions it
// already wrote remain.
func (t *Transaction) Commit() error {
	t.mvcc.mu.Lock()
	defer t.mvcc.mu.Unlock()
	if err := t.mvcc.store.Delete(encodeTxnActive(t.id)); err != nil {
		return fmt.Errorf("mvcc: commit %d: %w", t.id, err)
	}
	if err := t.mvcc.store.Flush(); err != nil {
		return fmt.Errorf("mvcc: commit %d: flush: %w", t.id, err)
	}
	t.mvcc.log.Debug("mvcc: commit", zap.Uint64("id", t.id))
	return nil
}

// Rollback discards every record this transaction wrote and removes it from
// the active set.
func (t *Transaction) Rollback() error {
	t.mvcc.mu.Lock()
	defer t.mvcc.mu.Unlock()

	if t.mode.Mutable() {
		it := t.mvcc.store.Scan(txnUpdateRange(t.id))
		var userKeys [][]byte
		for {
			k, _, ok := it.Next()
			if !ok {
				break
			}
			dk, err := decodeKey(k)
			if err != nil {
				it.Close()
				return err
			}
			if dk.Tag != tagTxnUpdate {
				it.Close()
				return fmt.Errorf("mvcc: expected TxnUpdate in rollback scan, got tag 0x%02x: %w", dk.Tag, stonekv.ErrInvalid)
			}
			userKeys = append(userKeys, dk.Key)
		}
		it.Close()

		for _, uk := range userKeys {
			if err := t.mvcc.store.Delete(encodeRecord(uk, t.id)); err != nil {
				return fmt.Errorf("mvcc: rollback %d: delete record: %w", t.id, err)
			}
			if err := t.mvcc.store.Delete(encodeTxnUpdate(t.id, uk)); err != nil {
				return fmt.Errorf("mvcc: rollback %d: delete update marker: %w", t.id, err)
			}
		}
	}

	if err := t.mvcc.store.Delete(encodeTxnActive(t.id)); err != nil {
		return fmt.Errorf("mvcc: rollback %d: %w", t.id, err)
	}
	t.mvcc.log.Debug("mvcc: rollback", zap.Uint64("id", t.id))
	return nil
}

// txnUpdateRange covers every TxnUpdate(id, *) entry. Since TxnUpdate
// encodes as tag || id(8 bytes BE) || userKey, the fixed-width id prefix
// means the next id's prefix is an exact exclusive upper bound regardless
// of what userKey follows.
func txnUpdateRange(id uint64) stonekv.Range {
	return stonekv.Range{
		Start: stonekv.IncludedBound(encodeTxnUpdate(id, nil)),
		End:   stonekv.ExcludedBound(encodeTxnUpdate(id+1, nil)),
	}
}

// Get reads key. It range-scans every version of key in ascending order
// and keeps overwriting its candidate on each visible hit, so the final
// candidate is the latest visible version — not the first one encountered.
// A missing key or a tombstone as the latest visible version both report
// (nil, nil).
func (t *Transaction) Get(key []byte) ([]byte, error) {
	t.mvcc.mu.RLock()
	defer t.mvcc.mu.RUnlock()

	it := t.mvcc.store.Scan(stonekv.Range{
		Start: stonekv.IncludedBound(encodeRecord(key, 0)),
		End:   stonekv.IncludedBound(encodeRecord(key, t.id)),
	})
	defer it.Close()

	var value []byte
	var tombstone bool
	var found bool
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		dk, err := decodeKey(k)
		if err != nil {
			return nil, err
		}
		if dk.Tag != tagRecord {
			return nil, fmt.Errorf("mvcc: expected Record in get scan, got tag 0x%02x: %w", dk.Tag, stonekv.ErrInvalid)
		}
		if !t.snapshot.isVisible(dk.Version) {
			continue
		}
		value, tombstone, err = decodeValueOption(v)
		if err != nil {
			return nil, err
		}
		found = true
	}
	if !found || tombstone {
		return nil, nil
	}
	return value, nil
}

// Set writes key = value.
func (t *Transaction) Set(key, value []byte) error {
	return t.write(key, &value)
}

// Delete writes a tombstone for key.
func (t *Transaction) Delete(key []byte) error {
	return t.write(key, nil)
}

// write performs the dirty-write check and, if it passes, records the
// TxnUpdate marker and the new Record version.
func (t *Transaction) write(key []byte, value *[]byte) error {
	t.mvcc.mu.Lock()
	defer t.mvcc.mu.Unlock()

	if !t.mode.Mutable() {
		return fmt.Errorf("mvcc: transaction %d is read-only: %w", t.id, stonekv.ErrInvalid)
	}

	min := minUint64(t.snapshot.invisible, t.id+1)
	it := t.mvcc.store.Scan(stonekv.Range{
		Start: stonekv.IncludedBound(encodeRecord(key, min)),
		End:   stonekv.IncludedBound(encodeRecord(key, math.MaxUint64)),
	})
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		dk, err := decodeKey(k)
		if err != nil {
			it.Close()
			return err
		}
		if dk.Tag != tagRecord {
			it.Close()
			return fmt.Errorf("mvcc: expected Record in dirty-write scan, got tag 0x%02x: %w", dk.Tag, stonekv.ErrInvalid)
		}
		if !t.snapshot.isVisible(dk.Version) {
			it.Close()
			return fmt.Errorf("mvcc: transaction %d: write conflict on key: %w", t.id, stonekv.ErrSerialization)
		}
	}
	it.Close()

	if err := t.mvcc.store.Set(encodeTxnUpdate(t.id, key), []byte{}); err != nil {
		return fmt.Errorf("mvcc: record update marker: %w", err)
	}
	payload, err := encodeValueOption(value)
	if err != nil {
		return err
	}
	if err := t.mvcc.store.Set(encodeRecord(key, t.id), payload); err != nil {
		return fmt.Errorf("mvcc: write record: %w", err)
	}
	return nil
}

// recordRange maps a caller-facing key range to the Record-key range that
// covers every version of every key in it, per spec §4.6.
func recordRange(r stonekv.Range) stonekv.Range {
	var start stonekv.Bound
	switch r.Start.Kind {
	case stonekv.Excluded:
		start = stonekv.ExcludedBound(encodeRecord(r.Start.Key, math.MaxUint64))
	case stonekv.Included:
		start = stonekv.IncludedBound(encodeRecord(r.Start.Key, 0))
	default:
		start = stonekv.IncludedBound(encodeRecord(nil, 0))
	}

	var end stonekv.Bound
	switch r.End.Kind {
	case stonekv.Excluded:
		end = stonekv.ExcludedBound(encodeRecord(r.End.Key, 0))
	case stonekv.Included:
		end = stonekv.IncludedBound(encodeRecord(r.End.Key, math.MaxUint64))
	default:
		end = stonekv.UnboundedBound()
	}

	return stonekv.Range{Start: start, End: end}
}

// Scan returns a forward-only iterator over r reduced to one entry per user
// key: the highest visible, non-tombstone version. Reverse MVCC scans are
// not required by spec §9 and are not implemented.
func (t *Transaction) Scan(r stonekv.Range) *ScanIterator {
	t.mvcc.mu.RLock()
	defer t.mvcc.mu.RUnlock()
	return &ScanIterator{
		inner: t.mvcc.store.Scan(recordRange(r)),
		snap:  t.snapshot,
	}
}

// ScanPrefix returns a ScanIterator over every key sharing prefix. An empty
// prefix or a prefix of all 0xFF bytes (which has no successor) is
// rejected.
func (t *Transaction) ScanPrefix(prefix []byte) (*ScanIterator, error) {
	if len(prefix) == 0 {
		return nil, fmt.Errorf("mvcc: scan prefix cannot be empty: %w", stonekv.ErrInvalid)
	}
	cmp := stonekv.BytewiseComparator{}
	if bytes.Equal(cmp.Successor(prefix), prefix) {
		return nil, fmt.Errorf("mvcc: prefix has no successor: %w", stonekv.ErrInvalid)
	}
	return t.Scan(stonekv.PrefixRange(prefix, cmp)), nil
}

type scannedRecord struct {
	key   []byte
	value []byte
}

// ScanIterator groups the raw Record stream by user key and yields the
// highest visible, non-tombstone version of each — skipping groups with no
// visible version or whose latest visible version is a tombstone.
type ScanIterator struct {
	inner     stonekv.Iterator
	snap      Snapshot
	lookahead *scannedRecord
	exhausted bool
}

// Next returns the next (key, value) pair, or ok == false once exhausted.
func (s *ScanIterator) Next() (userKey, value []byte, ok bool, err error) {
	for {
		if s.lookahead == nil && !s.exhausted {
			k, v, next := s.inner.Next()
			if !next {
				s.exhausted = true
			} else {
				s.lookahead = &scannedRecord{key: k, value: v}
			}
		}
		if s.lookahead == nil {
			return nil, nil, false, nil
		}

		first, err := decodeKey(s.lookahead.key)
		if err != nil {
			return nil, nil, false, err
		}
		groupKey := first.Key

		var bestValue []byte
		var bestTombstone bool
		var anyVisible bool
		for s.lookahead != nil {
			dk, err := decodeKey(s.lookahead.key)
			if err != nil {
				return nil, nil, false, err
			}
			if !bytes.Equal(dk.Key, groupKey) {
				break
			}
			if s.snap.isVisible(dk.Version) {
				val, tomb, err := decodeValueOption(s.lookahead.value)
				if err != nil {
					return nil, nil, false, err
				}
				bestValue, bestTombstone, anyVisible = val, tomb, true
			}

			k, v, next := s.inner.Next()
			if !next {
				s.exhausted = true
				s.lookahead = nil
			} else {
				s.lookahead = &scannedRecord{key: k, value: v}
			}
		}

		if anyVisible && !bestTombstone {
			return groupKey, bestValue, true, nil
		}
		// Group had no visible version, or its latest visible version is a
		// tombstone: skip it and continue to the next group.
	}
}

// Close releases the underlying store iterator.
func (s *ScanIterator) Close() error {
	return s.inner.Close()
}

// SetMetadata stores a value outside the versioned record/transaction
// namespace, for caller-owned metadata such as cluster configuration.
func (m *MVCC) SetMetadata(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Set(encodeMetadata(key), value); err != nil {
		return fmt.Errorf("mvcc: set metadata: %w", err)
	}
	return m.store.Flush()
}

// GetMetadata reads back a value stored with SetMetadata.
func (m *MVCC) GetMetadata(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := m.store.Get(encodeMetadata(key))
	if err != nil {
		return nil, fmt.Errorf("mvcc: get metadata: %w", err)
	}
	return v, nil
}
