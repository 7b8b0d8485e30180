// Package raftlog implements the append-only log described in spec §4.5:
// an on-disk sequence of committed, immutable, length-prefixed entries with
// an in-memory offset index, an in-memory uncommitted tail queue, and a
// sidecar metadata file. It is shaped for use by an external consensus
// runtime, which owns the append/commit/truncate decisions this package
// only mechanically executes.
package raftlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/stonedb/stonekv"
)

const (
	logFileName      = "raft-log"
	metadataFileName = "raft-metadata"
	lengthPrefixSize = 4
)

// entryLoc locates a committed entry's payload within the log file.
type entryLoc struct {
	offset int64
	size   uint32
}

// Log is the append-only, length-prefixed log file plus its metadata
// side-file. All access to the file handle goes through mu, so get, scan,
// append and commit observe a single consistent seek position.
type Log struct {
	mu sync.Mutex

	file   *os.File
	index  map[uint64]entryLoc
	lastOf uint64 // highest committed index, == len(index)

	uncommitted [][]byte

	metadataFile *os.File
	metadata     map[string][]byte

	sync bool
	log  *zap.Logger
}

// Option configures a Log at construction time.
type Option func(*Log)

// WithSync makes commit and set-metadata fsync the underlying file before
// returning.
func WithSync(sync bool) Option {
	return func(l *Log) { l.sync = sync }
}

// WithLogger attaches a structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Log) {
		if log != nil {
			l.log = log
		}
	}
}

// Open creates dir if necessary, opens (or creates) its log and metadata
// files, and rebuilds the in-memory index and metadata cache from whatever
// is already on disk.
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("raftlog: create dir: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("raftlog: open log file: %w", err)
	}

	metaFile, err := os.OpenFile(filepath.Join(dir, metadataFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("raftlog: open metadata file: %w", err)
	}

	index, err := buildIndex(file)
	if err != nil {
		file.Close()
		metaFile.Close()
		return nil, fmt.Errorf("raftlog: rebuild index: %w", err)
	}

	metadata, err := loadMetadata(metaFile)
	if err != nil {
		file.Close()
		metaFile.Close()
		return nil, fmt.Errorf("raftlog: load metadata: %w", err)
	}

	l := &Log{
		file:         file,
		index:        index,
		lastOf:       uint64(len(index)),
		metadataFile: metaFile,
		metadata:     metadata,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log.Debug("raftlog: opened", zap.String("dir", dir), zap.Uint64("committed", l.lastOf))
	return l, nil
}

func buildIndex(file *os.File) (map[uint64]entryLoc, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r := bufio.NewReader(file)

	index := make(map[uint64]entryLoc)
	var pos int64
	var i uint64 = 1
	lenBuf := make([]byte, lengthPrefixSize)
	for pos < size {
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil, err
		}
		pos += lengthPrefixSize
		n := binary.BigEndian.Uint32(lenBuf)
		index[i] = entryLoc{offset: pos, size: n}
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return nil, err
		}
		pos += int64(n)
		i++
	}
	return index, nil
}

func loadMetadata(file *os.File) (map[string][]byte, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return make(map[string][]byte), nil
	}
	m := make(map[string][]byte)
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Close releases the underlying file handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err1 := l.file.Close()
	err2 := l.metadataFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Append pushes entry onto the uncommitted tail queue and returns the new
// logical length. Nothing is written to disk until Commit.
func (l *Log) Append(entry []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(entry))
	copy(cp, entry)
	l.uncommitted = append(l.uncommitted, cp)
	return l.lenLocked(), nil
}

// Committed returns the number of durable entries.
func (l *Log) Committed() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastOf
}

// Len returns committed() + the number of still-uncommitted entries.
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lenLocked()
}

func (l *Log) lenLocked() uint64 {
	return l.lastOf + uint64(len(l.uncommitted))
}

// IsEmpty reports whether the log has no entries at all.
func (l *Log) IsEmpty() bool { return l.Len() == 0 }

// Commit extends the durable prefix to cover indexes committed()+1..=upTo,
// writing each newly-committed entry as a single u32-length-prefixed
// record via a vectored write. upTo == committed() is a no-op; upTo below
// committed() or above len() is an error.
func (l *Log) Commit(upTo uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if upTo > l.lenLocked() {
		return fmt.Errorf("raftlog: cannot commit non-existent index %d: %w", upTo, stonekv.ErrInvalid)
	}
	if upTo < l.lastOf {
		return fmt.Errorf("raftlog: cannot shrink committed prefix below %d: %w", l.lastOf, stonekv.ErrInvalid)
	}
	if upTo == l.lastOf {
		return nil
	}

	pos, err := l.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("raftlog: seek: %w", err)
	}

	n := int(upTo - l.lastOf)
	iovecs := make([][]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		entry := l.uncommitted[i]

		lenBuf := make([]byte, lengthPrefixSize)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(entry)))
		iovecs = append(iovecs, lenBuf, entry)

		pos += lengthPrefixSize
		l.index[l.lastOf+uint64(i)+1] = entryLoc{offset: pos, size: uint32(len(entry))}
		pos += int64(len(entry))
	}

	if _, err := unix.Writev(int(l.file.Fd()), iovecs); err != nil {
		return fmt.Errorf("raftlog: writev: %w", err)
	}

	l.uncommitted = l.uncommitted[n:]
	l.lastOf = upTo

	if l.sync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("raftlog: fsync: %w", err)
		}
	}
	l.log.Debug("raftlog: commit", zap.Uint64("committed", l.lastOf))
	return nil
}

// Truncate drops uncommitted tail entries to reach newLen. It errors if
// newLen would remove committed entries.
func (l *Log) Truncate(newLen uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if newLen < l.lastOf {
		return 0, fmt.Errorf("raftlog: cannot truncate below committed index %d: %w", l.lastOf, stonekv.ErrInvalid)
	}
	if want := newLen - l.lastOf; want < uint64(len(l.uncommitted)) {
		l.uncommitted = l.uncommitted[:want]
	}
	return l.lenLocked(), nil
}

// Get fetches entry i. Index 0 is always absent; indexes beyond Len are
// also reported as absent rather than an error.
func (l *Log) Get(i uint64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getLocked(i)
}

func (l *Log) getLocked(i uint64) ([]byte, error) {
	switch {
	case i == 0:
		return nil, nil
	case i <= l.lastOf:
		loc, ok := l.index[i]
		if !ok {
			return nil, fmt.Errorf("raftlog: missing index entry for %d", i)
		}
		buf := make([]byte, loc.size)
		if _, err := l.file.ReadAt(buf, loc.offset); err != nil {
			return nil, fmt.Errorf("raftlog: read entry %d: %w", i, err)
		}
		return buf, nil
	case i <= l.lenLocked():
		return l.uncommitted[i-l.lastOf-1], nil
	default:
		return nil, nil
	}
}

// Size returns the byte offset just past the last committed entry, or 0 if
// nothing has been committed.
func (l *Log) Size() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastOf == 0 {
		return 0
	}
	loc := l.index[l.lastOf]
	return uint64(loc.offset) + uint64(loc.size)
}

// GetMetadata reads a cached metadata value.
func (l *Log) GetMetadata(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.metadata[key]
	return v, ok
}

// SetMetadata sets a metadata value and rewrites the entire metadata file
// from offset zero.
func (l *Log) SetMetadata(key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metadata[key] = value

	data, err := msgpack.Marshal(l.metadata)
	if err != nil {
		return fmt.Errorf("raftlog: encode metadata: %w", err)
	}
	if err := l.metadataFile.Truncate(0); err != nil {
		return fmt.Errorf("raftlog: truncate metadata file: %w", err)
	}
	if _, err := l.metadataFile.WriteAt(data, 0); err != nil {
		return fmt.Errorf("raftlog: write metadata file: %w", err)
	}
	if l.sync {
		if err := l.metadataFile.Sync(); err != nil {
			return fmt.Errorf("raftlog: fsync metadata: %w", err)
		}
	}
	return nil
}

// Bound and Range mirror stonekv.Bound/Range but over log indexes rather
// than byte keys.
type Bound struct {
	Kind  stonekv.BoundKind
	Value uint64
}

type Range struct {
	Start, End Bound
}

// Scanner is a lazy forward iterator over a committed-then-uncommitted
// span of entries.
type Scanner struct {
	l        *Log
	cur, end uint64
	empty    bool
}

// Next returns the next entry in the scan, or ok == false once exhausted.
func (s *Scanner) Next() (entry []byte, ok bool, err error) {
	if s.empty || s.cur > s.end {
		return nil, false, nil
	}
	v, err := s.l.Get(s.cur)
	if err != nil {
		return nil, false, err
	}
	s.cur++
	return v, true, nil
}

// Scan clips r to [1, Len()] following the interval semantics in spec
// §4.5 (Excluded(0) on the end side means an empty scan) and returns a
// Scanner over the committed file followed by the uncommitted queue.
func (l *Log) Scan(r Range) *Scanner {
	l.mu.Lock()
	length := l.lenLocked()
	l.mu.Unlock()

	var start uint64
	switch r.Start.Kind {
	case stonekv.Included:
		if r.Start.Value == 0 {
			start = 1
		} else {
			start = r.Start.Value
		}
	case stonekv.Excluded:
		start = r.Start.Value + 1
	default:
		start = 1
	}

	var end uint64
	empty := false
	switch r.End.Kind {
	case stonekv.Included:
		end = r.End.Value
	case stonekv.Excluded:
		if r.End.Value == 0 {
			empty = true
		} else {
			end = r.End.Value - 1
		}
	default:
		end = length
	}
	if end > length {
		end = length
	}

	if start > end {
		empty = true
	}
	return &Scanner{l: l, cur: start, end: end, empty: empty}
}
