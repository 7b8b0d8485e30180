package stonekv

import (
	"go.uber.org/zap"
)

// Memory adapts a Skiplist to the Store interface. It never blocks beyond
// the skiplist's own locks and its Flush is a no-op, since there is nothing
// to persist.
type Memory struct {
	skl *Skiplist
	log *zap.Logger
}

var _ Store = (*Memory)(nil)

// MemoryOption configures a Memory store at construction time.
type MemoryOption func(*Memory)

// WithMemoryLogger attaches a structured logger to the store.
func WithMemoryLogger(log *zap.Logger) MemoryOption {
	return func(m *Memory) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMemory builds an empty in-memory store backed by a fresh skiplist over
// a fresh BlockArena.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		skl: NewSkiplist(BytewiseComparator{}, NewBlockArena()),
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(key []byte) ([]byte, error) {
	n := m.skl.Get(key)
	if n == nil {
		return nil, nil
	}
	return n.Value(), nil
}

func (m *Memory) Set(key, value []byte) error {
	m.skl.Insert(key, value)
	return nil
}

func (m *Memory) Delete(key []byte) error {
	m.skl.Delete(key)
	return nil
}

func (m *Memory) Flush() error { return nil }

func (m *Memory) Scan(r Range) Iterator {
	return &memoryIterator{skl: m.skl, r: r}
}

// memoryIterator is the bidirectional cursor described in spec §4.4: a
// front cursor walking forward from the start bound and a back cursor
// walking backward from the end bound, both against the same underlying
// skiplist. Neither cursor is positioned until its first Next/NextBack
// call. The scan terminates for a direction once its cursor's candidate
// fails the opposite bound or the two cursors have met.
type memoryIterator struct {
	skl *Skiplist
	r   Range

	front       *Node
	frontStart  bool
	frontDone   bool
	back        *Node
	backStart   bool
	backDone    bool
}

func (it *memoryIterator) Close() error { return nil }

func (it *memoryIterator) Next() (key, value []byte, ok bool) {
	if it.frontDone {
		return nil, nil, false
	}
	if !it.frontStart {
		it.frontStart = true
		switch it.r.Start.Kind {
		case Included:
			it.front = it.skl.GreaterOrEqual(it.r.Start.Key)
		case Excluded:
			it.front = it.skl.FirstGreater(it.r.Start.Key)
		case Unbounded:
			it.front = it.skl.GetFirst()
		}
	} else if it.front != nil {
		it.front = it.front.Next()
	}
	if it.front == nil || !it.satisfiesEnd(it.front.Key()) || it.metBack() {
		it.frontDone = true
		return nil, nil, false
	}
	return it.front.Key(), it.front.Value(), true
}

func (it *memoryIterator) NextBack() (key, value []byte, ok bool) {
	if it.backDone {
		return nil, nil, false
	}
	if !it.backStart {
		it.backStart = true
		switch it.r.End.Kind {
		case Included:
			it.back = it.skl.LessOrEqual(it.r.End.Key)
		case Excluded:
			it.back = it.skl.FirstLess(it.r.End.Key)
		case Unbounded:
			it.back = it.skl.GetLast()
		}
	} else if it.back != nil {
		it.back = it.back.Prev()
	}
	if it.back == nil || !it.satisfiesStart(it.back.Key()) || it.metFront() {
		it.backDone = true
		return nil, nil, false
	}
	return it.back.Key(), it.back.Value(), true
}

func (it *memoryIterator) satisfiesEnd(key []byte) bool {
	cmp := BytewiseComparator{}
	switch it.r.End.Kind {
	case Included:
		return cmp.Compare(key, it.r.End.Key) <= 0
	case Excluded:
		return cmp.Compare(key, it.r.End.Key) < 0
	default:
		return true
	}
}

func (it *memoryIterator) satisfiesStart(key []byte) bool {
	cmp := BytewiseComparator{}
	switch it.r.Start.Kind {
	case Included:
		return cmp.Compare(key, it.r.Start.Key) >= 0
	case Excluded:
		return cmp.Compare(key, it.r.Start.Key) > 0
	default:
		return true
	}
}

// metBack reports whether the front cursor has reached or passed a back
// cursor that has already started walking. Reaching the same node counts as
// met: whichever cursor arrives there second must stop instead of yielding
// it again.
func (it *memoryIterator) metBack() bool {
	if !it.backStart || it.back == nil || it.front == nil {
		return false
	}
	return BytewiseComparator{}.Compare(it.front.Key(), it.back.Key()) >= 0
}

func (it *memoryIterator) metFront() bool {
	if !it.frontStart || it.front == nil || it.back == nil {
		return false
	}
	return BytewiseComparator{}.Compare(it.back.Key(), it.front.Key()) <= 0
}
