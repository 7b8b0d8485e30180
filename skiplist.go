package stonekv

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// MaxHeight bounds the number of levels any node's tower may span.
const MaxHeight = 20

// Branching controls the geometric distribution used by randomHeight: a new
// node's height only grows past 1 with probability 1/Branching at each
// successive level.
const Branching = 4

// Node is a single entry in the skiplist's ordered index. Nodes are never
// freed individually — Delete only unlinks them, and their backing memory
// is reclaimed when the arena underneath the whole skiplist is dropped.
//
// Key and Value are byte slices carved out of the skiplist's Arena, which
// amortizes the allocator overhead of storing many small variable-length
// records. The tower and back pointer are ordinary Go pointers (published
// with atomic.Pointer) rather than arena-resident addresses, so the
// garbage collector can trace the index without needing to understand a
// hand-rolled offset scheme — the Arena's job here is payload storage, not
// struct layout.
type Node struct {
	key, value []byte
	height     int
	sentinel   bool // head or tail of the skiplist, never a live entry
	back       atomic.Pointer[Node]
	forward    []atomic.Pointer[Node]
}

// Key returns the node's key.
func (n *Node) Key() []byte { return n.key }

// Value returns the node's value.
func (n *Node) Value() []byte { return n.value }

// Next returns the node immediately after this one at the bottom level, or
// nil if this is the last live node.
func (n *Node) Next() *Node {
	next := n.loadNext(0)
	if next == nil || next.sentinel {
		return nil
	}
	return next
}

// Prev returns the node immediately before this one at the bottom level, or
// nil if this is the first live node.
func (n *Node) Prev() *Node {
	prev := n.back.Load()
	if prev == nil || prev.sentinel {
		return nil
	}
	return prev
}

func (n *Node) loadNext(level int) *Node { return n.forward[level].Load() }
func (n *Node) storeNext(level int, v *Node) { n.forward[level].Store(v) }

func newNode(key, value []byte, height int) *Node {
	return &Node{key: key, value: value, height: height, forward: make([]atomic.Pointer[Node], height)}
}

// Skiplist is a concurrent ordered index over byte keys: a probabilistic
// multi-level linked list whose bottom level is doubly linked for reverse
// scans. Mutations (Insert/Delete) are serialized by a single write lock;
// reads (Get and the positioning primitives) take the read lock, so they
// may proceed concurrently with one another but not with a mutation in
// flight. This is the simpler of the two strategies spec'd for the
// doubly-linked bottom level — a fully lock-free design with marked
// pointers is also conformant but isn't needed at this scale.
type Skiplist struct {
	cmp   Comparator
	arena Arena

	mu sync.RWMutex // serializes Insert/Delete; readers take RLock

	head, tail *Node
	maxHeight  atomic.Int32
	count      atomic.Int64
	size       atomic.Int64

	rndMu sync.Mutex
	rnd   *rand.Rand

	log *zap.Logger
}

// SkiplistOption configures a Skiplist at construction time.
type SkiplistOption func(*Skiplist)

// WithSkiplistLogger attaches a structured logger to the skiplist.
func WithSkiplistLogger(log *zap.Logger) SkiplistOption {
	return func(s *Skiplist) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSkiplist builds an empty skiplist over the given comparator and arena.
func NewSkiplist(cmp Comparator, arena Arena, opts ...SkiplistOption) *Skiplist {
	s := &Skiplist{
		cmp:   cmp,
		arena: arena,
		head:  newNode(nil, nil, MaxHeight),
		tail:  newNode(nil, nil, MaxHeight),
		rnd:   rand.New(rand.NewSource(0xc0ffee)),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.head.sentinel, s.tail.sentinel = true, true
	s.maxHeight.Store(1)
	for lvl := 0; lvl < MaxHeight; lvl++ {
		s.head.storeNext(lvl, s.tail)
	}
	return s
}

// Count returns the number of live entries.
func (s *Skiplist) Count() int64 { return s.count.Load() }

// TotalSize returns the sum of key bytes across all live entries.
func (s *Skiplist) TotalSize() int64 { return s.size.Load() }

// randomHeight samples a tower height in [1, MaxHeight] from a geometric
// distribution with parameter 1/Branching: expected height is about
// 1/(1 - 1/Branching), roughly 1.33 for Branching = 4.
func (s *Skiplist) randomHeight() int {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	h := 1
	for h < MaxHeight && s.rnd.Uint32()%Branching == 0 {
		h++
	}
	return h
}

func (s *Skiplist) isHead(n *Node) bool { return n == s.head }
func (s *Skiplist) isTail(n *Node) bool { return n == s.tail }

func (s *Skiplist) keyOf(n *Node) []byte { return n.key }

// search walks from the head at the current max height down to level 0,
// landing on the first node whose key is >= target (or the tail sentinel if
// none qualifies). When prev is non-nil it is filled in with the last node
// visited at each level, for use by Insert/Delete. mu must be held (read or
// write).
func (s *Skiplist) search(target []byte, prev []*Node) *Node {
	x := s.head
	height := int(s.maxHeight.Load())
	for level := height - 1; level >= 0; level-- {
		for {
			next := x.loadNext(level)
			if s.isTail(next) || s.cmp.Compare(s.keyOf(next), target) >= 0 {
				break
			}
			x = next
		}
		if prev != nil {
			prev[level] = x
		}
	}
	return x.loadNext(0)
}

// Get returns the node with key == k, or nil if none exists.
func (s *Skiplist) Get(k []byte) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.search(k, nil)
	if !s.isTail(n) && s.cmp.Compare(s.keyOf(n), k) == 0 {
		return n
	}
	return nil
}

// GetFirst returns the first live node, or nil if the skiplist is empty.
func (s *Skiplist) GetFirst() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.head.loadNext(0)
	if s.isTail(n) {
		return nil
	}
	return n
}

// GetLast returns the last live node, or nil if the skiplist is empty.
func (s *Skiplist) GetLast() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.tail.back.Load()
	if n == nil || s.isHead(n) {
		return nil
	}
	return n
}

// GreaterOrEqual returns the first live node with key >= k, or nil.
func (s *Skiplist) GreaterOrEqual(k []byte) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.search(k, nil)
	if s.isTail(n) {
		return nil
	}
	return n
}

// FirstGreater returns the first live node with key > k, or nil.
func (s *Skiplist) FirstGreater(k []byte) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.search(k, nil)
	if s.isTail(n) {
		return nil
	}
	if s.cmp.Compare(s.keyOf(n), k) == 0 {
		n = n.loadNext(0)
		if s.isTail(n) {
			return nil
		}
	}
	return n
}

// LessOrEqual returns the last live node with key <= k, or nil.
func (s *Skiplist) LessOrEqual(k []byte) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var prev [MaxHeight]*Node
	n := s.search(k, prev[:])
	if !s.isTail(n) && s.cmp.Compare(s.keyOf(n), k) == 0 {
		return n
	}
	p := prev[0]
	if s.isHead(p) {
		return nil
	}
	return p
}

// FirstLess returns the last live node with key < k, or nil.
func (s *Skiplist) FirstLess(k []byte) *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var prev [MaxHeight]*Node
	s.search(k, prev[:])
	p := prev[0]
	if s.isHead(p) {
		return nil
	}
	return p
}

// Insert links a new node with key/value, or — if a live node with key == k
// already exists — replaces that node's value in place and returns.
func (s *Skiplist) Insert(key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev [MaxHeight]*Node
	existing := s.search(key, prev[:])
	if !s.isTail(existing) && s.cmp.Compare(s.keyOf(existing), key) == 0 {
		existing.value = s.copyBytes(value)
		return
	}

	height := s.randomHeight()
	curMax := int(s.maxHeight.Load())
	if height > curMax {
		for level := curMax; level < height; level++ {
			prev[level] = s.head
		}
		s.maxHeight.Store(int32(height))
	}

	node := newNode(s.copyBytes(key), s.copyBytes(value), height)
	for level := 0; level < height; level++ {
		p := prev[level]
		next := p.loadNext(level)
		node.storeNext(level, next)
		p.storeNext(level, node)
	}
	if succ := node.loadNext(0); succ != nil {
		succ.back.Store(node)
	}
	node.back.Store(prev[0])

	s.count.Add(1)
	s.size.Add(int64(len(key)))
	s.log.Debug("skiplist: insert", zap.Int("height", height), zap.Int64("count", s.count.Load()))
}

// Delete unlinks the node with key == k, if any. It is a no-op if absent.
func (s *Skiplist) Delete(k []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev [MaxHeight]*Node
	n := s.search(k, prev[:])
	if s.isTail(n) || s.cmp.Compare(s.keyOf(n), k) != 0 {
		return
	}

	for level := 0; level < n.height; level++ {
		prev[level].storeNext(level, n.loadNext(level))
	}
	if succ := n.loadNext(0); succ != nil {
		succ.back.Store(n.back.Load())
	}

	for h := int(s.maxHeight.Load()); h > 1 && s.isTail(s.head.loadNext(h-1)); h-- {
		s.maxHeight.Store(int32(h - 1))
	}

	s.count.Add(-1)
	s.size.Add(-int64(len(k)))
}

// copyBytes stores a defensive copy of b in the arena backing this
// skiplist, so callers may reuse their buffer after Insert returns.
func (s *Skiplist) copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	buf := s.arena.Allocate(len(b), 1)
	copy(buf, b)
	return buf
}
