package stonekv

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

// BlockSize is the fixed size of each arena block.
const BlockSize = 4096

// maxAllocUnit is the largest request BlockArena will still carve out of the
// current block; anything bigger gets a dedicated block of its own.
const maxAllocUnit = BlockSize / 4

// Arena is a bump-pointer region allocator: callers request aligned byte
// buffers and the arena hands out slices of growing blocks, never
// individually freeing them. All memory is reclaimed at once when the arena
// (and everything built on it) is dropped.
type Arena interface {
	// Allocate returns a zeroed buffer of exactly size bytes whose address
	// is a multiple of align. size must be > 0 and align must be a power of
	// two, or Allocate panics — these are programmer errors, not runtime
	// conditions callers should plan to recover from.
	Allocate(size int, align uintptr) []byte

	// MemoryUsed returns the total number of bytes ever handed to blocks,
	// not the number of live bytes still referenced.
	MemoryUsed() int64
}

// BlockArena is the default Arena: it bumps a pointer through BlockSize-byte
// blocks, falling back to a dedicated block for oversized requests.
type BlockArena struct {
	mu           sync.Mutex // guards block list growth and the bump cursor
	current      []byte
	currentOff   int
	blocks       [][]byte
	memoryUsage  atomic.Int64
	log          *zap.Logger
}

var _ Arena = (*BlockArena)(nil)

// NewBlockArena creates an empty BlockArena. The first block is allocated
// lazily on the first Allocate call.
func NewBlockArena(opts ...ArenaOption) *BlockArena {
	a := &BlockArena{log: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ArenaOption configures a BlockArena at construction time.
type ArenaOption func(*BlockArena)

// WithArenaLogger attaches a structured logger to the arena.
func WithArenaLogger(log *zap.Logger) ArenaOption {
	return func(a *BlockArena) {
		if log != nil {
			a.log = log
		}
	}
}

func (a *BlockArena) Allocate(size int, align uintptr) []byte {
	if size <= 0 {
		panic("stonekv: arena allocate size must be > 0")
	}
	if align == 0 || align&(align-1) != 0 {
		panic("stonekv: arena allocate align must be a power of two")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if size > maxAllocUnit {
		buf := a.allocateNewBlockLocked(size)
		return alignWithin(buf, size, align)
	}

	if buf, ok := a.tryBumpLocked(size, align); ok {
		return buf
	}

	a.current = a.allocateNewBlockLocked(BlockSize)
	a.currentOff = 0
	buf, ok := a.tryBumpLocked(size, align)
	if !ok {
		// size <= maxAllocUnit < BlockSize so a fresh block always has room,
		// even after alignment slop.
		panic("stonekv: arena invariant violated, fresh block too small")
	}
	return buf
}

// tryBumpLocked attempts to carve size bytes, aligned to align, out of the
// current block. mu must be held.
func (a *BlockArena) tryBumpLocked(size int, align uintptr) ([]byte, bool) {
	if a.current == nil {
		return nil, false
	}
	base := uintptr(unsafe.Pointer(&a.current[0]))
	cur := base + uintptr(a.currentOff)
	slop := 0
	if mod := cur % align; mod != 0 {
		slop = int(align - mod)
	}
	needed := slop + size
	if a.currentOff+needed > len(a.current) {
		return nil, false
	}
	start := a.currentOff + slop
	a.currentOff += needed
	buf := a.current[start : start+size : start+size]
	return buf, true
}

// allocateNewBlockLocked grows the arena by one block of blockBytes bytes
// and records it for the arena's lifetime. mu must be held.
func (a *BlockArena) allocateNewBlockLocked(blockBytes int) []byte {
	// Over-allocate so the caller can always find an aligned sub-slice,
	// regardless of where the Go allocator happens to place the backing
	// array.
	block := make([]byte, blockBytes+int(maxAlignGuard))
	a.blocks = append(a.blocks, block)
	a.memoryUsage.Add(int64(blockBytes))
	a.log.Debug("arena: new block", zap.Int("bytes", blockBytes), zap.Int("blocks", len(a.blocks)))
	return block
}

// maxAlignGuard is extra slack reserved on every dedicated/fresh block so
// Allocate can always find an aligned start for any alignment up to this
// many bytes. The skiplist itself only requests byte alignment for its
// key/value copies.
const maxAlignGuard = uintptr(64)

// alignWithin returns the first size-byte aligned sub-slice of buf.
func alignWithin(buf []byte, size int, align uintptr) []byte {
	base := uintptr(unsafe.Pointer(&buf[0]))
	var off uintptr
	if mod := base % align; mod != 0 {
		off = align - mod
	}
	if int(off)+size > len(buf) {
		panic(fmt.Sprintf("stonekv: arena block too small to align to %d", align))
	}
	return buf[off : int(off)+size : int(off)+size]
}

func (a *BlockArena) MemoryUsed() int64 {
	return a.memoryUsage.Load()
}
