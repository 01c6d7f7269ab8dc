// Package blockpool implements the deterministic block allocator from
// spec section 4.8: a fixed byte pool divided into equal-size cells, with
// an intrusive free list of headers {next, allocated flag, size} threaded
// through the free cells themselves (spec section 3's "Block allocator
// state"). An allocation spanning k cells consumes the first contiguous
// run of at least k free cells the free list search finds; Free returns
// the run to the head of the free list with opportunistic single-neighbor
// coalescing (see DESIGN.md for why this goes beyond spec.md's minimum
// and how it stays bounded work).
//
// blockpool keeps its own critical.Section rather than sharing the
// scheduler's, since allocator state never needs to be mutated atomically
// with respect to the ready set or wait queues (spec section 4.9 scopes
// the critical section per protected resource, not globally), the same
// way the teacher's catrate and microbatch packages each guard only their
// own state rather than taking a global lock.
package blockpool

import (
	"unsafe"

	"golang.org/x/exp/constraints"

	"github.com/cmc-labo/tinyos-rtos-sub000/critical"
	"github.com/cmc-labo/tinyos-rtos-sub000/rtoserr"
)

const freeMagic = 0xFEEDC0DE

// Pool is a fixed-capacity arena of equal-size cells, allocatable in
// contiguous multi-cell runs. The zero value is not usable; construct
// with New.
type Pool struct {
	sec critical.Section

	cellSize   int // usable bytes per cell, rounded up to a pointer alignment
	cellStride int // cellSize + header size
	capacity   int // total cells in the arena

	arena []byte

	freeHead  int32 // start index of the first free run, or -1
	freeCells int   // cells currently free, across every run

	coalesce bool
}

// cellHeader sits at the start of every run (free or allocated). next and
// size are meaningful only while the run is free (it is the free list's
// intrusive link and the run's length in cells); an allocated run's size
// is still kept so Free knows how many cells to return.
type cellHeader struct {
	magic uint32
	next  int32
	size  int32
}

const headerSize = int(unsafe.Sizeof(cellHeader{}))

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithCoalescing enables opportunistic merging of a freed run with its
// immediately following neighbor when that neighbor is also free,
// trading a little extra bookkeeping at Free time for fewer effectively
// wasted cells under fragmentation-prone allocation patterns. Off by
// default, matching spec section 4.8's "coalescing ... is optional and
// may be deferred".
func WithCoalescing(enabled bool) Option {
	return func(p *Pool) { p.coalesce = enabled }
}

// cellsFor rounds a byte size up to a whole number of cells, for any
// integer size type, the way the teacher's catrate package parameterizes
// its ring-buffer arithmetic over golang.org/x/exp/constraints.Integer.
func cellsFor[T constraints.Integer](sizeBytes T, cellSize int) int {
	n := int(sizeBytes)
	return (n + cellSize - 1) / cellSize
}

// New constructs a Pool of capacity cells, each cellSize usable bytes.
// cellSize and capacity must be positive.
func New(cellSize, capacity int, opts ...Option) *Pool {
	if cellSize <= 0 || capacity <= 0 {
		panic("blockpool: cellSize and capacity must be positive")
	}
	aligned := (cellSize + 7) &^ 7
	stride := headerSize + aligned
	p := &Pool{
		cellSize:   aligned,
		cellStride: stride,
		capacity:   capacity,
		arena:      make([]byte, stride*capacity),
		freeHead:   0,
		freeCells:  capacity,
	}
	for _, o := range opts {
		o(p)
	}
	h := p.header(0)
	h.magic = freeMagic
	h.next = -1
	h.size = int32(capacity)
	return p
}

// CellSize returns the usable size of each cell.
func (p *Pool) CellSize() int { return p.cellSize }

// Capacity returns the total number of cells in the pool.
func (p *Pool) Capacity() int { return p.capacity }

// GetFree returns the number of free bytes currently in the pool (spec
// section 4.8's get_free()).
func (p *Pool) GetFree() int {
	tok := p.sec.Enter()
	defer p.sec.Exit(tok)
	return p.freeCells * p.cellSize
}

// AllocatedBytes returns (capacity-free)*cellSize, the complement
// invariant spec section 3 requires to stay constant together with
// GetFree across alloc/free pairs.
func (p *Pool) AllocatedBytes() int {
	tok := p.sec.Enter()
	defer p.sec.Exit(tok)
	return (p.capacity - p.freeCells) * p.cellSize
}

// Malloc allocates the first contiguous run of cells whose total size is
// at least sizeBytes, per spec section 4.8's first-fit free-list walk. It
// returns rtoserr.InvalidParam for a zero or negative size, or
// rtoserr.NoMemory if no sufficiently large run is free.
func (p *Pool) Malloc(sizeBytes int) ([]byte, error) {
	if sizeBytes <= 0 {
		return nil, rtoserr.InvalidParam
	}
	need := cellsFor(sizeBytes, p.cellSize)

	tok := p.sec.Enter()
	defer p.sec.Exit(tok)

	prev := int32(-1)
	id := p.freeHead
	for id != -1 {
		h := p.header(int(id))
		if int(h.size) >= need {
			p.unlinkFreeLocked(id, prev)
			if int(h.size) > need {
				p.splitLocked(id, need)
			}
			p.freeCells -= need
			h.magic = 0
			return p.cellData(int(id)), nil
		}
		prev = id
		id = h.next
	}
	return nil, rtoserr.NoMemory
}

// Free returns a run previously obtained from Malloc to the pool. b must
// be exactly the slice Malloc returned (same backing array and offset);
// passing any other slice returns rtoserr.InvalidParam rather than
// corrupting the free list. Freeing an already-free run, or a nil slice,
// is a no-op that returns nil, per spec section 4.8.
func (p *Pool) Free(b []byte) error {
	if b == nil {
		return nil
	}
	idx, ok := p.indexOf(b)
	if !ok {
		return rtoserr.InvalidParam
	}
	tok := p.sec.Enter()
	defer p.sec.Exit(tok)

	h := p.header(idx)
	if h.magic == freeMagic {
		return nil // double free: silently ignored, per spec section 4.8
	}

	size := int(h.size)
	if p.coalesce {
		size = p.coalesceWithNextLocked(idx, size)
	}

	h.magic = freeMagic
	h.size = int32(size)
	h.next = p.freeHead
	p.freeHead = int32(idx)
	p.freeCells += size
	return nil
}

// splitLocked carves a run starting at idx (currently size cells, already
// unlinked from the free list) into an allocated prefix of need cells and
// a free remainder, which is pushed back onto the free list.
func (p *Pool) splitLocked(idx int32, need int) {
	h := p.header(int(idx))
	remainderIdx := int(idx) + need
	remainderSize := int(h.size) - need
	h.size = int32(need)

	rh := p.header(remainderIdx)
	rh.magic = freeMagic
	rh.size = int32(remainderSize)
	rh.next = p.freeHead
	p.freeHead = int32(remainderIdx)
}

// unlinkFreeLocked removes the free run starting at id from the free
// list, given the index of its predecessor in the list (-1 if id is the
// head).
func (p *Pool) unlinkFreeLocked(id, prev int32) {
	h := p.header(int(id))
	if prev == -1 {
		p.freeHead = h.next
	} else {
		p.header(int(prev)).next = h.next
	}
	h.next = -1
}

// coalesceWithNextLocked merges the run starting at idx (of the given
// size, not yet relinked into the free list) with its immediately
// following neighbor if that neighbor is itself a free run, unlinking the
// neighbor from the free list in the process. It intentionally looks at
// exactly one neighbor, keeping Free O(freeListLen) rather than O(n^2)
// from repeated merging; see DESIGN.md.
func (p *Pool) coalesceWithNextLocked(idx, size int) int {
	neighborIdx := idx + size
	if neighborIdx >= p.capacity {
		return size
	}
	nh := p.header(neighborIdx)
	if nh.magic != freeMagic {
		return size
	}

	if p.freeHead == int32(neighborIdx) {
		p.freeHead = nh.next
		return size + int(nh.size)
	}
	cur := p.freeHead
	for cur != -1 {
		ch := p.header(int(cur))
		if ch.next == int32(neighborIdx) {
			ch.next = nh.next
			return size + int(nh.size)
		}
		cur = ch.next
	}
	return size
}

func (p *Pool) header(idx int) *cellHeader {
	off := idx * p.cellStride
	return (*cellHeader)(unsafe.Pointer(&p.arena[off]))
}

func (p *Pool) cellData(idx int) []byte {
	off := idx*p.cellStride + headerSize
	h := p.header(idx)
	length := int(h.size) * p.cellSize
	return p.arena[off : off+length : off+length]
}

func (p *Pool) indexOf(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	base := unsafe.Pointer(&p.arena[0])
	ptr := unsafe.Pointer(&b[0])
	offset := uintptr(ptr) - uintptr(base)
	if offset >= uintptr(len(p.arena)) {
		return 0, false
	}
	if int(offset-uintptr(headerSize))%p.cellStride != 0 {
		return 0, false
	}
	idx := (int(offset) - headerSize) / p.cellStride
	if idx < 0 || idx >= p.capacity {
		return 0, false
	}
	return idx, true
}
