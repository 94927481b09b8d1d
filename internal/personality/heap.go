package personality

import (
	"fmt"
	"sort"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// pageSize is the unit the sandbox personality grows its module's linear
// memory by when the free list cannot satisfy a request (§4.5).
const pageSize = 64 * 1024

// GrowFunc grows the module's linear memory by one or more 64 KiB pages and
// returns the base address of the newly available region. It mirrors a
// WASM module's memory.grow.
type GrowFunc func(pages uint32) (base uint32, err error)

// freeBlock is one entry of the free list: [Base, Base+Size).
type freeBlock struct {
	Base uint32
	Size uint32
}

// Heap is the sandbox personality's user-heap allocator: first-fit over an
// address-sorted free list, coalescing adjacent blocks on every insertion,
// growing the backing memory by whole 64 KiB pages when exhausted (§4.5
// "User heap inside the module").
type Heap struct {
	free  []freeBlock
	grow  GrowFunc
	align uint32
}

// NewHeap constructs an empty heap; grow supplies additional backing memory
// on demand.
func NewHeap(grow GrowFunc) *Heap {
	return &Heap{grow: grow, align: 16}
}

// AddRegion registers a block of already-available memory with the
// allocator, e.g. the module's initial linear memory beyond its data
// segment.
func (h *Heap) AddRegion(base, size uint32) {
	h.insert(freeBlock{Base: base, Size: size})
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

// insert adds a free block in address order and coalesces it with its
// immediate neighbors.
func (h *Heap) insert(b freeBlock) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].Base >= b.Base })
	h.free = append(h.free, freeBlock{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = b

	// Coalesce with the following neighbor first so indices stay valid.
	if i+1 < len(h.free) && h.free[i].Base+h.free[i].Size == h.free[i+1].Base {
		h.free[i].Size += h.free[i+1].Size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].Base+h.free[i-1].Size == h.free[i].Base {
		h.free[i-1].Size += h.free[i].Size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

// Alloc returns the base of a region of at least size bytes, aligned to
// align (0 means the heap's default alignment). When no free block fits it
// grows the backing memory by whole 64 KiB pages and retries once.
func (h *Heap) Alloc(size, align uint32) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("personality: heap alloc: %w: size 0", kerr.ErrInvalidParameter)
	}
	if align == 0 {
		align = h.align
	}
	size = alignUp(size, h.align)

	if base, ok := h.takeFirstFit(size, align); ok {
		return base, nil
	}

	if h.grow == nil {
		return 0, fmt.Errorf("personality: heap alloc %d bytes: %w", size, kerr.ErrOutOfMemory)
	}
	pages := (size + align + pageSize - 1) / pageSize
	if pages == 0 {
		pages = 1
	}
	base, err := h.grow(pages)
	if err != nil {
		return 0, fmt.Errorf("personality: heap grow %d pages: %w", pages, err)
	}
	h.insert(freeBlock{Base: base, Size: pages * pageSize})

	if base, ok := h.takeFirstFit(size, align); ok {
		return base, nil
	}
	return 0, fmt.Errorf("personality: heap alloc %d bytes after grow: %w", size, kerr.ErrOutOfMemory)
}

// takeFirstFit scans the address-sorted free list for the first block that
// fits size at the requested alignment, splitting off any remainder.
func (h *Heap) takeFirstFit(size, align uint32) (uint32, bool) {
	for i, b := range h.free {
		aligned := alignUp(b.Base, align)
		pad := aligned - b.Base
		if pad+size > b.Size {
			continue
		}
		h.free = append(h.free[:i], h.free[i+1:]...)
		if pad > 0 {
			h.insert(freeBlock{Base: b.Base, Size: pad})
		}
		if rem := b.Size - pad - size; rem > 0 {
			h.insert(freeBlock{Base: aligned + size, Size: rem})
		}
		return aligned, true
	}
	return 0, false
}

// Dealloc returns [base, base+size) to the free list, coalescing with any
// adjacent free blocks.
func (h *Heap) Dealloc(base, size uint32) {
	if size == 0 {
		return
	}
	h.insert(freeBlock{Base: base, Size: alignUp(size, h.align)})
}
