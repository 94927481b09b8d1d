// Package mm implements physical memory management and 4-level paging
// (§3, §4.1). PhysicalAddress is opaque outside this package; callers
// reach memory only through mmap'd virtual addresses.
package mm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// PhysicalAddress is a 64-bit physical address, opaque to callers outside
// this package (§3).
type PhysicalAddress uint64

const (
	// PageSize4K is the base page size.
	PageSize4K = 1 << 12
	// PageSize2M is the large-page size level 2 entries may map directly.
	PageSize2M = 1 << 21
)

// AlignUp rounds v up to the next multiple of align, which must be a power
// of two.
func AlignUp(v, align uint64) uint64 {
	mask := align - 1
	return (v + mask) &^ mask
}

// AlignDown rounds v down to the previous multiple of align.
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// IsAligned reports whether v is a multiple of align.
func IsAligned(v, align uint64) bool {
	return v&(align-1) == 0
}

// RAMArena is the kernel's model of physical RAM: a single anonymous,
// page-aligned mapping whose address is stable for the arena's lifetime.
// Real hardware has many discontiguous runs of usable RAM (per the
// firmware memory map); the arena only needs to behave like one flat span
// of bytes addressable by physical offset, the same role guest RAM plays
// for a hypervisor backing it with mmap (internal/hv/kvm.AllocateMemory in
// the corpus this kernel is grounded on).
type RAMArena struct {
	base  PhysicalAddress
	bytes []byte
}

// NewRAMArena reserves size bytes (rounded up to a page) of anonymous,
// page-aligned memory to stand in for physical RAM starting at base.
func NewRAMArena(base PhysicalAddress, size uint64) (*RAMArena, error) {
	size = AlignUp(size, PageSize4K)
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mm: reserve RAM arena: %w", err)
	}
	return &RAMArena{base: base, bytes: mem}, nil
}

// Close releases the backing mapping.
func (a *RAMArena) Close() error {
	if a.bytes == nil {
		return nil
	}
	err := unix.Munmap(a.bytes)
	a.bytes = nil
	return err
}

// Base returns the physical base address of the arena.
func (a *RAMArena) Base() PhysicalAddress { return a.base }

// Size returns the arena length in bytes.
func (a *RAMArena) Size() uint64 { return uint64(len(a.bytes)) }

// Contains reports whether [pa, pa+length) lies entirely within the arena.
func (a *RAMArena) Contains(pa PhysicalAddress, length uint64) bool {
	if pa < a.base {
		return false
	}
	off := uint64(pa - a.base)
	end := off + length
	return end >= off && end <= a.Size()
}

// Bytes returns a slice view of [pa, pa+length) into the arena.
func (a *RAMArena) Bytes(pa PhysicalAddress, length uint64) ([]byte, error) {
	if !a.Contains(pa, length) {
		return nil, fmt.Errorf("mm: physical range [0x%x, 0x%x) outside RAM arena", pa, uint64(pa)+length)
	}
	off := uint64(pa - a.base)
	return a.bytes[off : off+length], nil
}

// FrameAllocator hands out page-frame-aligned physical addresses from one
// RAM arena. It is a simple bump allocator over a free list of runs,
// grounded on the teacher's AddressSpace bump-and-align allocation style
// (internal/hv/address_space.go): allocate by aligning the cursor up and
// advancing it, and maintain a tiny free list for frames the caller frees.
type FrameAllocator struct {
	mu sync.Mutex

	arena *RAMArena
	next  PhysicalAddress
	end   PhysicalAddress

	free []PhysicalAddress // freed single frames, LIFO reuse
}

// NewFrameAllocator builds an allocator that carves frames out of arena,
// reserving [0, reserved) for the kernel image and early structures.
func NewFrameAllocator(arena *RAMArena, reserved uint64) *FrameAllocator {
	start := arena.Base() + PhysicalAddress(AlignUp(reserved, PageSize4K))
	return &FrameAllocator{
		arena: arena,
		next:  start,
		end:   arena.Base() + PhysicalAddress(arena.Size()),
	}
}

// AllocFrame returns one zeroed 4 KiB physical frame.
func (f *FrameAllocator) AllocFrame() (PhysicalAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n := len(f.free); n > 0 {
		pa := f.free[n-1]
		f.free = f.free[:n-1]
		f.zero(pa, PageSize4K)
		return pa, nil
	}

	if f.next+PageSize4K > f.end {
		return 0, fmt.Errorf("mm: %w", kerr.ErrOutOfMemory)
	}
	pa := f.next
	f.next += PageSize4K
	f.zero(pa, PageSize4K)
	return pa, nil
}

// AllocFrames returns n contiguous zeroed 4 KiB frames, used for large-page
// and bulk allocations.
func (f *FrameAllocator) AllocFrames(n int) (PhysicalAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	size := uint64(n) * PageSize4K
	if f.next+PhysicalAddress(size) > f.end {
		return 0, fmt.Errorf("mm: %w", kerr.ErrOutOfMemory)
	}
	pa := f.next
	f.next += PhysicalAddress(size)
	f.zero(pa, size)
	return pa, nil
}

// FreeFrame returns a single 4 KiB frame to the free list.
func (f *FrameAllocator) FreeFrame(pa PhysicalAddress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free = append(f.free, pa)
}

func (f *FrameAllocator) zero(pa PhysicalAddress, size uint64) {
	b, err := f.arena.Bytes(pa, size)
	if err != nil {
		return
	}
	clear(b)
}

// BytesAt reaches through to the backing arena, used by the page-table walk
// to read/write table contents by physical address.
func (f *FrameAllocator) BytesAt(pa PhysicalAddress, length uint64) ([]byte, error) {
	return f.arena.Bytes(pa, length)
}
