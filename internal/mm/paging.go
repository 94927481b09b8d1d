package mm

import (
	"fmt"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// Prot is the access class a mapping request carries (§4.1).
type Prot int

const (
	ProtNone Prot = iota
	ProtRead
	ProtRW
	ProtRX
)

// bits returns the (write, no-execute) pair for a Prot value, following the
// access-bit table positionally: None and RX both resolve to present-only
// (writable and executable are not separated for None; RX grants execute by
// leaving NX clear), Read and RW both resolve to present+write+nx.
func (p Prot) bits() (write, noExec bool) {
	switch p {
	case ProtRead, ProtRW:
		return true, true
	case ProtNone, ProtRX:
		return false, false
	default:
		return false, false
	}
}

// RequestKind selects one of the five mmap request shapes (§4.1).
type RequestKind int

const (
	RequestMmio RequestKind = iota
	RequestFramebuffer
	RequestKernel
	RequestUser
	RequestMProtect
)

// Request describes one mmap call. PA is only meaningful for Mmio and
// Framebuffer; VA is meaningful for every kind except Mmio/Framebuffer,
// which choose their own VA inside the direct-map window.
type Request struct {
	Kind RequestKind
	PA   PhysicalAddress
	VA   uint64
	Len  uint64
	Prot Prot
}

// DirectMapBase is the fixed virtual base of the one-slot direct map of all
// RAM (§3).
const DirectMapBase = uint64(DirectMapSlot) << 39

const (
	userBandBase   = uint64(UserSlotsStart) << 39
	userBandEnd    = uint64(UserSlotsEnd) << 39
	kernelBandBase = uint64(KernelHeapSlot0) << 39
	kernelBandEnd  = (uint64(KernelHeapSlot1) + 1) << 39
)

// tableBytes is the length in bytes of one page table (512 8-byte entries).
const tableBytes = entriesPerTable * 8

// AddressSpace owns one top-level page table and the frame allocator backing
// it. It implements the single mmap(request) entry point (§4.1).
//
// Grounded on the teacher's AddressSpace (internal/hv/address_space.go):
// same mutex-guarded allocator shape, same fmt.Errorf("mm: ...") message
// style, generalized from host-side MMIO-region bookkeeping to guest-side
// page-table construction.
type AddressSpace struct {
	frames *FrameAllocator
	root   PhysicalAddress

	onInvalidate func(va uint64)
}

// NewAddressSpace allocates a fresh, zeroed top-level table and wires its
// recursive self-map slot.
func NewAddressSpace(frames *FrameAllocator) (*AddressSpace, error) {
	root, err := frames.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("mm: allocate top-level table: %w", err)
	}
	as := &AddressSpace{frames: frames, root: root}
	if err := as.writeEntry(root, RecursiveSlot, PTE(0).WithFrame(root).WithAccess(true, true, false, true, false)); err != nil {
		return nil, err
	}
	return as, nil
}

// Root returns the physical address of the top-level table (the value the
// kernel loads into CR3 for this address space).
func (as *AddressSpace) Root() PhysicalAddress { return as.root }

// OnInvalidate installs the callback mmap uses to flush the TLB after every
// entry write (§4.1 TLB discipline). The caller wires this to the local
// INVLPG stub and, for cross-CPU address spaces, to the TLB-invalidate IPI.
func (as *AddressSpace) OnInvalidate(fn func(va uint64)) { as.onInvalidate = fn }

func (as *AddressSpace) invalidate(va uint64) {
	if as.onInvalidate != nil {
		as.onInvalidate(va)
	}
}

func (as *AddressSpace) readTable(pa PhysicalAddress) ([entriesPerTable]PTE, error) {
	var table [entriesPerTable]PTE
	raw, err := as.frames.BytesAt(pa, tableBytes)
	if err != nil {
		return table, fmt.Errorf("mm: read table at 0x%x: %w", uint64(pa), err)
	}
	for i := 0; i < entriesPerTable; i++ {
		table[i] = PTE(leUint64(raw[i*8:]))
	}
	return table, nil
}

func (as *AddressSpace) writeEntry(tablePA PhysicalAddress, index int, e PTE) error {
	raw, err := as.frames.BytesAt(tablePA, tableBytes)
	if err != nil {
		return fmt.Errorf("mm: write table at 0x%x: %w", uint64(tablePA), err)
	}
	putLeUint64(raw[index*8:], uint64(e))
	return nil
}

func (as *AddressSpace) readEntry(tablePA PhysicalAddress, index int) (PTE, error) {
	raw, err := as.frames.BytesAt(tablePA, tableBytes)
	if err != nil {
		return 0, fmt.Errorf("mm: read table at 0x%x: %w", uint64(tablePA), err)
	}
	return PTE(leUint64(raw[index*8:])), nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// walkCreate descends from the top-level table to the level-2 table covering
// va, creating and widening intermediate entries as it goes (§4.1
// Algorithm). It returns the level-2 table's physical address and the entry
// index within it.
func (as *AddressSpace) walkCreate(va uint64, write, user, noExec bool) (PhysicalAddress, int, error) {
	table := as.root
	for level := Level4; level > Level2; level-- {
		idx := indexAt(va, level)
		e, err := as.readEntry(table, idx)
		if err != nil {
			return 0, 0, err
		}
		if !e.Present() {
			child, err := as.frames.AllocFrame()
			if err != nil {
				return 0, 0, fmt.Errorf("mm: %w", kerr.ErrOutOfMemory)
			}
			e = PTE(0).WithFrame(child)
		}
		widened := e.WithAccess(true, write, user, noExec, false)
		if widened != e {
			if err := as.writeEntry(table, idx, widened); err != nil {
				return 0, 0, err
			}
			as.invalidate(va)
		}
		table = widened.Frame()
	}
	return table, indexAt(va, Level2), nil
}

// walkPresent descends without creating tables, failing if any intermediate
// entry is absent. Used by MProtect, which must not create new mappings.
func (as *AddressSpace) walkPresent(va uint64) (PhysicalAddress, int, error) {
	table := as.root
	for level := Level4; level > Level2; level-- {
		idx := indexAt(va, level)
		e, err := as.readEntry(table, idx)
		if err != nil {
			return 0, 0, err
		}
		if !e.Present() {
			return 0, 0, fmt.Errorf("mm: mprotect 0x%x: %w", va, kerr.ErrNotFound)
		}
		table = e.Frame()
	}
	return table, indexAt(va, Level2), nil
}

// Mmap realizes one mapping request (§4.1).
func (as *AddressSpace) Mmap(req Request) (uint64, error) {
	switch req.Kind {
	case RequestMmio:
		return as.mmapDirect(req, false)
	case RequestFramebuffer:
		return as.mmapDirect(req, true)
	case RequestKernel:
		return as.mmapAllocated(req, kernelBandBase, kernelBandEnd, false)
	case RequestUser:
		return as.mmapAllocated(req, userBandBase, userBandEnd, true)
	case RequestMProtect:
		return req.VA, as.mprotect(req)
	default:
		return 0, fmt.Errorf("mm: %w: unknown request kind", kerr.ErrInvalidParameter)
	}
}

func (as *AddressSpace) mmapDirect(req Request, framebuffer bool) (uint64, error) {
	if !IsAligned(uint64(req.PA), PageSize4K) || !IsAligned(req.Len, PageSize4K) {
		return 0, fmt.Errorf("mm: mmio/framebuffer: %w: alignment", kerr.ErrInvalidParameter)
	}
	va := DirectMapBase + uint64(req.PA)

	cache := CacheUncached
	user := false
	if framebuffer {
		cache = CacheWriteCombining
		user = true
	}

	large := framebuffer && IsAligned(uint64(req.PA), PageSize2M) && IsAligned(req.Len, PageSize2M)
	step := uint64(PageSize4K)
	if large {
		step = PageSize2M
	}

	for off := uint64(0); off < req.Len; off += step {
		pageVA := va + off
		pagePA := req.PA + PhysicalAddress(off)

		tablePA, idx, err := as.walkCreate(pageVA, true, user, !framebuffer)
		if err != nil {
			return va, err
		}
		if large {
			leaf := PTE(0).WithFrame(pagePA).WithCache(cache).WithAccess(true, true, user, !framebuffer, true)
			if err := as.writeEntry(tablePA, idx, leaf); err != nil {
				return va, err
			}
			as.invalidate(pageVA)
			continue
		}
		l1PA, l1idx, err := as.descendLevel1(tablePA, idx, pageVA, true, user, !framebuffer)
		if err != nil {
			return va, err
		}
		leaf := PTE(0).WithFrame(pagePA).WithCache(cache).WithAccess(true, true, user, !framebuffer, false)
		if err := as.writeEntry(l1PA, l1idx, leaf); err != nil {
			return va, err
		}
		as.invalidate(pageVA)
	}
	return va, nil
}

func (as *AddressSpace) mmapAllocated(req Request, bandBase, bandEnd uint64, user bool) (uint64, error) {
	if !IsAligned(req.VA, PageSize4K) || !IsAligned(req.Len, PageSize4K) {
		return 0, fmt.Errorf("mm: %w: alignment", kerr.ErrInvalidParameter)
	}
	if req.VA < bandBase || req.VA+req.Len > bandEnd || req.VA+req.Len < req.VA {
		// §8: out-of-band User/Kernel requests return a zero VA, not the
		// requested (invalid) one.
		return 0, fmt.Errorf("mm: %w: range", kerr.ErrInvalidParameter)
	}
	write, noExec := req.Prot.bits()

	for off := uint64(0); off < req.Len; off += PageSize4K {
		pageVA := req.VA + off
		frame, err := as.frames.AllocFrame()
		if err != nil {
			return req.VA, fmt.Errorf("mm: %w", kerr.ErrOutOfMemory)
		}
		l2PA, l2idx, err := as.walkCreate(pageVA, write, user, noExec)
		if err != nil {
			return req.VA, err
		}
		l1PA, l1idx, err := as.descendLevel1(l2PA, l2idx, pageVA, write, user, noExec)
		if err != nil {
			return req.VA, err
		}
		leaf := PTE(0).WithFrame(frame).WithAccess(true, write, user, noExec, false)
		if user {
			leaf = leaf.WithAVL(0x1) // program-owned, per §4.1 User request
		}
		if err := as.writeEntry(l1PA, l1idx, leaf); err != nil {
			return req.VA, err
		}
		as.invalidate(pageVA)
	}
	return req.VA, nil
}

// descendLevel1 reads the level-2 entry at (l2PA, l2idx); if it already
// terminates as a large page the walk cannot continue and an error is
// returned. Otherwise it returns (creating if absent) the level-1 table it
// points at, plus the level-1 index for pageVA within that table.
func (as *AddressSpace) descendLevel1(l2PA PhysicalAddress, l2idx int, pageVA uint64, write, user, noExec bool) (PhysicalAddress, int, error) {
	e, err := as.readEntry(l2PA, l2idx)
	if err != nil {
		return 0, 0, err
	}
	if e.Present() && e.Large() {
		return 0, 0, fmt.Errorf("mm: %w: level-2 entry already a large page", kerr.ErrInvalidParameter)
	}
	if !e.Present() {
		child, err := as.frames.AllocFrame()
		if err != nil {
			return 0, 0, fmt.Errorf("mm: %w", kerr.ErrOutOfMemory)
		}
		e = PTE(0).WithFrame(child)
	}
	widened := e.WithAccess(true, write, user, noExec, false)
	if widened != e {
		if err := as.writeEntry(l2PA, l2idx, widened); err != nil {
			return 0, 0, err
		}
		as.invalidate(pageVA)
	}
	return widened.Frame(), indexAt(pageVA, Level1), nil
}

func (as *AddressSpace) mprotect(req Request) error {
	if !IsAligned(req.VA, PageSize4K) || !IsAligned(req.Len, PageSize4K) {
		return fmt.Errorf("mm: mprotect: %w: alignment", kerr.ErrInvalidParameter)
	}
	write, noExec := req.Prot.bits()

	for off := uint64(0); off < req.Len; off += PageSize4K {
		pageVA := req.VA + off
		l2PA, l2idx, err := as.walkPresent(pageVA)
		if err != nil {
			return err
		}
		l2e, err := as.readEntry(l2PA, l2idx)
		if err != nil {
			return err
		}
		if !l2e.Present() {
			return fmt.Errorf("mm: mprotect 0x%x: %w", pageVA, kerr.ErrNotFound)
		}
		if l2e.Large() {
			newE := l2e.WithAccess(true, write, l2e.User(), noExec, true)
			if err := as.writeEntry(l2PA, l2idx, newE); err != nil {
				return err
			}
			as.invalidate(pageVA)
			continue
		}
		l1idx := indexAt(pageVA, Level1)
		l1e, err := as.readEntry(l2e.Frame(), l1idx)
		if err != nil {
			return err
		}
		if !l1e.Present() {
			return fmt.Errorf("mm: mprotect 0x%x: %w", pageVA, kerr.ErrNotFound)
		}
		newE := l1e.WithAccess(true, write, l1e.User(), noExec, false)
		if err := as.writeEntry(l2e.Frame(), l1idx, newE); err != nil {
			return err
		}
		as.invalidate(pageVA)
	}
	return nil
}
