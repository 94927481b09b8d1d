package mm

import (
	"errors"
	"testing"

	"github.com/tinyrange/corekernel/internal/kerr"
)

func TestFrameAllocatorExhaustion(t *testing.T) {
	arena, err := NewRAMArena(0, 3*PageSize4K)
	if err != nil {
		t.Fatalf("NewRAMArena: %v", err)
	}
	defer arena.Close()

	f := NewFrameAllocator(arena, 0)
	for i := 0; i < 3; i++ {
		if _, err := f.AllocFrame(); err != nil {
			t.Fatalf("AllocFrame %d: %v", i, err)
		}
	}
	if _, err := f.AllocFrame(); !errors.Is(err, kerr.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestFrameAllocatorFreeListReuse(t *testing.T) {
	arena, err := NewRAMArena(0, 4*PageSize4K)
	if err != nil {
		t.Fatalf("NewRAMArena: %v", err)
	}
	defer arena.Close()

	f := NewFrameAllocator(arena, 0)
	a, err := f.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	b, err := f.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	f.FreeFrame(a)
	c, err := f.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	if c != a {
		t.Fatalf("expected freed frame 0x%x reused, got 0x%x", a, c)
	}
	if b == c {
		t.Fatalf("expected distinct frames")
	}
}

func TestRAMArenaContains(t *testing.T) {
	arena, err := NewRAMArena(0x1000, PageSize4K)
	if err != nil {
		t.Fatalf("NewRAMArena: %v", err)
	}
	defer arena.Close()

	if !arena.Contains(0x1000, PageSize4K) {
		t.Fatalf("expected full-arena range to be contained")
	}
	if arena.Contains(0x1000, PageSize4K+1) {
		t.Fatalf("expected over-length range to be rejected")
	}
	if arena.Contains(0x500, 1) {
		t.Fatalf("expected below-base address to be rejected")
	}
}

func TestAlignHelpers(t *testing.T) {
	if got := AlignUp(4097, PageSize4K); got != 2*PageSize4K {
		t.Fatalf("AlignUp = %d, want %d", got, 2*PageSize4K)
	}
	if got := AlignDown(4097, PageSize4K); got != PageSize4K {
		t.Fatalf("AlignDown = %d, want %d", got, PageSize4K)
	}
	if !IsAligned(PageSize4K, PageSize4K) {
		t.Fatalf("expected PageSize4K to be aligned to itself")
	}
	if IsAligned(4097, PageSize4K) {
		t.Fatalf("expected 4097 to not be aligned")
	}
}
