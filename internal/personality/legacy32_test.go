package personality

import (
	"encoding/binary"
	"testing"
)

// buildHariImage constructs a minimal "Hari"-signed image with the given
// size_of_ds/start_data/esp/size_of_data header fields (§4.5).
func buildHariImage(sizeOfDS, startData, esp, sizeOfData uint32) []byte {
	blob := make([]byte, startData+sizeOfData)
	le := binary.LittleEndian
	le.PutUint32(blob[0:4], sizeOfDS)
	copy(blob[4:8], []byte("Hari"))
	le.PutUint32(blob[12:16], esp)
	le.PutUint32(blob[16:20], sizeOfData)
	le.PutUint32(blob[20:24], startData)
	for i := uint32(0); i < sizeOfData; i++ {
		blob[startData+i] = byte(0xA0 + i)
	}
	return blob
}

func TestLoadHariImageRejectsMissingSignature(t *testing.T) {
	blob := make([]byte, 64)
	if _, err := LoadHariImage(blob); err == nil {
		t.Fatalf("expected an error for a blob without the \"Hari\" signature")
	}
}

func TestLoadHariImageLayout(t *testing.T) {
	blob := buildHariImage(0x10000, 0x1000, 0xF000, 4)
	ctx, err := LoadHariImage(blob)
	if err != nil {
		t.Fatalf("LoadHariImage: %v", err)
	}
	if ctx.SizeOfCode != 0x1000 {
		t.Fatalf("SizeOfCode = 0x%x, want 0x1000", ctx.SizeOfCode)
	}
	if ctx.BaseOfData != 0x1000 {
		t.Fatalf("BaseOfData = 0x%x, want 0x1000 (start_data already page-aligned)", ctx.BaseOfData)
	}
	if ctx.SizeOfData != 0x10000 {
		t.Fatalf("SizeOfData = 0x%x, want 0x10000", ctx.SizeOfData)
	}
	if ctx.ImageSize != 0x1000+0x10000 {
		t.Fatalf("ImageSize = 0x%x, want 0x11000", ctx.ImageSize)
	}
	if ctx.InitialSP != 0xF000 {
		t.Fatalf("InitialSP = 0x%x, want 0xF000", ctx.InitialSP)
	}
	// the initial data portion must land at base_data + esp
	got := ctx.Image[ctx.BaseOfData+ctx.InitialSP]
	if got != 0xA0 {
		t.Fatalf("initial data byte at base_data+esp = 0x%x, want 0xA0", got)
	}
}

// TestLegacySyscallMallocScenario is §8 scenario 5 verbatim.
func TestLegacySyscallMallocScenario(t *testing.T) {
	blob := buildHariImage(0x10000, 0x1000, 0xF000, 0)
	ctx, err := LoadHariImage(blob)
	if err != nil {
		t.Fatalf("LoadHariImage: %v", err)
	}
	p := NewLegacy32(ctx, nil, nil, nil, "")

	if err := p.Dispatch(&Registers{Edx: 8, Eax: 0x2000, Ecx: 0xD000}); err != nil {
		t.Fatalf("init_malloc: %v", err)
	}

	regs := &Registers{Edx: 9, Ecx: 0x100}
	if err := p.Dispatch(regs); err != nil {
		t.Fatalf("malloc: %v", err)
	}
	if regs.Eax != 0x2000 {
		t.Fatalf("first malloc EAX = 0x%x, want 0x2000", regs.Eax)
	}

	regs = &Registers{Edx: 9, Ecx: 0x100}
	if err := p.Dispatch(regs); err != nil {
		t.Fatalf("malloc: %v", err)
	}
	if regs.Eax != 0x2100 {
		t.Fatalf("second malloc EAX = 0x%x, want 0x2100", regs.Eax)
	}
}

func TestLegacyPutsOutOfRangePointerSegfaults(t *testing.T) {
	blob := buildHariImage(0x100, 0x1000, 0x0, 0)
	ctx, err := LoadHariImage(blob)
	if err != nil {
		t.Fatalf("LoadHariImage: %v", err)
	}
	p := NewLegacy32(ctx, nil, nil, nil, "")

	// EBX well past the 0x100-byte data segment.
	err = p.Dispatch(&Registers{Edx: 3, Ebx: 0xFFFF, Ecx: 4})
	if err == nil {
		t.Fatalf("expected a segmentation violation for an out-of-range pointer")
	}
	if !p.Exited() {
		t.Fatalf("an invalid pointer must abort the process")
	}
}

func TestLegacyPutsAtDataSegmentBoundaryAllowed(t *testing.T) {
	blob := buildHariImage(0x100, 0x1000, 0x0, 0)
	ctx, err := LoadHariImage(blob)
	if err != nil {
		t.Fatalf("LoadHariImage: %v", err)
	}
	p := NewLegacy32(ctx, nil, nil, nil, "")

	var got []byte
	p.Stdout = func(b []byte) { got = b }

	// A buffer that ends exactly at SizeOfData (0x100) is in range.
	if err := p.Dispatch(&Registers{Edx: 3, Ebx: 0xF0, Ecx: 0x10}); err != nil {
		t.Fatalf("expected the boundary-ending pointer to be valid, got: %v", err)
	}
	if len(got) != 0x10 {
		t.Fatalf("wrote %d bytes to Stdout, want 0x10", len(got))
	}
	if p.Exited() {
		t.Fatalf("a valid pointer must not abort the process")
	}
}

func TestLegacyExitSyscallTerminates(t *testing.T) {
	blob := buildHariImage(0x100, 0x40, 0x0, 0)
	ctx, err := LoadHariImage(blob)
	if err != nil {
		t.Fatalf("LoadHariImage: %v", err)
	}
	p := NewLegacy32(ctx, nil, nil, nil, "")

	err = p.Dispatch(&Registers{Edx: 4})
	if err == nil {
		t.Fatalf("expected ErrExit from the exit syscall")
	}
	if !p.Exited() {
		t.Fatalf("process should be marked exited")
	}
}
