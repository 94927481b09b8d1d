package personality

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/corekernel/internal/extern"
	"github.com/tinyrange/corekernel/internal/kerr"
)

// hariSignature is the fixed 4-byte tag identifying a legacy-32 executable
// (§4.5), at a fixed offset within the header.
var hariSignature = [4]byte{'H', 'a', 'r', 'i'}

const (
	hariHeaderSize  = 36 // size_of_ds, signature, size_of_bss, esp, size_of_data, start_data, _start[8], start_malloc
	hariPageSize    = 0x1000
	hariEntryOffset = 0x1B
)

// ErrSegv is returned (never panicked) when user code hands the dispatcher
// a pointer outside its data segment (§4.5 "aborts the process with
// 'Segmentation Violation'").
var ErrSegv = errors.New("personality: segmentation violation")

// LegacyContext is the loader's output: the allocated image and the
// boundaries the dispatcher validates every user pointer against (§4.5).
type LegacyContext struct {
	ImageBase, ImageSize   uint32
	BaseOfCode, SizeOfCode uint32
	BaseOfData, SizeOfData uint32
	Entry                  uint32
	InitialSP              uint32
	Image                  []byte
}

// alignUpPage rounds v up to the next 4 KiB boundary.
func alignUpPage(v uint32) uint32 {
	return (v + hariPageSize - 1) &^ (hariPageSize - 1)
}

// LoadHariImage recognizes and loads a legacy-32 executable image (§4.5):
// the signature "Hari" at offset 4, a single contiguous allocation sized
// ceil(start_data, page) + size_of_ds, code copied to the base and the
// initial data portion copied to base_data + esp.
func LoadHariImage(blob []byte) (*LegacyContext, error) {
	if len(blob) < hariHeaderSize {
		return nil, fmt.Errorf("personality: legacy-32 image: %w: too short", kerr.ErrInvalidDescriptor)
	}
	var sig [4]byte
	copy(sig[:], blob[4:8])
	if sig != hariSignature {
		return nil, fmt.Errorf("personality: legacy-32 image: %w: missing \"Hari\" signature", kerr.ErrInvalidDescriptor)
	}

	le := binary.LittleEndian
	sizeOfDS := le.Uint32(blob[0:4])
	esp := le.Uint32(blob[12:16])
	sizeOfData := le.Uint32(blob[16:20])
	startData := le.Uint32(blob[20:24])

	sizeOfCode := startData
	if uint32(len(blob)) < sizeOfCode {
		return nil, fmt.Errorf("personality: legacy-32 image: %w: code segment exceeds file", kerr.ErrInvalidDescriptor)
	}
	rvaData := alignUpPage(sizeOfCode)
	sizeOfImage := rvaData + sizeOfDS

	if uint64(esp)+uint64(sizeOfData) > uint64(sizeOfDS) {
		return nil, fmt.Errorf("personality: legacy-32 image: %w: initial data overruns data segment", kerr.ErrInvalidDescriptor)
	}
	if sizeOfCode+sizeOfData > uint32(len(blob)) {
		return nil, fmt.Errorf("personality: legacy-32 image: %w: initial data exceeds file", kerr.ErrInvalidDescriptor)
	}

	image := make([]byte, sizeOfImage)
	copy(image[0:sizeOfCode], blob[0:sizeOfCode])
	copy(image[rvaData+esp:rvaData+esp+sizeOfData], blob[sizeOfCode:sizeOfCode+sizeOfData])

	return &LegacyContext{
		ImageBase:  0,
		ImageSize:  sizeOfImage,
		BaseOfCode: 0,
		SizeOfCode: sizeOfCode,
		BaseOfData: rvaData,
		SizeOfData: sizeOfDS,
		Entry:      hariEntryOffset,
		InitialSP:  esp,
		Image:      image,
	}, nil
}

// Registers is the fixed register block the legacy-32 INT gate hands the
// dispatcher (§4.5), grounded directly on the original emulator's
// syscall register layout.
type Registers struct {
	Eax, Ebx, Ecx, Edx, Esi, Edi, Ebp uint32
}

type legacyWindow struct {
	handle extern.WindowHandle
}

type legacyTimer struct {
	data uint32
}

// Legacy32 is the legacy-32 personality (§4.5): one fixed executable image,
// a dedicated INT-gate dispatcher keyed by EDX, and a bump-pointer
// "malloc" exactly as the original emulator implements it.
type Legacy32 struct {
	Ctx     *LegacyContext
	Windows extern.WindowSystem
	Files   extern.FileManager
	Clock   Clock
	// Stdout receives bytes written by putchar/puts; nil discards them
	// (the console is an external collaborator, §1 Non-goals).
	Stdout func([]byte)

	windows   map[uint32]legacyWindow
	timers    map[uint32]*legacyTimer
	files     map[uint32]extern.FileHandle
	nextWin   uint32
	nextTimer uint32
	nextFile  uint32

	mallocStart, mallocFree uint32
	cmdline                 string
	exitCode                int
	exited                  bool
}

// NewLegacy32 constructs the personality over an already-loaded image.
func NewLegacy32(ctx *LegacyContext, ws extern.WindowSystem, fm extern.FileManager, clock Clock, cmdline string) *Legacy32 {
	return &Legacy32{
		Ctx:       ctx,
		Windows:   ws,
		Files:     fm,
		Clock:     clock,
		windows:   map[uint32]legacyWindow{},
		timers:    map[uint32]*legacyTimer{},
		files:     map[uint32]extern.FileHandle{},
		nextWin:   1,
		nextTimer: 1,
		nextFile:  1,
		cmdline:   cmdline,
	}
}

func (p *Legacy32) Context() Kind { return KindLegacy32 }
func (p *Legacy32) ExitCode() int { return p.exitCode }
func (p *Legacy32) Exited() bool  { return p.exited }

// OnExit closes every window the image opened and closes open files,
// mirroring Hoe::on_exit.
func (p *Legacy32) OnExit() {
	for h, w := range p.windows {
		if p.Windows != nil {
			_ = p.Windows.Close(w.handle)
		}
		delete(p.windows, h)
	}
	for h, fh := range p.files {
		if p.Files != nil {
			_ = p.Files.Close(fh)
		}
		delete(p.files, h)
	}
}

// validatePtr checks a user-supplied data-segment offset against the
// process's [base_of_data, base_of_data+size_of_data) window (§4.5).
func (p *Legacy32) validatePtr(offset, size uint32) bool {
	return offset > 0 && uint64(offset)+uint64(size) <= uint64(p.Ctx.SizeOfData)
}

func (p *Legacy32) loadCString(offset uint32) (string, error) {
	if offset == 0 {
		return "", nil
	}
	base := p.Ctx.BaseOfData
	limit := p.Ctx.SizeOfData
	i := offset
	for {
		if i >= limit {
			return "", fmt.Errorf("personality: legacy-32 load cstring: %w", ErrSegv)
		}
		if p.Ctx.Image[base+i] == 0 {
			break
		}
		i++
	}
	return string(p.Ctx.Image[base+offset : base+i]), nil
}

func (p *Legacy32) loadBytes(offset, length uint32) ([]byte, error) {
	if !p.validatePtr(offset, length) {
		return nil, fmt.Errorf("personality: legacy-32 load bytes: %w", ErrSegv)
	}
	base := p.Ctx.BaseOfData
	return p.Ctx.Image[base+offset : base+offset+length], nil
}

func (p *Legacy32) writeBytes(offset uint32, data []byte) error {
	if !p.validatePtr(offset, uint32(len(data))) {
		return fmt.Errorf("personality: legacy-32 write bytes: %w", ErrSegv)
	}
	base := p.Ctx.BaseOfData
	copy(p.Ctx.Image[base+offset:], data)
	return nil
}

// malloc implements the original bump allocator exactly: round size up to
// 16 bytes, return the previous start, advance start, decrement the free
// counter (§8 scenario 5).
func (p *Legacy32) malloc(size uint32) uint32 {
	size = (size + 0xF) &^ 0xF
	result := p.mallocStart
	p.mallocStart += size
	p.mallocFree -= size
	return result
}

// Dispatch runs one legacy-32 syscall, keyed by EDX (§4.5's table). It
// mutates regs in place the way the INT-gate handler returns values to the
// caller (results land in EAX).
func (p *Legacy32) Dispatch(regs *Registers) error {
	if p.exited {
		return fmt.Errorf("personality: legacy-32 dispatch after exit: %w", ErrExit)
	}
	switch regs.Edx {
	case 1: // putchar
		if p.Stdout != nil {
			p.Stdout([]byte{byte(regs.Eax)})
		}
	case 2: // puts, asciz at EBX
		s, err := p.loadCString(regs.Ebx)
		if err != nil {
			return p.abort(err)
		}
		if p.Stdout != nil {
			p.Stdout([]byte(s))
		}
	case 3: // puts, ECX bytes at EBX
		b, err := p.loadBytes(regs.Ebx, regs.Ecx)
		if err != nil {
			return p.abort(err)
		}
		if p.Stdout != nil {
			p.Stdout(b)
		}
	case 4: // exit
		p.exited = true
		p.exitCode = 0
		return fmt.Errorf("personality: legacy-32 exit: %w", ErrExit)
	case 5: // open window: size (ESI, EDI), title at ECX, buffer at EBX
		title, err := p.loadCString(regs.Ecx)
		if err != nil {
			return p.abort(err)
		}
		if p.Windows == nil {
			regs.Eax = 0
			break
		}
		w, err := p.Windows.Create(extern.WindowBuilder{Title: title, Width: int32(regs.Esi), Height: int32(regs.Edi)})
		if err != nil {
			regs.Eax = 0
			break
		}
		handle := p.nextWin
		p.nextWin++
		p.windows[handle] = legacyWindow{handle: w}
		regs.Eax = handle
	case 6: // draw text: ASCIZ at EBP, origin (ESI, EDI), color EAX, window EBX
		if _, err := p.loadCString(regs.Ebp); err != nil {
			return p.abort(err)
		}
		if w, ok := p.windows[regs.Ebx]; ok && p.Windows != nil {
			_ = p.Windows.SetNeedsDisplay(w.handle)
		}
	case 7: // fill rect: window EBX
		if w, ok := p.windows[regs.Ebx]; ok && p.Windows != nil {
			rect := extern.Rect{X: int32(regs.Eax), Y: int32(regs.Ecx), W: int32(regs.Esi), H: int32(regs.Edi)}
			_ = p.Windows.InvalidateRect(w.handle, rect)
			_ = p.Windows.SetNeedsDisplay(w.handle)
		}
	case 8: // init malloc
		p.mallocStart = regs.Eax
		p.mallocFree = regs.Ecx
	case 9: // malloc
		regs.Eax = p.malloc(regs.Ecx)
	case 10: // free: no-op bump allocator
	case 11: // set pixel: window EBX
		if w, ok := p.windows[regs.Ebx]; ok && p.Windows != nil {
			_ = p.Windows.SetNeedsDisplay(w.handle)
		}
	case 12: // refresh: window EBX
		if w, ok := p.windows[regs.Ebx]; ok && p.Windows != nil {
			rect := extern.Rect{X: int32(regs.Eax), Y: int32(regs.Ecx), W: int32(regs.Esi), H: int32(regs.Edi)}
			_ = p.Windows.InvalidateRect(w.handle, rect)
		}
	case 13: // draw line: window EBX
		if w, ok := p.windows[regs.Ebx]; ok && p.Windows != nil {
			_ = p.Windows.SetNeedsDisplay(w.handle)
		}
	case 14: // close window: window EBX
		if w, ok := p.windows[regs.Ebx]; ok {
			if p.Windows != nil {
				_ = p.Windows.Close(w.handle)
			}
			delete(p.windows, regs.Ebx)
		}
	case 15: // wait key: window EBX; blocks for the next message (EAX is not read)
		w, ok := p.windows[regs.Ebx]
		if !ok || p.Windows == nil {
			regs.Eax = 0xFFFFFFFF
			break
		}
		msg, err := p.Windows.WaitMessage(w.handle)
		if err != nil {
			return p.abort(err)
		}
		regs.Eax = decodeCharMessage(msg)
	case 16: // alloc timer
		handle := p.nextTimer
		p.nextTimer++
		p.timers[handle] = &legacyTimer{}
		regs.Eax = handle
	case 17: // init timer: data word EAX into timer EBX
		if t, ok := p.timers[regs.Ebx]; ok {
			t.data = regs.Eax
		}
	case 18: // set timer: post after EAX*10 ms on timer EBX's first window
		t, ok := p.timers[regs.Ebx]
		if !ok || len(p.windows) == 0 || p.Windows == nil {
			break
		}
		var w legacyWindow
		first := uint32(0)
		for h, candidate := range p.windows {
			if first == 0 || h < first {
				first, w = h, candidate
			}
		}
		_ = p.Windows.CreateTimer(w.handle, t.data, uint64(regs.Eax)*10)
	case 19: // free timer
		delete(p.timers, regs.Ebx)
	case 21: // file open: path at EBX
		path, err := p.loadCString(regs.Ebx)
		if err != nil {
			return p.abort(err)
		}
		if p.Files == nil {
			regs.Eax = 0
			break
		}
		fh, err := p.Files.Open(path, extern.OpenOptions{})
		if err != nil {
			regs.Eax = 0
			break
		}
		handle := p.nextFile
		p.nextFile++
		p.files[handle] = fh
		regs.Eax = handle
	case 23: // seek: file EAX, offset EBX, whence ECX
		if fh, ok := p.files[regs.Eax]; ok && p.Files != nil {
			_, _ = p.Files.Lseek(fh, int64(int32(regs.Ebx)), extern.SeekWhence(regs.Ecx))
		}
	case 24: // file size: file EAX; returns the total size (ECX is not read)
		if fh, ok := p.files[regs.Eax]; ok && p.Files != nil {
			cur, err := p.Files.Lseek(fh, 0, extern.SeekCurrent)
			if err == nil {
				size, err := p.Files.Lseek(fh, 0, extern.SeekEnd)
				if err == nil {
					regs.Eax = uint32(size)
					_, _ = p.Files.Lseek(fh, cur, extern.SeekSet)
				}
			}
		}
	case 25: // read: file EAX, buffer EBX, ECX bytes
		fh, ok := p.files[regs.Eax]
		if !ok || p.Files == nil {
			regs.Eax = 0
			break
		}
		buf := make([]byte, regs.Ecx)
		n, err := p.Files.Read(fh, buf)
		if err != nil {
			regs.Eax = 0
			break
		}
		if err := p.writeBytes(regs.Ebx, buf[:n]); err != nil {
			return p.abort(err)
		}
		regs.Eax = uint32(n)
	case 26: // cmdline: copy to (EBX, ECX)
		n := uint32(len(p.cmdline))
		if n > regs.Ecx {
			n = regs.Ecx
		}
		if err := p.writeBytes(regs.Ebx, []byte(p.cmdline[:n])); err != nil {
			return p.abort(err)
		}
		regs.Eax = n
	case 27: // langmode
		regs.Eax = 0
		regs.Ecx = osID
		regs.Edx = osVersion
	case 33: // extended: sub-function ECX
		if regs.Ecx == 1 && p.Clock != nil {
			regs.Eax = uint32(p.Clock.MonotonicMillis() / 10)
		}
	default:
		// Unknown function numbers are silently ignored, matching the
		// original's catch-all match arm.
	}
	return nil
}

// abort converts an internal error (typically ErrSegv) into the process
// abort the dispatcher reports, matching raise_segv's "Segmentation
// Violation" behavior (§4.5).
func (p *Legacy32) abort(err error) error {
	p.exited = true
	p.exitCode = 1
	return fmt.Errorf("personality: legacy-32 abort: %w", err)
}

const (
	osID      = 0x534F594D // ASCII "MYOS", an arbitrary stable identifier
	osVersion = 0
)
