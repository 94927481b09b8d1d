package personality

import (
	"errors"
	"testing"

	"github.com/tinyrange/corekernel/internal/extern"
)

type fakeWindows struct {
	next   extern.WindowHandle
	open   map[extern.WindowHandle]bool
	closed []extern.WindowHandle
}

func newFakeWindows() *fakeWindows {
	return &fakeWindows{next: 1, open: map[extern.WindowHandle]bool{}}
}

func (f *fakeWindows) Create(b extern.WindowBuilder) (extern.WindowHandle, error) {
	h := f.next
	f.next++
	f.open[h] = true
	return h, nil
}

func (f *fakeWindows) Close(h extern.WindowHandle) error {
	delete(f.open, h)
	f.closed = append(f.closed, h)
	return nil
}

func (f *fakeWindows) DrawInRect(h extern.WindowHandle, r extern.Rect, fn func(extern.Bitmap)) error {
	return nil
}
func (f *fakeWindows) InvalidateRect(h extern.WindowHandle, r extern.Rect) error { return nil }
func (f *fakeWindows) SetNeedsDisplay(h extern.WindowHandle) error               { return nil }
func (f *fakeWindows) MakeActive(h extern.WindowHandle) error                    { return nil }
func (f *fakeWindows) ReadMessage(h extern.WindowHandle) (extern.Message, bool, error) {
	return extern.Message{}, false, nil
}
func (f *fakeWindows) WaitMessage(h extern.WindowHandle) (extern.Message, error) {
	return extern.Message{}, nil
}
func (f *fakeWindows) AwaitMessage(h extern.WindowHandle) (<-chan extern.Message, error) {
	return nil, nil
}
func (f *fakeWindows) CreateTimer(h extern.WindowHandle, id uint32, periodMillis uint64) error {
	return nil
}
func (f *fakeWindows) Post(h extern.WindowHandle, m extern.Message) error { return nil }
func (f *fakeWindows) HandleDefaultMessage(h extern.WindowHandle, m extern.Message) error {
	return nil
}

type fakeMemory struct {
	data []byte
}

func (m *fakeMemory) ReadBytes(ptr, length uint32) ([]byte, error) {
	return m.data[ptr : ptr+length], nil
}
func (m *fakeMemory) ReadCString(ptr uint32) (string, error) {
	end := ptr
	for end < uint32(len(m.data)) && m.data[end] != 0 {
		end++
	}
	return string(m.data[ptr:end]), nil
}
func (m *fakeMemory) WriteBytes(ptr uint32, data []byte) error {
	copy(m.data[ptr:], data)
	return nil
}
func (m *fakeMemory) Grow(pages uint32) (uint32, error) {
	base := uint32(len(m.data))
	m.data = append(m.data, make([]byte, pages*pageSize)...)
	return base, nil
}

// TestSandboxExitClosesWindows is §8 scenario 6: a module exits via
// svc(Exit, 7); on_exit closes every window it opened; the exit code is 7.
func TestSandboxExitClosesWindows(t *testing.T) {
	ws := newFakeWindows()
	mem := &fakeMemory{data: make([]byte, 256)}
	s := NewSandbox(mem, ws, nil, 0x100, 0x100)

	h1, err := s.Syscall([]uint32{uint32(FuncNewWindow), 0, 10, 10})
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	h2, err := s.Syscall([]uint32{uint32(FuncNewWindow), 0, 20, 20})
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	if len(ws.open) != 2 {
		t.Fatalf("open windows = %d, want 2", len(ws.open))
	}

	_, err = s.Syscall([]uint32{uint32(FuncExit), 7})
	if !errors.Is(err, ErrExit) {
		t.Fatalf("expected ErrExit, got %v", err)
	}
	if s.exitCode != 7 {
		t.Fatalf("exit code = %d, want 7", s.exitCode)
	}

	s.OnExit()
	if len(ws.open) != 0 {
		t.Fatalf("on_exit must close every window it opened, still open: %v", ws.open)
	}
	if len(ws.closed) != 2 {
		t.Fatalf("closed windows = %v, want both handles %v %v", ws.closed, h1, h2)
	}
}

func TestSandboxMustExitForcesNextSyscall(t *testing.T) {
	mem := &fakeMemory{data: make([]byte, 64)}
	s := NewSandbox(mem, nil, nil, 0, 64)
	s.NotifyWindowClosed()

	_, err := s.Syscall([]uint32{uint32(FuncRand)})
	if !errors.Is(err, ErrExit) {
		t.Fatalf("expected must_exit to force ErrExit on the next syscall, got %v", err)
	}
}

func TestSandboxAllocGrowsMemoryViaGrowFunc(t *testing.T) {
	mem := &fakeMemory{data: make([]byte, 0)}
	s := NewSandbox(mem, nil, nil, 0, 0)

	base, err := s.Syscall([]uint32{uint32(FuncAlloc), 0x10, 0})
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if base != 0 {
		t.Fatalf("first alloc after grow = 0x%x, want base 0", base)
	}
	if len(mem.data) < pageSize {
		t.Fatalf("Grow should have extended memory by at least one page, len=%d", len(mem.data))
	}
}

func TestSandboxRandDeterministicFromSeed(t *testing.T) {
	mem := &fakeMemory{data: make([]byte, 16)}
	s := NewSandbox(mem, nil, nil, 0, 16)

	if _, err := s.Syscall([]uint32{uint32(FuncSrand), 42}); err != nil {
		t.Fatalf("Srand: %v", err)
	}
	a, err := s.Syscall([]uint32{uint32(FuncRand)})
	if err != nil {
		t.Fatalf("Rand: %v", err)
	}

	if _, err := s.Syscall([]uint32{uint32(FuncSrand), 42}); err != nil {
		t.Fatalf("Srand: %v", err)
	}
	b, err := s.Syscall([]uint32{uint32(FuncRand)})
	if err != nil {
		t.Fatalf("Rand: %v", err)
	}
	if a != b {
		t.Fatalf("reseeding with the same seed must reproduce the same value: %d != %d", a, b)
	}
}
