package personality

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/corekernel/internal/extern"
	"github.com/tinyrange/corekernel/internal/kerr"
)

// Function enumerates the sandboxed module's closed syscall-number space
// (§4.5). svc0..svc6 all route to the same dispatcher, which reads the
// first stack argument as one of these.
type Function uint32

const (
	FuncExit Function = iota
	FuncMonotonic
	FuncTime
	FuncUsleep
	FuncGetSystemInfo
	FuncPrintString
	FuncNewWindow
	FuncCloseWindow
	FuncBeginDraw
	FuncEndDraw
	FuncDrawString
	FuncFillRect
	FuncDrawRect
	FuncDrawLine
	FuncWaitChar
	FuncReadChar
	FuncBlt8
	FuncBlt32
	FuncBlt1
	FuncBlendRect
	FuncRand
	FuncSrand
	FuncAlloc
	FuncDealloc
	funcCount
)

// ErrExit is returned by Syscall once the module has requested termination
// (either via svc(Exit, code) or because must_exit was set by a window
// close event). The caller converts this into a thread exit (§4.5).
var ErrExit = errors.New("personality: module exit requested")

// Memory is the sandboxed module's linear memory, as the host sees it.
type Memory interface {
	ReadBytes(ptr, length uint32) ([]byte, error)
	ReadCString(ptr uint32) (string, error)
	WriteBytes(ptr uint32, data []byte) error
	// Grow extends linear memory by the given number of 64 KiB pages and
	// returns the base address of the new region.
	Grow(pages uint32) (base uint32, err error)
}

// Rand32 is the sandbox's small deterministic PRNG (xorshift32), grounded on
// the teacher pack's RNG-by-injection pattern rather than a global source.
type Rand32 struct{ state uint32 }

// NewRand32 seeds the generator; a zero seed is replaced with 1 since
// xorshift32 cannot recover from an all-zero state.
func NewRand32(seed uint32) *Rand32 {
	if seed == 0 {
		seed = 1
	}
	return &Rand32{state: seed}
}

func (r *Rand32) Next() uint32 {
	x := r.state
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	r.state = x
	return x
}

func (r *Rand32) Seed(seed uint32) {
	if seed != 0 {
		r.state = seed
	}
}

// Sandbox is the sandboxed-module personality (§4.5): it owns the module's
// open windows and user heap, and converts Exit/must_exit into ErrExit so
// the caller can unwind the module's thread.
type Sandbox struct {
	Memory  Memory
	Windows extern.WindowSystem
	Clock   Clock
	Heap    *Heap
	rng     *Rand32

	nextHandle uint32
	open       map[uint32]extern.WindowHandle
	mustExit   atomic.Bool
	exitCode   uint32
}

// NewSandbox constructs a sandbox personality over an already-loaded
// module. heapBase/heapSize describe the module's initial free region
// beyond its data segment.
func NewSandbox(mem Memory, ws extern.WindowSystem, clock Clock, heapBase, heapSize uint32) *Sandbox {
	s := &Sandbox{
		Memory:     mem,
		Windows:    ws,
		Clock:      clock,
		nextHandle: 1,
		open:       map[uint32]extern.WindowHandle{},
		rng:        NewRand32(1),
	}
	s.Heap = NewHeap(mem.Grow)
	s.Heap.AddRegion(heapBase, heapSize)
	return s
}

func (s *Sandbox) Context() Kind { return KindSandbox }

// OnExit closes every window the module opened (§4.5 "destroys them in
// on_exit").
func (s *Sandbox) OnExit() {
	for handle, w := range s.open {
		if s.Windows != nil {
			_ = s.Windows.Close(w)
		}
		delete(s.open, handle)
	}
}

// NotifyWindowClosed marks the module for termination on its next syscall,
// as a window-close event does (§4.5 "set by the window-close event").
func (s *Sandbox) NotifyWindowClosed() {
	s.mustExit.Store(true)
}

func (s *Sandbox) allocHandle() uint32 {
	h := s.nextHandle
	s.nextHandle++
	return h
}

// Syscall dispatches one svcN call. args[0] is the function number; the
// remainder are the function's positional arguments, matching the closed
// set §4.5 enumerates. It returns the i32 the module's stack receives, or
// ErrExit (wrapped) once the module must unwind.
func (s *Sandbox) Syscall(args []uint32) (uint32, error) {
	if s.mustExit.Load() {
		return 0, fmt.Errorf("personality: sandbox must_exit: %w", ErrExit)
	}
	if len(args) == 0 {
		return 0, fmt.Errorf("personality: sandbox syscall: %w: no function number", kerr.ErrInvalidParameter)
	}
	fn := Function(args[0])
	rest := args[1:]
	arg := func(i int) uint32 {
		if i < len(rest) {
			return rest[i]
		}
		return 0
	}

	switch fn {
	case FuncExit:
		s.exitCode = arg(0)
		s.mustExit.Store(true)
		return 0, fmt.Errorf("personality: sandbox exit(%d): %w", s.exitCode, ErrExit)

	case FuncMonotonic:
		if s.Clock != nil {
			return uint32(s.Clock.MonotonicMillis()), nil
		}
		return 0, nil

	case FuncTime:
		if s.Clock != nil {
			return uint32(s.Clock.UnixMillis() / 1000 % 86400), nil
		}
		return 0, nil

	case FuncUsleep:
		if s.Clock != nil {
			s.Clock.Sleep(uint64(arg(0)) / 1000)
		}
		return 0, nil

	case FuncGetSystemInfo:
		return 0, nil

	case FuncPrintString:
		// arg(0) is a string pointer; best-effort, the console is an
		// external collaborator this kernel does not implement.
		if s.Memory != nil {
			_, _ = s.Memory.ReadCString(arg(0))
		}
		return 0, nil

	case FuncNewWindow:
		if s.Windows == nil {
			return 0, fmt.Errorf("personality: new window: %w", kerr.ErrNotFound)
		}
		title, _ := s.Memory.ReadCString(arg(0))
		w, err := s.Windows.Create(extern.WindowBuilder{
			Title:  title,
			Width:  int32(arg(1)),
			Height: int32(arg(2)),
		})
		if err != nil {
			return 0, fmt.Errorf("personality: new window: %w", err)
		}
		handle := s.allocHandle()
		s.open[handle] = w
		return handle, nil

	case FuncCloseWindow:
		handle := arg(0)
		if w, ok := s.open[handle]; ok {
			if s.Windows != nil {
				_ = s.Windows.Close(w)
			}
			delete(s.open, handle)
		}
		return 0, nil

	case FuncFillRect, FuncDrawRect:
		w, ok := s.open[arg(0)]
		if !ok || s.Windows == nil {
			return 0, nil
		}
		rect := extern.Rect{X: int32(arg(1)), Y: int32(arg(2)), W: int32(arg(3)), H: int32(arg(4))}
		_ = s.Windows.InvalidateRect(w, rect)
		_ = s.Windows.SetNeedsDisplay(w)
		return 0, nil

	case FuncDrawString, FuncDrawLine, FuncBlt8, FuncBlt32, FuncBlt1, FuncBlendRect, FuncBeginDraw, FuncEndDraw:
		// Pixel-level rendering is owned by the window-system collaborator
		// (§6); this dispatcher only routes the call and marks the window
		// dirty, since the actual bitmap surface lives outside this kernel.
		if w, ok := s.open[arg(0)]; ok && s.Windows != nil {
			_ = s.Windows.SetNeedsDisplay(w)
		}
		return 0, nil

	case FuncWaitChar:
		w, ok := s.open[arg(0)]
		if !ok || s.Windows == nil {
			return 0, nil
		}
		msg, err := s.Windows.WaitMessage(w)
		if err != nil {
			return 0, fmt.Errorf("personality: wait char: %w", err)
		}
		return decodeCharMessage(msg), nil

	case FuncReadChar:
		w, ok := s.open[arg(0)]
		if !ok || s.Windows == nil {
			return 0xFFFFFFFF, nil
		}
		msg, had, err := s.Windows.ReadMessage(w)
		if err != nil {
			return 0, fmt.Errorf("personality: read char: %w", err)
		}
		if !had {
			return 0xFFFFFFFF, nil
		}
		return decodeCharMessage(msg), nil

	case FuncRand:
		return s.rng.Next(), nil

	case FuncSrand:
		s.rng.Seed(arg(0))
		return 0, nil

	case FuncAlloc:
		base, err := s.Heap.Alloc(arg(0), arg(1))
		if err != nil {
			return 0, err
		}
		return base, nil

	case FuncDealloc:
		s.Heap.Dealloc(arg(0), arg(1))
		return 0, nil

	default:
		return 0, fmt.Errorf("personality: sandbox syscall: %w: function %d", kerr.ErrInvalidParameter, fn)
	}
}

// decodeCharMessage translates a window message into the u32 code §4.5
// describes: '\r' becomes '\n', end-of-stream becomes 0xFFFFFFFF.
func decodeCharMessage(msg extern.Message) uint32 {
	if msg.IsEOF {
		return 0xFFFFFFFF
	}
	c := msg.Char
	if c == '\r' {
		c = '\n'
	}
	return uint32(c)
}
