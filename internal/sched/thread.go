// Package sched implements the parallel per-CPU preemptive thread scheduler
// (§4.3): a process-wide thread pool keyed by handle, two bounded system-wide
// run queues, a software-timer service, a load-sampling statistics thread,
// and a cooperative per-thread async executor.
//
// Grounded on the teacher's mutex/atomic-guarded-struct idiom
// (internal/hv/address_space.go) and its accounting-delta-timer shape
// (internal/timeslice.Recorder), generalized from "emulator wall clock
// bookkeeping" to "scheduler CPU-time accounting".
package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/corekernel/internal/cpu"
)

// Priority orders threads within the run queues and selects default quanta.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime
)

func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "Idle"
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityRealtime:
		return "Realtime"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// DefaultQuantum returns the default quantum (in preemption ticks) for p,
// per §4.3's Quanta table.
func DefaultQuantum(p Priority) int {
	switch p {
	case PriorityRealtime:
		return 1
	case PriorityHigh:
		return 25
	case PriorityNormal:
		return 10
	case PriorityLow:
		return 5
	default:
		return 10
	}
}

// attr bits packed into Thread.attrs (§4.3 Retire/Enqueue use these as a
// single atomic word so a racing wake and a racing switch-out never
// interleave a torn read).
type attr uint32

const (
	attrQueued attr = 1 << iota
	attrAsleep
	attrAwake
	attrZombie
)

// ThreadHandle is a process-wide weak reference into the thread pool
// (§4.3 Global state: "monotonic NonZero").
type ThreadHandle uint64

// InvalidThreadHandle never names a live thread.
const InvalidThreadHandle ThreadHandle = 0

// StateBand classifies aggregate system load for power/throughput scaling
// (§4.3 Global state, Statistics).
type StateBand int

const (
	StateDisabled StateBand = iota
	StateSaving
	StateRunning
	StateFullThrottle
)

func (s StateBand) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateSaving:
		return "Saving"
	case StateRunning:
		return "Running"
	case StateFullThrottle:
		return "FullThrottle"
	default:
		return fmt.Sprintf("StateBand(%d)", int(s))
	}
}

// Executor is the cooperative per-thread async task runner a Thread may
// lazily own (§4.3 Async executor).
type Executor struct {
	mu    sync.Mutex
	tasks []func()
}

// Spawn enqueues task to run the next time PerformTasks drains the queue.
func (e *Executor) Spawn(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
}

// PerformTasks runs every currently-and-subsequently-enqueued task to
// completion, draining until the queue is empty.
func (e *Executor) PerformTasks() {
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()
		task()
	}
}

// Thread is one schedulable unit of execution. Its fields other than attrs
// are only ever touched by the scheduler lock holder or by the thread
// itself, matching the teacher's "not designed to be thread safe outside
// its owner" convention (internal/timeslice.Recorder).
type Thread struct {
	Handle   ThreadHandle
	Name     string
	Priority Priority

	Context cpu.SaveArea

	attrs atomic.Uint32

	quantumLeft int

	tscSample   uint64
	cpuTicks    atomic.Uint64
	loadSamples atomic.Uint64 // ticks since last statistics sweep
	loadPercent atomic.Uint32 // 0..1000, updated by the statistics thread

	exited atomic.Bool
	exitCh chan struct{}

	executor *Executor
	execOnce sync.Once

	Personality interface{} // opaque handle into internal/personality
}

// NewThread constructs a runnable, non-queued thread at priority p.
func NewThread(handle ThreadHandle, name string, p Priority) *Thread {
	t := &Thread{
		Handle:      handle,
		Name:        name,
		Priority:    p,
		quantumLeft: DefaultQuantum(p),
		exitCh:      make(chan struct{}),
	}
	return t
}

func (t *Thread) testAttr(a attr) bool { return attr(t.attrs.Load())&a != 0 }

func (t *Thread) setAttr(a attr) { t.attrs.Or(uint32(a)) }

func (t *Thread) clearAttr(a attr) { t.attrs.And(^uint32(a)) }

// testAndSetAttr atomically sets a and reports whether it was already set.
func (t *Thread) testAndSetAttr(a attr) (wasSet bool) {
	for {
		old := t.attrs.Load()
		if attr(old)&a != 0 {
			return true
		}
		if t.attrs.CompareAndSwap(old, old|uint32(a)) {
			return false
		}
	}
}

// GetExecutor lazily initializes and returns the thread's async executor
// (§4.3 Async executor: "spawn_async lazy-initializes the current thread's
// executor").
func (t *Thread) GetExecutor() *Executor {
	t.execOnce.Do(func() { t.executor = &Executor{} })
	return t.executor
}

// MarkExited flags the thread as exited and releases every goroutine
// blocked in Join.
func (t *Thread) MarkExited() {
	if t.exited.CompareAndSwap(false, true) {
		close(t.exitCh)
	}
}

// Exited reports whether the thread has finished running.
func (t *Thread) Exited() bool { return t.exited.Load() }

// Join blocks until the thread exits, or returns immediately if it already
// has (§8 Scheduler testable property).
func (t *Thread) Join() {
	if t.exited.Load() {
		return
	}
	<-t.exitCh
}

// creditTicks adds elapsed ticks to both the CPU-time accumulator and the
// load-sample window used by the statistics thread (§4.3 Context switch
// step 1).
func (t *Thread) creditTicks(ticks uint64) {
	t.cpuTicks.Add(ticks)
	t.loadSamples.Add(ticks)
}

// swapLoadSample atomically reads and zeros the load-sample counter, the
// "swapping the load-sample counter" step of §4.3 Statistics.
func (t *Thread) swapLoadSample() uint64 { return t.loadSamples.Swap(0) }

// CPUTicks returns the total ticks this thread has been credited with.
func (t *Thread) CPUTicks() uint64 { return t.cpuTicks.Load() }

// LoadPercent returns the most recent statistics-thread sample, scaled
// 0..1000 per §4.3.
func (t *Thread) LoadPercent() uint32 { return t.loadPercent.Load() }
