package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/corekernel/internal/cpu"
)

// TimeSource abstracts the TSC-style free-running counter Context switch
// samples for accounting (§4.3 Context switch step 1). Injected so tests
// never depend on a real clock, mirroring the apic package's ReferenceClock
// collaborator-injection idiom (internal/apic/lapic.go).
type TimeSource interface {
	ReadCounter() uint64
}

// Local is one physical CPU's scheduling state (§4.3 Scheduling model: "Each
// CPU has a local scheduler with: its processor index, its idle thread ...
// the currently executing thread handle, and a retired slot").
type Local struct {
	Index      cpu.ProcessorIndex
	IsPhysical bool // false for a hyper-thread sibling core

	idle    *Thread
	current atomic.Pointer[Thread]
	retired atomic.Pointer[Thread]
}

// NewLocal constructs a per-CPU scheduler with its private idle thread
// (Priority Idle, never enqueued per §4.3).
func NewLocal(index cpu.ProcessorIndex, physical bool, idleName string) *Local {
	idle := NewThread(InvalidThreadHandle, idleName, PriorityIdle)
	l := &Local{Index: index, IsPhysical: physical, idle: idle}
	l.current.Store(idle)
	return l
}

// Current returns the thread presently executing on this CPU.
func (l *Local) Current() *Thread { return l.current.Load() }

// Scheduler owns the global run queues, thread pool, timer/statistics
// threads and the is_frozen gate (§4.3 Global state).
type Scheduler struct {
	Pool *Pool

	urgent *runQueue
	ready  *runQueue

	frozen atomic.Bool
	band   atomic.Int32 // StateBand

	clock TimeSource

	mu     sync.Mutex
	locals map[cpu.ProcessorIndex]*Local

	Timers     *TimerService
	Statistics *StatisticsThread

	// rebalance, when set, is called after a thread is enqueued by a wake
	// so idle CPUs elsewhere can pick it up (§4.3 Cross-CPU rebalance).
	rebalance func()
}

// NewScheduler builds an empty scheduler. clock is consulted by
// ContextSwitch to credit CPU time; pass nil to disable accounting (tests
// that only exercise queue discipline).
func NewScheduler(clock TimeSource) *Scheduler {
	s := &Scheduler{
		Pool:   NewPool(),
		urgent: newRunQueue(),
		ready:  newRunQueue(),
		clock:  clock,
		locals: make(map[cpu.ProcessorIndex]*Local),
	}
	s.band.Store(int32(StateRunning))
	return s
}

// StartServices constructs and launches the timer-service and statistics
// threads as background goroutines, mirroring the teacher's
// `go writer.run()` dedicated-goroutine-per-service pattern
// (internal/timeslice.Open).
func (s *Scheduler) StartServices(statsInterval time.Duration) {
	s.Timers = NewTimerService(s)
	s.Statistics = NewStatisticsThread(s, statsInterval)
	go s.Timers.Run()
	go s.Statistics.Run()
}

// AddCPU registers a per-CPU local scheduler.
func (s *Scheduler) AddCPU(l *Local) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locals[l.Index] = l
}

// Freeze sets is_frozen, blocking all new dispatches (§4.3 Ready selection).
func (s *Scheduler) Freeze() { s.frozen.Store(true) }

// Unfreeze clears is_frozen.
func (s *Scheduler) Unfreeze() { s.frozen.Store(false) }

// Frozen reports the is_frozen gate.
func (s *Scheduler) Frozen() bool { return s.frozen.Load() }

// Band returns the current global state band.
func (s *Scheduler) Band() StateBand { return StateBand(s.band.Load()) }

// SetBand is called by the statistics thread after recomputing load
// (§4.3 Statistics: hysteresis thresholds drive state-band transitions).
func (s *Scheduler) SetBand(b StateBand) { s.band.Store(int32(b)) }

// Enqueue implements §4.3's Enqueue algorithm for external wakes: ignores
// Idle/Zombie threads, test-and-sets Queued, and on a 0->1 transition clears
// Awake/Asleep and pushes onto Ready.
func (s *Scheduler) Enqueue(t *Thread) error {
	if t.Priority == PriorityIdle || t.testAttr(attrZombie) {
		return nil
	}
	if t.testAndSetAttr(attrQueued) {
		return nil
	}
	t.clearAttr(attrAwake)
	t.clearAttr(attrAsleep)
	return s.ready.push(t.Handle)
}

// EnqueueUrgent pushes t directly onto the Urgent queue, for wake paths
// that must preempt Ready-queue ordering. The timer service does not use
// it: its wakes go through Wake and the Ready queue.
func (s *Scheduler) EnqueueUrgent(t *Thread) error {
	if t.Priority == PriorityIdle || t.testAttr(attrZombie) {
		return nil
	}
	if t.testAndSetAttr(attrQueued) {
		return nil
	}
	t.clearAttr(attrAwake)
	t.clearAttr(attrAsleep)
	return s.urgent.push(t.Handle)
}

// next implements §4.3's Ready selection: frozen or a throttled
// hyper-thread core yields no thread (forcing the caller to run idle);
// otherwise Urgent is drained before Ready.
func (s *Scheduler) next(l *Local) *Thread {
	if s.frozen.Load() {
		return nil
	}
	if !l.IsPhysical && s.Band() < StateFullThrottle {
		return nil
	}
	if s.Timers != nil && s.Timers.NextDeadlinePassed() {
		s.Timers.Wake()
	}
	if h, ok := s.urgent.pop(); ok {
		if t := s.Pool.Lookup(h); t != nil {
			return t
		}
	}
	if h, ok := s.ready.pop(); ok {
		if t := s.Pool.Lookup(h); t != nil {
			return t
		}
	}
	return nil
}

// retire implements §4.3's Retire algorithm for the thread switched out of
// a CPU.
func (s *Scheduler) retire(t *Thread) {
	if t.Priority == PriorityIdle {
		return
	}
	if t.testAttr(attrZombie) {
		s.Pool.Drop(t.Handle)
		return
	}
	if t.testAttr(attrAwake) {
		t.clearAttr(attrAwake)
		t.clearAttr(attrAsleep)
		_ = s.Enqueue(t)
		return
	}
	if t.testAttr(attrAsleep) {
		t.clearAttr(attrQueued)
		return
	}
	_ = s.Enqueue(t)
}

// ContextSwitch runs §4.3's five-step Context switch on CPU l. Callers must
// already be running with interrupts disabled. It returns the thread now
// executing on l (which may be l's idle thread if next() yielded nothing).
func (s *Scheduler) ContextSwitch(l *Local) *Thread {
	outgoing := l.Current()

	if s.clock != nil {
		now := s.clock.ReadCounter()
		if outgoing.tscSample != 0 && now >= outgoing.tscSample {
			outgoing.creditTicks(now - outgoing.tscSample)
		}
		outgoing.tscSample = now
	}

	next := s.next(l)
	if next == nil {
		next = l.idle
	}
	if next == outgoing {
		return outgoing
	}

	l.retired.Store(outgoing)
	l.current.Store(next)

	if s.clock != nil {
		next.tscSample = s.clock.ReadCounter()
	}
	next.clearAttr(attrAwake)
	next.clearAttr(attrAsleep)

	s.retire(outgoing)
	return next
}

// Reschedule is the preemption-tick and IPI-handler entry point (§4.3
// Preemption, Cross-CPU rebalance): a Realtime thread keeps its CPU; for
// other threads it decrements the quantum and only forces a switch once it
// is exhausted.
func (s *Scheduler) Reschedule(l *Local) *Thread {
	cur := l.Current()
	if cur.Priority == PriorityRealtime {
		return cur
	}
	cur.quantumLeft--
	if cur.quantumLeft > 0 {
		return cur
	}
	cur.quantumLeft = DefaultQuantum(cur.Priority)
	return s.ContextSwitch(l)
}

// Sleep implements §4.3's sleep primitive: sets Asleep on t and performs a
// context switch away from it. Callers invoke this as the current thread on
// l; it returns as soon as the switch away from t is done. t runs again
// only after a Wake re-queues it and a later context switch picks it.
func (s *Scheduler) Sleep(l *Local, t *Thread) {
	t.setAttr(attrAsleep)
	s.ContextSwitch(l)
}

// YieldThread implements §4.3's yield_thread: switches without altering any
// attribute bits.
func (s *Scheduler) YieldThread(l *Local) *Thread {
	return s.ContextSwitch(l)
}

// SetRebalance installs the callback Wake invokes after enqueuing a thread,
// wiring §4.3's cross-CPU rebalance (broadcast_reschedule) to whatever IPI
// mechanism the caller has available. Pass nil to disable it (default).
func (s *Scheduler) SetRebalance(fn func()) { s.rebalance = fn }

// Wake implements §4.3's wake(handle): sets Awake and enqueues, then
// triggers a cross-CPU rebalance so an idle CPU elsewhere can pick the
// thread up.
func (s *Scheduler) Wake(h ThreadHandle) error {
	t := s.Pool.Lookup(h)
	if t == nil {
		return nil
	}
	t.setAttr(attrAwake)
	if err := s.Enqueue(t); err != nil {
		return err
	}
	if s.rebalance != nil {
		s.rebalance()
	}
	return nil
}

// Exit marks t a zombie and releases its joiners; the next retire() of t
// drops it from the pool (§4.3 Retire: "If it holds the Zombie bit, drop it
// from the thread pool"). code is not recorded.
func (s *Scheduler) Exit(t *Thread, code int) {
	t.setAttr(attrZombie)
	t.MarkExited()
}
