package apic

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// TLBInvalidator tracks, per CPU, which CPUs still owe a TLB flush
// acknowledgement and broadcasts the invalidate-TLB IPI (§4.2 IPIs).
//
// Grounded on the teacher's bounded-wait style (internal/devices/hpet for
// polling-with-deadline shape); the bitmap-of-pending-CPUs protocol itself
// is this kernel's own, not present in the teacher's host-side emulator.
type TLBInvalidator struct {
	lapic   *LAPIC
	pending atomic.Uint64 // bit i set: CPU i has not yet acknowledged
}

// NewTLBInvalidator wraps lapic for broadcasting the invalidate vector.
func NewTLBInvalidator(lapic *LAPIC) *TLBInvalidator {
	return &TLBInvalidator{lapic: lapic}
}

// Broadcast publishes the bitmap of CPUs that must flush (with the caller's
// own bit already cleared), sends the TLB-invalidate IPI to all CPUs
// excluding self, and spin-waits up to 200 ms for every bit to clear.
func (t *TLBInvalidator) Broadcast(awaiting uint64) error {
	t.pending.Store(awaiting)
	if awaiting == 0 {
		return nil
	}

	t.lapic.SendIPI(0, VectorTLBInvalidate, true)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if t.pending.Load() == 0 {
			return nil
		}
		runtime.Gosched()
	}
	if t.pending.Load() != 0 {
		return fmt.Errorf("apic: tlb invalidate: %w: bitmap 0x%x not cleared within 200ms", kerr.ErrAborted, t.pending.Load())
	}
	return nil
}

// Acknowledge is called by the receiving CPU's vector handler after it has
// flushed its own TLB: it clears its bit in the pending bitmap.
func (t *TLBInvalidator) Acknowledge(cpuIndex int) {
	t.pending.And(^(uint64(1) << uint(cpuIndex)))
}

// HandleInvalidate is the vector-0xEE handler every non-BSP CPU runs on
// receipt of the TLB-invalidate IPI (§4.2 IPIs): flush the local TLB, then
// acknowledge and EOI. flushLocal is the receiving CPU's INVLPG-equivalent
// stub; it may be nil in tests that only care about the bitmap protocol.
func (t *TLBInvalidator) HandleInvalidate(cpuIndex int, flushLocal func()) {
	if flushLocal != nil {
		flushLocal()
	}
	t.Acknowledge(cpuIndex)
	t.lapic.EOI()
}

// Rescheduler issues the reschedule IPI (§4.2 IPIs: broadcast
// ALL-EXCLUDING-SELF; the handler EOIs and calls into the scheduler).
type Rescheduler struct {
	lapic *LAPIC
}

// NewRescheduler wraps lapic for broadcasting the reschedule vector.
func NewRescheduler(lapic *LAPIC) *Rescheduler { return &Rescheduler{lapic: lapic} }

// BroadcastReschedule sends the reschedule IPI to every CPU but the caller.
func (r *Rescheduler) BroadcastReschedule() {
	r.lapic.SendIPI(0, VectorReschedule, true)
}

// HandleReschedule is the vector-0xFC handler a receiving CPU runs: EOI,
// then hand control to its local reschedule path.
func (r *Rescheduler) HandleReschedule(reschedule func()) {
	r.lapic.EOI()
	if reschedule != nil {
		reschedule()
	}
}
