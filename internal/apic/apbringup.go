package apic

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tinyrange/corekernel/internal/cpu"
	"github.com/tinyrange/corekernel/internal/kerr"
)

// Trampoline is the collaborator that places the AP real-mode entry
// payload at the SIPI page and writes each AP's idle-stack pointer into a
// known offset of that payload (§4.2 AP startup step 1).
type Trampoline interface {
	// Install copies the trampoline payload to the SIPI-reachable page and
	// returns its real-mode page number (the value passed to SendStartup).
	Install() (sipiVector uint8, err error)
	// SetIdleStack writes the idle-thread stack pointer an AP should start
	// on into the trampoline's per-AP slot.
	SetIdleStack(apicID uint8, stackTop uint64)
}

// APBootFlags tracks the AP_BOOT_OK and AP_STALLED gates shared between the
// BSP and every AP's trampoline (§4.2 AP startup steps 2-4).
type APBootFlags struct {
	bootOK  atomic.Bool
	stalled atomic.Bool
}

// NewAPBootFlags returns flags with AP_STALLED held (APs wait on it) and
// AP_BOOT_OK clear.
func NewAPBootFlags() *APBootFlags {
	f := &APBootFlags{}
	f.stalled.Store(true)
	return f
}

// ClearBootOK resets AP_BOOT_OK before starting the next AP.
func (f *APBootFlags) ClearBootOK() { f.bootOK.Store(false) }

// SignalBootOK is called from the AP's trampoline callback once it has
// assigned its processor index and published its TSC base.
func (f *APBootFlags) SignalBootOK() { f.bootOK.Store(true) }

// WaitBootOK polls AP_BOOT_OK with the given deadline, returning false on
// timeout.
func (f *APBootFlags) WaitBootOK(deadline time.Duration) bool {
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if f.bootOK.Load() {
			return true
		}
	}
	return f.bootOK.Load()
}

// ReleaseStall clears AP_STALLED, letting every parked AP proceed (§4.2
// step 4).
func (f *APBootFlags) ReleaseStall() { f.stalled.Store(false) }

// Stalled reports whether APs should still be parked.
func (f *APBootFlags) Stalled() bool { return f.stalled.Load() }

// TSCPublisher records each CPU's TSC base once it comes up, so every CPU
// can resynchronize after the stall gate releases (§4.2 step 4).
type TSCPublisher struct {
	bases [256]uint64
}

// Publish stores the TSC value an AP observed at its own bring-up.
func (p *TSCPublisher) Publish(idx cpu.ProcessorIndex, tsc uint64) {
	if idx >= 0 && int(idx) < len(p.bases) {
		p.bases[idx] = tsc
	}
}

// Base returns the published TSC base for idx, or 0 if never published.
func (p *TSCPublisher) Base(idx cpu.ProcessorIndex) uint64 {
	if idx < 0 || int(idx) >= len(p.bases) {
		return 0
	}
	return p.bases[idx]
}

// StartAllAPs runs §4.2's AP startup sequence (steps 1-2) for every AP
// local-APIC-ID reported by firmware's MADT, excluding the BSP. It does not
// wait for step 4's resynchronization; callers call flags.ReleaseStall once
// every AP has signaled boot-ok.
func StartAllAPs(lapic *LAPIC, trampoline Trampoline, flags *APBootFlags, apAPICIDs []uint8) error {
	sipiVector, err := trampoline.Install()
	if err != nil {
		return fmt.Errorf("apic: install AP trampoline: %w", err)
	}

	for _, apicID := range apAPICIDs {
		lapic.SendInit(apicID)
		time.Sleep(10 * time.Millisecond)

		flags.ClearBootOK()
		lapic.SendStartup(apicID, sipiVector)

		if !flags.WaitBootOK(100 * time.Millisecond) {
			panic(fmt.Errorf("apic: %w: AP apic_id=%d failed to boot within 100ms", kerr.ErrAborted, apicID))
		}
	}
	return nil
}
