package apic

import (
	"fmt"
	"time"

	"github.com/tinyrange/corekernel/internal/kerr"
)

const apicIDShift = 24

// LAPIC drives the local APIC's MMIO register window.
type LAPIC struct {
	io      MemoryIO
	msr     MSRAccess
	base    uint64 // VA of the mapped register window
	timerHz uint64 // calibrated ticks per second, set by CalibrateTimer
}

// NewLAPIC wraps the already-mapped LAPIC register window (§4.2 step 3:
// mm.mmap(Mmio) maps the physical base named by the APIC base MSR).
func NewLAPIC(io MemoryIO, msr MSRAccess, mappedVA uint64) *LAPIC {
	return &LAPIC{io: io, msr: msr, base: mappedVA}
}

// Enable sets the global-enable bit in the APIC base MSR (§4.2 step 3).
func (l *LAPIC) Enable() {
	v := l.msr.ReadMSR(apicBaseMSR)
	l.msr.WriteMSR(apicBaseMSR, v|apicBaseEnableBit)
}

// ID returns this CPU's local APIC ID (§4.2 step 2).
func (l *LAPIC) ID() uint8 {
	return uint8(l.io.ReadU32(l.base+regID) >> apicIDShift)
}

// EOI signals end-of-interrupt.
func (l *LAPIC) EOI() { l.io.WriteU32(l.base+regEOI, 0) }

// EnableSpurious unmasks interrupt delivery by writing the enable bit
// (bit 8) of the spurious-interrupt vector register, with spurious
// vector 0xFF.
func (l *LAPIC) EnableSpurious() {
	l.io.WriteU32(l.base+regSpurious, 0x100|0xFF)
}

// SendIPI programs the ICR to issue an IPI (§4.2 IPIs). destAllExcludingSelf
// selects the architectural "all excluding self" shorthand (ICR bits
// 18-19 = 0b11); otherwise dest names a physical APIC ID.
func (l *LAPIC) SendIPI(dest uint8, vector uint8, allExcludingSelf bool) {
	if !allExcludingSelf {
		l.io.WriteU32(l.base+regICRHigh, uint32(dest)<<24)
	}
	low := uint32(vector)
	if allExcludingSelf {
		low |= 0x3 << 18
	}
	l.io.WriteU32(l.base+regICRLow, low)
}

// SendInit sends an INIT IPI to dest, used during AP bring-up.
func (l *LAPIC) SendInit(dest uint8) {
	l.io.WriteU32(l.base+regICRHigh, uint32(dest)<<24)
	l.io.WriteU32(l.base+regICRLow, 0x4500)
}

// SendStartup sends a Startup IPI naming the SIPI vector (the real-mode
// page number the AP trampoline lives at).
func (l *LAPIC) SendStartup(dest uint8, sipiVector uint8) {
	l.io.WriteU32(l.base+regICRHigh, uint32(dest)<<24)
	l.io.WriteU32(l.base+regICRLow, 0x4600|uint32(sipiVector))
}

// ReferenceClock abstracts the HPET main counter used to calibrate the
// LAPIC timer (§4.2 step 7).
type ReferenceClock interface {
	// CounterHz is the counter's tick frequency.
	CounterHz() uint64
	// ReadCounter returns the current free-running tick count.
	ReadCounter() uint64
}

// Sleep abstracts a busy/blocking wait of the given duration, used only
// during timer calibration.
type Sleep func(time.Duration)

// CalibrateTimer reads the reference counter, waits calibrateWindow, reads
// again, and scales the elapsed ticks to the LAPIC timer value that yields
// a 1 ms period (§4.2 step 7). It programs the timer in periodic mode with
// that value and the kernel's timer vector.
func (l *LAPIC) CalibrateTimer(ref ReferenceClock, sleep Sleep, calibrateWindow time.Duration) uint32 {
	l.io.WriteU32(l.base+regTimerDiv, 0x3) // divide by 16
	l.io.WriteU32(l.base+regTimerInit, 0xFFFFFFFF)

	start := ref.ReadCounter()
	sleep(calibrateWindow)
	elapsedTicks := ref.ReadCounter() - start

	refHz := ref.CounterHz()
	lapicTicksPerRefTick := float64(0xFFFFFFFF-l.io.ReadU32(l.base+regTimerCur)) / float64(elapsedTicks)
	lapicTimerValue := uint32(lapicTicksPerRefTick * float64(refHz) / 1000.0)
	if lapicTimerValue == 0 {
		lapicTimerValue = 1
	}

	l.io.WriteU32(l.base+regLVTTimer, uint32(VectorTimer)|0x20000) // periodic mode
	l.io.WriteU32(l.base+regTimerDiv, 0x3)
	l.io.WriteU32(l.base+regTimerInit, lapicTimerValue)

	return lapicTimerValue
}

func errMSIExhausted() error {
	return fmt.Errorf("apic: %w: MSI vectors exhausted", kerr.ErrOutOfMemory)
}
