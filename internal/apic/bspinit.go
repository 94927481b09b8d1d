package apic

import (
	"time"

	"github.com/tinyrange/corekernel/internal/acpi"
)

// BSPConfig bundles the collaborators BSP initialization needs to reach
// outside the package: the already-mapped LAPIC/IOAPIC register windows,
// MSR access, and (optionally) the legacy 8259s.
type BSPConfig struct {
	LAPICIO   MemoryIO
	LAPICVA   uint64
	MSR       MSRAccess
	PIC       LegacyPIC // nil if firmware reports no legacy PICs
	IOAPICIO  MemoryIO
	IOAPICVAs map[uint8]uint64 // keyed by MADT IOAPIC ID
	Reference ReferenceClock
	Calibrate time.Duration
}

// BSPInit runs the eight-step BSP initialization sequence (§4.2 BSP
// initialization) and returns the assembled Controller.
func BSPInit(cfg BSPConfig, tables *acpi.Tables) (*Controller, *LAPIC, *TLBInvalidator, *Rescheduler) {
	// Step 1: disable legacy PICs if firmware reports them.
	if cfg.PIC != nil {
		cfg.PIC.MaskAll()
	}

	lapic := NewLAPIC(cfg.LAPICIO, cfg.MSR, cfg.LAPICVA)
	lapic.Enable()

	// Step 2: record BSP APIC ID -> processor index.
	procs := NewProcessorTable()
	procs.Assign(lapic.ID())

	// Steps 4-5: GSI table and one IOAPIC driver per firmware entry.
	gsi := NewGSITable(tables.MADT.Overrides)
	ioapics := make([]*IOAPIC, 0, len(tables.MADT.IOAPICs))
	for _, entry := range tables.MADT.IOAPICs {
		va := cfg.IOAPICVAs[entry.ID]
		ioapics = append(ioapics, NewIOAPIC(cfg.IOAPICIO, va, entry))
	}

	controller := NewController(lapic, gsi, procs, ioapics)

	// Step 7: enable interrupts (caller's responsibility via STI-equivalent
	// hook, outside this package's scope) then calibrate the timer.
	lapic.EnableSpurious()
	if cfg.Reference != nil {
		window := cfg.Calibrate
		if window == 0 {
			window = 10 * time.Millisecond
		}
		lapic.CalibrateTimer(cfg.Reference, time.Sleep, window)
	}

	// Step 8: IPI vectors are implicit — Controller.Dispatch/DispatchMSI
	// cover the GSI/MSI ranges; TLBInvalidator and Rescheduler below own
	// 0xEE and 0xFC.
	tlb := NewTLBInvalidator(lapic)
	resched := NewRescheduler(lapic)

	return controller, lapic, tlb, resched
}
