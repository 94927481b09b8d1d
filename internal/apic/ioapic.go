package apic

import (
	"fmt"
	"sync"

	"github.com/tinyrange/corekernel/internal/acpi"
	"github.com/tinyrange/corekernel/internal/kerr"
)

// RedirectionEntry is a 64-bit I/O-APIC redirection table entry, modeled
// the same way the teacher models it (internal/devices/amd64/chipset/
// ioapic.go's redirectionEntry): a raw uint64 with bit-accessor methods.
// There it was read by an emulator; here it is written by a driver.
type RedirectionEntry uint64

const (
	redirVectorMask   = 0xFF
	redirDeliveryMask = 0x7 << 8
	redirDestModeBit  = 1 << 11
	redirMaskedBit    = 1 << 16
	redirTriggerBit   = 1 << 15
	redirPolarityBit  = 1 << 13
	redirDestShift    = 56
)

func (r RedirectionEntry) Vector() uint8      { return uint8(r & redirVectorMask) }
func (r RedirectionEntry) Masked() bool       { return r&redirMaskedBit != 0 }
func (r RedirectionEntry) Destination() uint8 { return uint8(r >> redirDestShift) }

// WithRouting returns an entry programmed with the vector, trigger mode,
// polarity and destination APIC ID, mask bit clear (§4.2 IRQ routing).
func WithRouting(vector, dest uint8, levelTriggered, activeLow bool) RedirectionEntry {
	v := uint64(vector)
	if levelTriggered {
		v |= redirTriggerBit
	}
	if activeLow {
		v |= redirPolarityBit
	}
	v |= uint64(dest) << redirDestShift
	return RedirectionEntry(v)
}

// WithMasked returns e with the mask bit set or cleared.
func (r RedirectionEntry) WithMasked(masked bool) RedirectionEntry {
	if masked {
		return r | redirMaskedBit
	}
	return r &^ redirMaskedBit
}

// gsiRoute is one entry of the GSI table seeded with ISA defaults and
// overwritten by firmware-supplied interrupt-source-override records
// (§4.2 BSP init step 4).
type gsiRoute struct {
	gsi            uint32
	levelTriggered bool
	activeLow      bool
}

// defaultISAGSI seeds IRQ1 (keyboard) and IRQ12 (mouse) to their 1:1 ISA
// GSI mapping, edge-triggered, active-high, per §4.2 step 4.
func defaultISAGSI() map[uint8]gsiRoute {
	return map[uint8]gsiRoute{
		1:  {gsi: 1},
		12: {gsi: 12},
	}
}

// GSITable is the ISA-IRQ-to-GSI map the BSP builds during init.
type GSITable struct {
	mu     sync.Mutex
	routes map[uint8]gsiRoute
}

// NewGSITable seeds ISA defaults and applies any interrupt-source
// overrides firmware's MADT reported.
func NewGSITable(overrides []acpi.InterruptSourceOverride) *GSITable {
	t := &GSITable{routes: defaultISAGSI()}
	for _, o := range overrides {
		t.routes[o.Source] = gsiRoute{
			gsi:            o.GSI,
			levelTriggered: flagsLevelTriggered(o.Flags),
			activeLow:      flagsActiveLow(o.Flags),
		}
	}
	return t
}

// flagsLevelTriggered and flagsActiveLow decode the packed MPS INTI flags
// bits (bits 0-1 polarity, bits 2-3 trigger mode) the ACPI MADT uses.
func flagsLevelTriggered(flags uint16) bool { return (flags>>2)&0x3 == 0x3 }
func flagsActiveLow(flags uint16) bool      { return flags&0x3 == 0x3 }

// Lookup resolves an ISA IRQ number to its GSI route. If the IRQ was never
// overridden and has no ISA default, it routes 1:1 to its own number.
func (t *GSITable) Lookup(irq uint8) gsiRoute {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.routes[irq]; ok {
		return r
	}
	return gsiRoute{gsi: uint32(irq)}
}

// IOAPIC drives one real I/O-APIC's MMIO register window (§4.2 step 5):
// select register at offset 0x00, data register at offset 0x10.
type IOAPIC struct {
	mu sync.Mutex

	io      MemoryIO
	base    uint64 // VA of the register window, set once mm maps it
	id      uint8
	gsiBase uint32
	entries int
}

const (
	ioapicOffsetSelect = 0x00
	ioapicOffsetData   = 0x10
	ioapicRegID        = 0x00
	ioapicRegVersion   = 0x01
	ioapicRegRedirBase = 0x10
)

// NewIOAPIC builds a driver for one firmware-reported IOAPIC, deriving its
// redirection entry count from the version register (§4.2 step 5:
// "1 + (version >> 16)").
func NewIOAPIC(io MemoryIO, mappedVA uint64, entry acpi.IOAPICEntry) *IOAPIC {
	d := &IOAPIC{io: io, base: mappedVA, id: entry.ID, gsiBase: entry.GSIBase}
	d.writeIndex(ioapicRegVersion)
	version := d.readData()
	d.entries = 1 + int(version>>16)
	return d
}

func (d *IOAPIC) writeIndex(index uint8) { d.io.WriteU32(d.base+ioapicOffsetSelect, uint32(index)) }
func (d *IOAPIC) readData() uint32       { return d.io.ReadU32(d.base + ioapicOffsetData) }
func (d *IOAPIC) writeData(v uint32)     { d.io.WriteU32(d.base+ioapicOffsetData, v) }

// Covers reports whether gsi falls within this IOAPIC's GSI range.
func (d *IOAPIC) Covers(gsi uint32) bool {
	return gsi >= d.gsiBase && gsi < d.gsiBase+uint32(d.entries)
}

// WriteRedirection programs the two 32-bit halves of the redirection table
// entry for the given GSI, relative to this IOAPIC's base.
func (d *IOAPIC) WriteRedirection(gsi uint32, e RedirectionEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.Covers(gsi) {
		return fmt.Errorf("apic: gsi %d: %w: outside this IOAPIC's range", gsi, kerr.ErrInvalidParameter)
	}
	rel := gsi - d.gsiBase
	low := ioapicRegRedirBase + rel*2
	high := low + 1

	d.writeIndex(uint8(low))
	d.writeData(uint32(e))
	d.writeIndex(uint8(high))
	d.writeData(uint32(e >> 32))
	return nil
}

// SetMasked toggles the mask bit of an already-programmed redirection
// entry without disturbing the rest (§4.2 set_irq_enabled).
func (d *IOAPIC) SetMasked(gsi uint32, masked bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.Covers(gsi) {
		return fmt.Errorf("apic: gsi %d: %w: outside this IOAPIC's range", gsi, kerr.ErrInvalidParameter)
	}
	rel := gsi - d.gsiBase
	low := uint8(ioapicRegRedirBase + rel*2)
	d.writeIndex(low)
	cur := RedirectionEntry(d.readData())
	d.writeIndex(low)
	d.writeData(uint32(cur.WithMasked(masked)))
	return nil
}
