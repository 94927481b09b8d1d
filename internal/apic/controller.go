package apic

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// Controller is the BSP-owned object exposing register/register_msi/
// set_irq_enabled and the dispatcher discipline (§4.2 Responsibility).
type Controller struct {
	lapic *LAPIC
	gsi   *GSITable
	procs *ProcessorTable

	mu          sync.Mutex
	ioapics     []*IOAPIC
	handlers    [VectorGSICount]handlerSlot
	msiHandlers [VectorMSICount]handlerSlot

	msiNext uint32 // next MSI vector offset to hand out, VectorMSICount bound

	level atomic.Int32 // current IRQLevel, for dispatcher discipline bookkeeping
}

type handlerSlot struct {
	fn  Dispatcher
	arg uintptr
	set bool
}

// NewController wires a BSP-owned apic controller around an already-
// enabled local APIC and the IOAPICs firmware reported.
func NewController(lapic *LAPIC, gsi *GSITable, procs *ProcessorTable, ioapics []*IOAPIC) *Controller {
	return &Controller{lapic: lapic, gsi: gsi, procs: procs, ioapics: ioapics}
}

// Register installs f as the handler for irq, storing arg to pass on every
// invocation (§4.2 IRQ routing).
func (c *Controller) Register(irq uint8, f Dispatcher, arg uintptr) error {
	if int(irq) >= len(c.handlers) {
		return fmt.Errorf("apic: %w: irq %d out of range", kerr.ErrInvalidParameter, irq)
	}
	route := c.gsi.Lookup(irq)
	ioapic := c.ioapicFor(route.gsi)
	if ioapic == nil {
		return fmt.Errorf("apic: gsi %d: %w: no owning IOAPIC", route.gsi, kerr.ErrNotFound)
	}

	vector := VectorGSIBase + irq
	entry := WithRouting(vector, c.lapic.ID(), route.levelTriggered, route.activeLow).WithMasked(false)
	if err := ioapic.WriteRedirection(route.gsi, entry); err != nil {
		return err
	}

	c.mu.Lock()
	c.handlers[irq] = handlerSlot{fn: f, arg: arg, set: true}
	c.mu.Unlock()
	return nil
}

// SetIRQEnabled toggles the redirection entry's mask bit for irq.
func (c *Controller) SetIRQEnabled(irq uint8, enabled bool) error {
	route := c.gsi.Lookup(irq)
	ioapic := c.ioapicFor(route.gsi)
	if ioapic == nil {
		return fmt.Errorf("apic: gsi %d: %w: no owning IOAPIC", route.gsi, kerr.ErrNotFound)
	}
	return ioapic.SetMasked(route.gsi, !enabled)
}

func (c *Controller) ioapicFor(gsi uint32) *IOAPIC {
	for _, io := range c.ioapics {
		if io.Covers(gsi) {
			return io
		}
	}
	return nil
}

// RegisterMSI hands out the next of 16 bounded MSI vectors (§4.2 MSI
// allocation). The returned (address, data) pair is what the PCI driver
// writes into the device's MSI capability.
func (c *Controller) RegisterMSI(f Dispatcher, arg uintptr) (addr uint64, data uint16, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.msiNext >= VectorMSICount {
		return 0, 0, errMSIExhausted()
	}
	slot := c.msiNext
	vector := VectorMSIBase + uint8(slot)
	c.msiNext++

	c.msiHandlers[slot] = handlerSlot{fn: f, arg: arg, set: true}

	return 0xFEE00000, 0xC000 | uint16(vector), nil
}

// DispatchMSI runs the registered handler for an MSI vector under the same
// dispatcher discipline as Dispatch.
func (c *Controller) DispatchMSI(vector uint8) {
	slotIdx := vector - VectorMSIBase
	c.mu.Lock()
	slot := c.msiHandlers[slotIdx]
	c.mu.Unlock()

	if !slot.set {
		panic(errUnregisteredIRQ(vector))
	}

	c.level.Store(int32(IRQLevelDevice))
	slot.fn(slot.arg)
	c.lapic.EOI()
	c.level.Store(int32(IRQLevelPassive))
}

// Dispatch runs the registered handler for irq under the dispatcher
// discipline (§4.2): raise level, call the handler, send EOI, lower level.
// An enabled IRQ with no registered handler is an invariant violation and
// panics.
func (c *Controller) Dispatch(irq uint8) {
	c.mu.Lock()
	slot := c.handlers[irq]
	c.mu.Unlock()

	if !slot.set {
		panic(errUnregisteredIRQ(irq))
	}

	c.level.Store(int32(IRQLevelDevice))
	slot.fn(slot.arg)
	c.lapic.EOI()
	c.level.Store(int32(IRQLevelPassive))
}

// Level returns the controller's current dispatcher-discipline IRQ level.
func (c *Controller) Level() IRQLevel { return IRQLevel(c.level.Load()) }
