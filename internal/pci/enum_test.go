package pci

import (
	"testing"

	"github.com/tinyrange/corekernel/internal/extern"
)

// fakeConfigSpace is an in-memory PCIConfigAccess keyed by (bus,device,
// function,register), mirroring the register-windowing fakes used across
// this kernel's hardware packages (internal/apic/ioapic_test.go).
type fakeConfigSpace struct {
	regs map[extern.PCIAddress]uint32
}

func newFakeConfigSpace() *fakeConfigSpace {
	return &fakeConfigSpace{regs: map[extern.PCIAddress]uint32{}}
}

func (f *fakeConfigSpace) ReadPCI(addr extern.PCIAddress) uint32 {
	key := extern.PCIAddress{Bus: addr.Bus, Device: addr.Device, Function: addr.Function, Register: addr.Register &^ 0x3}
	if v, ok := f.regs[key]; ok {
		return v
	}
	return 0xffff_ffff
}

func (f *fakeConfigSpace) WritePCI(addr extern.PCIAddress, value uint32) {
	key := extern.PCIAddress{Bus: addr.Bus, Device: addr.Device, Function: addr.Function, Register: addr.Register &^ 0x3}
	f.regs[key] = value
}

func (f *fakeConfigSpace) RegisterMSI(func(uintptr), uintptr) (uint64, uint16, error) {
	return 0, 0, nil
}

func (f *fakeConfigSpace) set32(bus, device, function uint8, offset uint8, value uint32) {
	f.regs[extern.PCIAddress{Bus: bus, Device: device, Function: function, Register: offset &^ 0x3}] = value
}

func TestEnumerateBusFindsXHCIController(t *testing.T) {
	fc := newFakeConfigSpace()
	// device 2, function 0: vendor/device at 0x00, class code at 0x08
	// (revision, prog-if, subclass, base class, from the lowest byte up).
	fc.set32(0, 2, 0, 0x00, 0x9999|(0x1234<<16))
	fc.set32(0, 2, 0, 0x04, 0) // command/status: no capability list
	fc.set32(0, 2, 0, 0x08, uint32(progIFXHCI)<<8|uint32(subclassUSB)<<16|uint32(classSerialBusController)<<24)
	fc.set32(0, 2, 0, 0x0c, 0) // header type: single-function, normal header

	funcs, err := EnumerateBus(fc, 0)
	if err != nil {
		t.Fatalf("EnumerateBus: %v", err)
	}
	if len(funcs) != 1 {
		t.Fatalf("len(funcs) = %d, want 1", len(funcs))
	}
	if funcs[0].USBHostControllerKind() != HostControllerXHCI {
		t.Fatalf("kind = %v, want XHCI", funcs[0].USBHostControllerKind())
	}
}

func TestEnumerateBusSkipsAbsentDevices(t *testing.T) {
	fc := newFakeConfigSpace()
	funcs, err := EnumerateBus(fc, 0)
	if err != nil {
		t.Fatalf("EnumerateBus: %v", err)
	}
	if len(funcs) != 0 {
		t.Fatalf("expected no functions on an empty bus, got %d", len(funcs))
	}
}

func TestEnumerateBusWalksCapabilityList(t *testing.T) {
	fc := newFakeConfigSpace()
	fc.set32(0, 3, 0, 0x00, 0xabcd|(0x1111<<16))
	fc.set32(0, 3, 0, offsetStatus&^0x3, uint32(statusCapListBit)<<16)
	fc.set32(0, 3, 0, offsetCapPointer&^0x3, 0x40)
	// capability at 0x40: id=0x05 (MSI), next=0x00
	fc.set32(0, 3, 0, 0x40, 0x05)

	funcs, err := EnumerateBus(fc, 0)
	if err != nil {
		t.Fatalf("EnumerateBus: %v", err)
	}
	if len(funcs) != 1 {
		t.Fatalf("len(funcs) = %d, want 1", len(funcs))
	}
	if _, ok := funcs[0].FindCapability(0x05); !ok {
		t.Fatalf("expected MSI capability to be found")
	}
}

func TestEnumerateNilAccessFails(t *testing.T) {
	if _, err := Enumerate(nil); err == nil {
		t.Fatalf("expected error for nil config access")
	}
}
