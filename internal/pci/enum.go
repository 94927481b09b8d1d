// Package pci walks the PCI configuration-space trait (§6: "PCI
// configuration access") to discover the devices behind the host bridge —
// the bus-walk, BAR, and capability-list logic a kernel needs before it can
// hand a USB host controller off to internal/usb.
//
// Grounded on the teacher's config-space constants and BAR layout
// (internal/devices/pci/host.go: type0BAROffset, type0BARCount,
// type0BARStride), read here instead of written, since this kernel is the
// guest walking a real bridge rather than the emulator implementing one.
package pci

import (
	"fmt"

	"github.com/tinyrange/corekernel/internal/extern"
	"github.com/tinyrange/corekernel/internal/kerr"
)

const (
	offsetVendorID   = 0x00
	offsetDeviceID   = 0x02
	offsetCommand    = 0x04
	offsetStatus     = 0x06
	offsetClassCode  = 0x09 // 3 bytes: prog-if, subclass, base class
	offsetHeaderType = 0x0e
	offsetBAR0       = 0x10
	barCount         = 6
	barStride        = 4
	offsetCapPointer = 0x34
	offsetInterrupt  = 0x3c
	headerTypeMFDBit = 0x80
	headerTypeMask   = 0x7f
	headerTypeNormal = 0x00
	headerTypeBridge = 0x01
	statusCapListBit = 1 << 4
	vendorIDNoDevice = 0xffff
	maxBus           = 256
	maxDevice        = 32
	maxFunction      = 8
)

// Capability is one entry in a function's linked capability list (offset
// 0x34 walk, terminated by a zero next-pointer).
type Capability struct {
	ID     uint8
	Offset uint8
}

// Function describes one PCI bus/device/function discovered during
// enumeration.
type Function struct {
	Address    extern.PCIAddress
	VendorID   uint16
	DeviceID   uint16
	BaseClass  uint8
	SubClass   uint8
	ProgIF     uint8
	HeaderType uint8
	BARs       [barCount]uint32
	Interrupt  uint8
	Caps       []Capability
}

// IsMultiFunction reports whether function 0's header advertises sibling
// functions.
func (f Function) IsMultiFunction() bool { return f.HeaderType&headerTypeMFDBit != 0 }

// IsBridge reports whether the function is a PCI-to-PCI bridge (header type
// 1), which recursive bus walk must not read BARs from the same way.
func (f Function) IsBridge() bool { return f.HeaderType&headerTypeMask == headerTypeBridge }

func read16(access extern.PCIConfigAccess, addr extern.PCIAddress, offset uint8) uint16 {
	aligned := extern.PCIAddress{Bus: addr.Bus, Device: addr.Device, Function: addr.Function, Register: offset &^ 0x3}
	v := access.ReadPCI(aligned)
	shift := (offset & 0x3) * 8
	return uint16(v >> shift)
}

func read8(access extern.PCIConfigAccess, addr extern.PCIAddress, offset uint8) uint8 {
	aligned := extern.PCIAddress{Bus: addr.Bus, Device: addr.Device, Function: addr.Function, Register: offset &^ 0x3}
	v := access.ReadPCI(aligned)
	shift := (offset & 0x3) * 8
	return uint8(v >> shift)
}

func read32(access extern.PCIConfigAccess, addr extern.PCIAddress, offset uint8) uint32 {
	return access.ReadPCI(extern.PCIAddress{Bus: addr.Bus, Device: addr.Device, Function: addr.Function, Register: offset})
}

// probeFunction reads one function's header, BARs and capability list. It
// returns (Function{}, false) if no device responds (vendor ID 0xffff).
func probeFunction(access extern.PCIConfigAccess, bus, device, function uint8) (Function, bool) {
	addr := extern.PCIAddress{Bus: bus, Device: device, Function: function}
	vendor := read16(access, addr, offsetVendorID)
	if vendor == vendorIDNoDevice {
		return Function{}, false
	}

	f := Function{
		Address:    addr,
		VendorID:   vendor,
		DeviceID:   read16(access, addr, offsetDeviceID),
		ProgIF:     read8(access, addr, offsetClassCode),
		SubClass:   read8(access, addr, offsetClassCode+1),
		BaseClass:  read8(access, addr, offsetClassCode+2),
		HeaderType: read8(access, addr, offsetHeaderType),
		Interrupt:  read8(access, addr, offsetInterrupt),
	}

	if !f.IsBridge() {
		for i := 0; i < barCount; i++ {
			f.BARs[i] = read32(access, addr, uint8(offsetBAR0+i*barStride))
		}
	}

	status := read16(access, addr, offsetStatus)
	if status&statusCapListBit != 0 {
		f.Caps = walkCapabilities(access, addr)
	}

	return f, true
}

func walkCapabilities(access extern.PCIConfigAccess, addr extern.PCIAddress) []Capability {
	var caps []Capability
	next := read8(access, addr, offsetCapPointer)
	seen := map[uint8]bool{}
	for next != 0 && !seen[next] {
		seen[next] = true
		id := read8(access, addr, next)
		caps = append(caps, Capability{ID: id, Offset: next})
		next = read8(access, addr, next+1)
	}
	return caps
}

// Enumerate performs a flat single-bus walk (bus 0, every device/function
// that responds) and returns every function found. Bridges are included in
// the result but their secondary bus is not followed automatically — callers
// that need full topology call EnumerateBus again with the bridge's
// secondary bus number once they've read it from the bridge's own config
// space, keeping this package free of the bridge-specific register layout.
func Enumerate(access extern.PCIConfigAccess) ([]Function, error) {
	if access == nil {
		return nil, fmt.Errorf("pci: enumerate: %w: nil config access", kerr.ErrInvalidParameter)
	}
	return EnumerateBus(access, 0)
}

// EnumerateBus walks every device/function slot on a single bus number.
func EnumerateBus(access extern.PCIConfigAccess, bus uint8) ([]Function, error) {
	if access == nil {
		return nil, fmt.Errorf("pci: enumerate bus %d: %w: nil config access", bus, kerr.ErrInvalidParameter)
	}

	var out []Function
	for device := uint8(0); device < maxDevice; device++ {
		f0, ok := probeFunction(access, bus, device, 0)
		if !ok {
			continue
		}
		out = append(out, f0)

		if !f0.IsMultiFunction() {
			continue
		}
		for function := uint8(1); function < maxFunction; function++ {
			f, ok := probeFunction(access, bus, device, function)
			if !ok {
				continue
			}
			out = append(out, f)
		}
	}
	return out, nil
}

// FindCapability returns the offset of the first capability matching id, or
// (0, false) if absent.
func (f Function) FindCapability(id uint8) (uint8, bool) {
	for _, c := range f.Caps {
		if c.ID == id {
			return c.Offset, true
		}
	}
	return 0, false
}

// ClassCode packs base/sub/prog-if into the conventional 24-bit PCI class
// code, used to recognize a USB host controller (0x0C0300 = UHCI,
// 0x0C0310 = OHCI, 0x0C0320 = EHCI, 0x0C0330 = XHCI).
func (f Function) ClassCode() uint32 {
	return uint32(f.BaseClass)<<16 | uint32(f.SubClass)<<8 | uint32(f.ProgIF)
}

const (
	classSerialBusController = 0x0c
	subclassUSB              = 0x03
	progIFUHCI               = 0x00
	progIFOHCI               = 0x10
	progIFEHCI               = 0x20
	progIFXHCI               = 0x30
)

// HostControllerKind identifies which USB host-controller programming
// interface a PCI function implements.
type HostControllerKind int

const (
	HostControllerUnknown HostControllerKind = iota
	HostControllerUHCI
	HostControllerOHCI
	HostControllerEHCI
	HostControllerXHCI
)

// USBHostControllerKind classifies f as a USB host controller, or returns
// HostControllerUnknown if f is not one.
func (f Function) USBHostControllerKind() HostControllerKind {
	if f.BaseClass != classSerialBusController || f.SubClass != subclassUSB {
		return HostControllerUnknown
	}
	switch f.ProgIF {
	case progIFUHCI:
		return HostControllerUHCI
	case progIFOHCI:
		return HostControllerOHCI
	case progIFEHCI:
		return HostControllerEHCI
	case progIFXHCI:
		return HostControllerXHCI
	default:
		return HostControllerUnknown
	}
}
