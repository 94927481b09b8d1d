package usb

import (
	"fmt"
	"sync"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// Speed is the USB port speed identifier (PSIV in the glossary).
type Speed uint8

const (
	SpeedLow Speed = iota
	SpeedFull
	SpeedHigh
	SpeedSuper
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low"
	case SpeedFull:
		return "Full"
	case SpeedHigh:
		return "High"
	case SpeedSuper:
		return "Super"
	default:
		return fmt.Sprintf("Speed(%d)", int(s))
	}
}

// RouteString is a stack of 4-bit port numbers locating a device in the hub
// tree, shallowest hub first.
type RouteString []uint8

// Child appends port to the route, used when enrolling a new device one
// level below its parent hub.
func (r RouteString) Child(port uint8) RouteString {
	out := make(RouteString, len(r)+1)
	copy(out, r)
	out[len(r)] = port & 0x0f
	return out
}

// LastNonZeroNibble returns the final nibble of the route, the field §8's
// hub-enumeration scenario checks differs between sibling devices.
func (r RouteString) LastNonZeroNibble() uint8 {
	if len(r) == 0 {
		return 0
	}
	return r[len(r)-1]
}

// Address is a USB device address, 1..127; 0 names the not-yet-addressed
// default pipe.
type Address uint8

const (
	AddressDefault Address = 0
	maxAddress     Address = 127
)

// Device is one node in the USB device tree (§4.4, GLOSSARY "USB device").
type Device struct {
	Parent Address // AddressDefault for root hubs
	Route  RouteString
	Addr   Address
	Speed  Speed

	DeviceDescriptor DeviceDescriptor
	Configurations   []Configuration
	CurrentConfig    int // index into Configurations, -1 if unconfigured

	Manufacturer string
	Product      string
	SerialNumber string

	IsConfigured bool
	Children     []Address
}

// Tree owns every enrolled USB device, keyed by address, plus the
// monotonic address allocator the host controller uses when attach-device
// enrolls a new child (§4.4 Attach-device: "the host controller returns the
// new address").
type Tree struct {
	mu       sync.Mutex
	devices  map[Address]*Device
	nextAddr Address
}

// NewTree returns an empty device tree.
func NewTree() *Tree {
	return &Tree{devices: make(map[Address]*Device), nextAddr: 1}
}

// Enroll allocates the next free address and registers a new device as a
// child of parent at route/port/speed. If parent is non-zero it must
// already be a registered hub device.
func (t *Tree) Enroll(parent Address, route RouteString, speed Speed) (*Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nextAddr > maxAddress {
		return nil, fmt.Errorf("usb: enroll device: %w: address space exhausted", kerr.ErrOutOfMemory)
	}
	addr := t.nextAddr
	t.nextAddr++

	d := &Device{
		Parent:        parent,
		Route:         route,
		Addr:          addr,
		Speed:         speed,
		CurrentConfig: -1,
	}
	t.devices[addr] = d

	if parent != AddressDefault {
		if p, ok := t.devices[parent]; ok {
			p.Children = append(p.Children, addr)
		}
	}
	return d, nil
}

// Lookup returns the device at addr, or nil.
func (t *Tree) Lookup(addr Address) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.devices[addr]
}

// Len reports the number of live devices, for tests.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.devices)
}

// Detach recursively removes addr and every descendant from the tree,
// freeing every address in the subtree (§4.4 Detach-device, §8 invariant:
// "every descendant address is freed").
func (t *Tree) Detach(addr Address) []Address {
	t.mu.Lock()
	defer t.mu.Unlock()

	root, ok := t.devices[addr]
	if !ok {
		return nil
	}
	parent := root.Parent

	var freed []Address
	var walk func(a Address)
	walk = func(a Address) {
		d, ok := t.devices[a]
		if !ok {
			return
		}
		for _, child := range d.Children {
			walk(child)
		}
		delete(t.devices, a)
		freed = append(freed, a)
	}
	walk(addr)

	if parent != AddressDefault {
		if p, ok := t.devices[parent]; ok {
			p.Children = removeAddress(p.Children, addr)
		}
	}
	return freed
}

func removeAddress(s []Address, a Address) []Address {
	out := s[:0]
	for _, v := range s {
		if v != a {
			out = append(out, v)
		}
	}
	return out
}
