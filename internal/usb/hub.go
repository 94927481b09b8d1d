package usb

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// PortState is a hub port's logical state (GLOSSARY "USB hub port").
type PortState int

const (
	PortPoweredOff PortState = iota
	PortDisconnected
	PortConnected
	PortResetting
	PortEnabled
	PortSuspended
	PortError
)

func (s PortState) String() string {
	switch s {
	case PortPoweredOff:
		return "PoweredOff"
	case PortDisconnected:
		return "Disconnected"
	case PortConnected:
		return "Connected"
	case PortResetting:
		return "Resetting"
	case PortEnabled:
		return "Enabled"
	case PortSuspended:
		return "Suspended"
	case PortError:
		return "Error"
	default:
		return fmt.Sprintf("PortState(%d)", int(s))
	}
}

// Standard USB hub port-status/port-change bits (USB 2.0 spec table 11-15,
// 11-16); hardcoded rather than derived since they are a fixed wire format,
// not something original_source computes.
const (
	statusConnection  = 1 << 0
	statusEnable      = 1 << 1
	statusSuspend     = 1 << 2
	statusOverCurrent = 1 << 3
	statusReset       = 1 << 4
	statusPower       = 1 << 8
	statusLowSpeed    = 1 << 9
	statusHighSpeed   = 1 << 10

	changeConnection  = 1 << 0
	changeEnable      = 1 << 1
	changeSuspend     = 1 << 2
	changeOverCurrent = 1 << 3
	changeReset       = 1 << 4
)

// PortFeature names a SET_FEATURE/CLEAR_FEATURE selector (§4.4).
type PortFeature uint8

const (
	FeaturePortConnection PortFeature = iota
	FeaturePortEnable
	FeaturePortSuspend
	FeaturePortOverCurrent
	FeaturePortReset
	FeaturePortPower
	FeatureCPortConnection
	FeatureCPortEnable
	FeatureCPortSuspend
	FeatureCPortOverCurrent
	FeatureCPortReset
	FeatureBHPortReset
)

// HostController is the subset of host-controller operations the hub
// driver needs: port feature control transfers, status reads, interrupt-in
// polling of the hub's status-change endpoint, and child enrollment. A real
// kernel backs this with the XHCI/EHCI transfer-ring driver; tests back it
// with an in-memory fake.
type HostController interface {
	SetPortFeature(hub Address, port int, feature PortFeature) error
	ClearPortFeature(hub Address, port int, feature PortFeature) error
	GetPortStatus(hub Address, port int) (status uint16, change uint16, err error)
	ReadPortChangeBitmap(hub Address, ep Endpoint) (bitmap uint16, err error)
	EnrollChild(hub Address, port int, route RouteString, speed Speed) (Address, error)
}

// Clock abstracts time.Sleep so tests run without real delays.
type Clock interface {
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the production Clock.
var RealClock Clock = realClock{}

// HubDescriptor is the subset of the class-specific hub descriptor the
// driver needs.
type HubDescriptor struct {
	NumPorts           int
	PowerOnToPowerGood time.Duration
	IsSuperSpeed       bool
}

// Hub drives one hub device's port state machine (§4.4 Hub driver state
// machine), grounded on UsbHub2Driver in
// original_source/system/kernel/src/bus/usb/drivers/usb_hub.rs, reworked as
// a plain Go struct whose Startup/PollOnce methods a caller drives from a
// goroutine instead of a hand-rolled async task.
type Hub struct {
	HC       HostController
	Tree     *Tree
	Clock    Clock
	Addr     Address
	Route    RouteString
	Desc     HubDescriptor
	StatusEP Endpoint

	focus sync.Mutex // "device focus" mutex (§4.4 invariants)

	mu    sync.Mutex
	ports []PortState
}

// NewHub constructs a hub driver with every port PoweredOff.
func NewHub(hc HostController, tree *Tree, addr Address, route RouteString, desc HubDescriptor, statusEP Endpoint, clock Clock) *Hub {
	if clock == nil {
		clock = RealClock
	}
	return &Hub{
		HC:       hc,
		Tree:     tree,
		Clock:    clock,
		Addr:     addr,
		Route:    route,
		Desc:     desc,
		StatusEP: statusEP,
		ports:    make([]PortState, desc.NumPorts+1), // 1-based
	}
}

func (h *Hub) setPortState(port int, s PortState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ports[port] = s
}

// PortState returns port's current logical state.
func (h *Hub) PortState(port int) PortState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ports[port]
}

func (h *Hub) resetFeature() PortFeature {
	if h.Desc.IsSuperSpeed {
		return FeatureBHPortReset
	}
	return FeaturePortReset
}

// Startup runs §4.4's hub startup sequence: power every port, wait for
// power-good, acknowledge bootstrap connection changes, then attach every
// port that already shows a connected device.
func (h *Hub) Startup() error {
	h.focus.Lock()
	defer h.focus.Unlock()

	for port := 1; port <= h.Desc.NumPorts; port++ {
		if err := h.HC.SetPortFeature(h.Addr, port, FeaturePortPower); err != nil {
			return fmt.Errorf("usb: hub %d port %d power: %w", h.Addr, port, err)
		}
		h.Clock.Sleep(10 * time.Millisecond)
	}

	h.Clock.Sleep(h.Desc.PowerOnToPowerGood)

	for port := 1; port <= h.Desc.NumPorts; port++ {
		if err := h.HC.ClearPortFeature(h.Addr, port, FeatureCPortConnection); err != nil {
			return fmt.Errorf("usb: hub %d port %d ack connection: %w", h.Addr, port, err)
		}
	}

	for port := 1; port <= h.Desc.NumPorts; port++ {
		status, _, err := h.HC.GetPortStatus(h.Addr, port)
		if err != nil {
			return fmt.Errorf("usb: hub %d port %d status: %w", h.Addr, port, err)
		}
		if status&statusConnection != 0 {
			if err := h.attachDeviceLocked(port); err != nil {
				return err
			}
		}
	}
	return nil
}

// attachDeviceLocked implements §4.4's Attach-device. Callers must already
// hold h.focus.
func (h *Hub) attachDeviceLocked(port int) error {
	h.setPortState(port, PortResetting)
	if err := h.HC.SetPortFeature(h.Addr, port, h.resetFeature()); err != nil {
		h.setPortState(port, PortError)
		return fmt.Errorf("usb: hub %d port %d reset: %w", h.Addr, port, err)
	}
	h.Clock.Sleep(h.Desc.PowerOnToPowerGood)

	status, change, err := h.HC.GetPortStatus(h.Addr, port)
	if err != nil {
		h.setPortState(port, PortError)
		return fmt.Errorf("usb: hub %d port %d status: %w", h.Addr, port, err)
	}
	if err := h.ackAllChanges(port, change); err != nil {
		return err
	}

	if status&statusConnection == 0 || status&statusEnable == 0 {
		h.setPortState(port, PortDisconnected)
		return nil
	}

	speed := deriveSpeed(status, h.Desc.IsSuperSpeed)
	route := h.Route.Child(uint8(port))
	addr, err := h.HC.EnrollChild(h.Addr, port, route, speed)
	if err != nil {
		h.setPortState(port, PortError)
		return fmt.Errorf("usb: hub %d port %d enroll: %w: %v", h.Addr, port, kerr.ErrDevice, err)
	}
	_ = addr
	h.setPortState(port, PortEnabled)
	return nil
}

// deriveSpeed implements §4.4's "derive the speed from the status word
// (USB2: low/high/else-full)". USB3 ports report speed via a port-speed
// field this simplified model treats uniformly as Super.
func deriveSpeed(status uint16, isSuperSpeed bool) Speed {
	if isSuperSpeed {
		return SpeedSuper
	}
	switch {
	case status&statusLowSpeed != 0:
		return SpeedLow
	case status&statusHighSpeed != 0:
		return SpeedHigh
	default:
		return SpeedFull
	}
}

// detachDeviceLocked implements §4.4's Detach-device for the device
// currently on port, if any.
func (h *Hub) detachDeviceLocked(port int, addr Address) {
	h.Tree.Detach(addr)
	h.setPortState(port, PortDisconnected)
}

// changeFeatureFor maps a single change bit to the CLEAR_FEATURE selector
// that acknowledges it (§4.4 invariants: "every change bit C_X acknowledges
// via CLEAR_FEATURE(C_X)").
func changeFeatureFor(bit uint16) (PortFeature, bool) {
	switch bit {
	case changeConnection:
		return FeatureCPortConnection, true
	case changeEnable:
		return FeatureCPortEnable, true
	case changeSuspend:
		return FeatureCPortSuspend, true
	case changeOverCurrent:
		return FeatureCPortOverCurrent, true
	case changeReset:
		return FeatureCPortReset, true
	default:
		return 0, false
	}
}

// ackAllChanges clears every set C_* bit in change.
func (h *Hub) ackAllChanges(port int, change uint16) error {
	for bit := uint16(1); bit != 0 && bit <= changeReset; bit <<= 1 {
		if change&bit == 0 {
			continue
		}
		feature, ok := changeFeatureFor(bit)
		if !ok {
			continue
		}
		if err := h.HC.ClearPortFeature(h.Addr, port, feature); err != nil {
			return fmt.Errorf("usb: hub %d port %d ack change 0x%x: %w", h.Addr, port, bit, err)
		}
	}
	return nil
}

// childOnPort returns the address of the device currently attached to
// port, or AddressDefault if none.
func (h *Hub) childOnPort(port int) Address {
	h.Tree.mu.Lock()
	defer h.Tree.mu.Unlock()
	if hub, ok := h.Tree.devices[h.Addr]; ok {
		for _, child := range hub.Children {
			if c, ok := h.Tree.devices[child]; ok && int(c.Route.LastNonZeroNibble()) == port {
				return child
			}
		}
	}
	return AddressDefault
}

// PollOnce reads one port-change bitmap from the status-change endpoint and
// processes every set bit, per §4.4's hub main loop. Returns kerr.ErrAborted
// unchanged so the caller's driver task can exit cleanly (§4.4 Failure).
func (h *Hub) PollOnce() error {
	bitmap, err := h.HC.ReadPortChangeBitmap(h.Addr, h.StatusEP)
	if err != nil {
		return err
	}

	h.focus.Lock()
	defer h.focus.Unlock()

	for port := 1; port <= h.Desc.NumPorts; port++ {
		if bitmap&(1<<uint(port)) == 0 {
			continue
		}
		status, change, err := h.HC.GetPortStatus(h.Addr, port)
		if err != nil {
			return fmt.Errorf("usb: hub %d port %d status: %w", h.Addr, port, err)
		}

		if change&changeConnection != 0 {
			if err := h.HC.ClearPortFeature(h.Addr, port, FeatureCPortConnection); err != nil {
				return fmt.Errorf("usb: hub %d port %d ack connection: %w", h.Addr, port, err)
			}
			if status&statusConnection != 0 {
				if err := h.attachDeviceLocked(port); err != nil {
					return err
				}
			} else {
				h.detachDeviceLocked(port, h.childOnPort(port))
			}
			continue
		}

		if err := h.ackAllChanges(port, change); err != nil {
			return err
		}
	}
	return nil
}
