package usb

import (
	"fmt"
	"time"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// ControlPipe is the default-pipe control-transfer collaborator the
// enumeration procedure needs (§4.4 Device enumeration). A real kernel
// backs this with a host-controller transfer-ring implementation; tests
// back it with an in-memory fake.
type ControlPipe struct {
	GetDescriptor            func(addr Address, descType DescriptorType, index uint8, length int) ([]byte, error)
	SetAddress               func(addr Address) error
	SetConfiguration         func(addr Address, value uint8) error
	ReconfigureMaxPacketSize func(addr Address, maxPacketSize0 uint8) error
}

// ClassDriverStarter is the driver-registry capability §4.4 step 6
// consults: "ask the driver-registry for a matching class/interface
// driver".
type ClassDriverStarter interface {
	// Instantiate returns true and starts the driver if it recognizes the
	// device's class/interface, or false if it does not apply.
	Instantiate(dev *Device) (accepted bool, err error)
}

// Registry is an ordered list of class driver starters consulted in order.
type Registry struct {
	Starters []ClassDriverStarter
}

// Dispatch offers dev to every registered starter in order, stopping at the
// first acceptance.
func (r *Registry) Dispatch(dev *Device) (bool, error) {
	for _, starter := range r.Starters {
		accepted, err := starter.Instantiate(dev)
		if err != nil {
			return false, err
		}
		if accepted {
			return true, nil
		}
	}
	return false, nil
}

// Enumerate implements §4.4's full device-enumeration procedure (steps
// 1-6) for the device that just appeared at the default address on pipe.
// On success it fills in dev's descriptors, strings and configuration in
// place and sets dev.IsConfigured when a class driver accepts the device
// (or when registry is nil); the caller is responsible for having already
// called Tree.Enroll to obtain dev.Addr.
func Enumerate(pipe ControlPipe, clock Clock, registry *Registry, dev *Device) error {
	if clock == nil {
		clock = RealClock
	}

	// Everything up to address assignment below runs against address 0,
	// the default address the host controller exposes a new device at.
	addr := AddressDefault

	// Step 1 (Full-Speed only): read first 8 bytes, reconfigure default
	// pipe, delay 10ms.
	if dev.Speed == SpeedFull {
		partial, err := pipe.GetDescriptor(addr, DescriptorDevice, 0, 8)
		if err != nil {
			return fmt.Errorf("usb: enumerate %d: partial device descriptor: %w", dev.Addr, err)
		}
		mps, err := MaxPacketSize0FromPartial(partial)
		if err != nil {
			return err
		}
		if pipe.ReconfigureMaxPacketSize != nil {
			if err := pipe.ReconfigureMaxPacketSize(addr, mps); err != nil {
				return fmt.Errorf("usb: enumerate %d: reconfigure default pipe: %w", dev.Addr, err)
			}
		}
		clock.Sleep(10 * time.Millisecond)
	}

	// SET_ADDRESS: move the device off address 0 onto the address Tree.Enroll
	// already reserved for it (§1, §4.4: "device enumeration (address
	// assignment, descriptor parsing, configuration selection)"). Every
	// transfer from here on targets the new address.
	if pipe.SetAddress == nil {
		return fmt.Errorf("usb: enumerate %d: %w: control pipe has no SetAddress", dev.Addr, kerr.ErrNotFound)
	}
	if err := pipe.SetAddress(dev.Addr); err != nil {
		return fmt.Errorf("usb: enumerate %d: set address: %w: %v", dev.Addr, kerr.ErrDevice, err)
	}
	clock.Sleep(2 * time.Millisecond)
	addr = dev.Addr

	// Step 2: full device descriptor.
	full, err := pipe.GetDescriptor(addr, DescriptorDevice, 0, deviceDescriptorLength)
	if err != nil {
		return fmt.Errorf("usb: enumerate %d: device descriptor: %w", dev.Addr, err)
	}
	desc, err := ParseDeviceDescriptor(full)
	if err != nil {
		return err
	}
	dev.DeviceDescriptor = desc

	// Step 3: string descriptors, if present.
	if s, err := readString(pipe, addr, desc.ManufacturerIndex); err == nil {
		dev.Manufacturer = s
	}
	if s, err := readString(pipe, addr, desc.ProductIndex); err == nil {
		dev.Product = s
	}
	if s, err := readString(pipe, addr, desc.SerialIndex); err == nil {
		dev.SerialNumber = s
	}

	// Step 4: configuration descriptor(s).
	header, err := pipe.GetDescriptor(addr, DescriptorConfiguration, 0, 9)
	if err != nil {
		return fmt.Errorf("usb: enumerate %d: configuration header: %w", dev.Addr, err)
	}
	total, err := ConfigurationTotalLength(header)
	if err != nil {
		return err
	}
	blob, err := pipe.GetDescriptor(addr, DescriptorConfiguration, 0, int(total))
	if err != nil {
		return fmt.Errorf("usb: enumerate %d: configuration blob: %w", dev.Addr, err)
	}
	cfg, err := ParseConfiguration(blob)
	if err != nil {
		return err
	}
	dev.Configurations = []Configuration{cfg}

	// Step 5: SET_CONFIGURATION.
	if err := pipe.SetConfiguration(addr, cfg.Value); err != nil {
		return fmt.Errorf("usb: enumerate %d: set configuration: %w: %v", dev.Addr, kerr.ErrDevice, err)
	}
	dev.CurrentConfig = 0

	// Step 6: driver dispatch.
	if registry != nil {
		accepted, err := registry.Dispatch(dev)
		if err != nil {
			return err
		}
		dev.IsConfigured = accepted
	} else {
		dev.IsConfigured = true
	}
	return nil
}

func readString(pipe ControlPipe, addr Address, index uint8) (string, error) {
	if index == 0 {
		return "", fmt.Errorf("usb: string index 0: %w", kerr.ErrNotFound)
	}
	first, err := pipe.GetDescriptor(addr, DescriptorString, index, 8)
	if err != nil {
		return "", err
	}
	if len(first) < 2 {
		return "", fmt.Errorf("usb: string descriptor %d: %w", index, kerr.ErrInvalidDescriptor)
	}
	length := int(first[0])
	body := first
	if length > 8 {
		full, err := pipe.GetDescriptor(addr, DescriptorString, index, length)
		if err != nil {
			return "", err
		}
		body = full
	}
	return DecodeStringDescriptor(body)
}
