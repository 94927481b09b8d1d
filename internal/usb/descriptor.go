// Package usb implements USB device enumeration and the hub port state
// machine (§4.4): descriptor parsing, a route-string-addressed device tree,
// and the async hub driver loop.
//
// Grounded on the teacher's sentinel-error-plus-small-Config idiom
// (internal/acpi/config.go, internal/hv/common.go) and, for the underlying
// port-lifecycle algorithm, on original_source/system/kernel/src/bus/usb/
// drivers/usb_hub.rs's UsbHub2Driver._main_task — reworked here as
// synchronous Go methods driven by a caller-owned loop instead of a Rust
// async task, since this kernel models coroutines as goroutines rather than
// hand-rolled futures (see internal/sched.Executor).
package usb

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// DescriptorType is the standard USB bDescriptorType field.
type DescriptorType uint8

const (
	DescriptorDevice        DescriptorType = 1
	DescriptorConfiguration DescriptorType = 2
	DescriptorString        DescriptorType = 3
	DescriptorInterface     DescriptorType = 4
	DescriptorEndpoint      DescriptorType = 5
	DescriptorHID           DescriptorType = 0x21
	DescriptorHIDReport     DescriptorType = 0x22
)

// EndpointType classifies a parsed endpoint's transfer type (§4.4 step 4).
type EndpointType uint8

const (
	EndpointControl EndpointType = iota
	EndpointIsochronous
	EndpointBulk
	EndpointInterrupt
)

// EndpointDirection is the USB endpoint address' direction bit.
type EndpointDirection uint8

const (
	DirectionOut EndpointDirection = iota
	DirectionIn
)

// DeviceDescriptor is the standard 18-byte USB device descriptor.
type DeviceDescriptor struct {
	BcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	BcdDevice         uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialIndex       uint8
	NumConfigurations uint8
}

const deviceDescriptorLength = 18

// ParseDeviceDescriptor decodes the full 18-byte device descriptor.
func ParseDeviceDescriptor(b []byte) (DeviceDescriptor, error) {
	if len(b) < deviceDescriptorLength {
		return DeviceDescriptor{}, fmt.Errorf("usb: device descriptor: %w: got %d bytes, want %d", kerr.ErrInvalidDescriptor, len(b), deviceDescriptorLength)
	}
	return DeviceDescriptor{
		BcdUSB:            binary.LittleEndian.Uint16(b[2:4]),
		DeviceClass:       b[4],
		DeviceSubClass:    b[5],
		DeviceProtocol:    b[6],
		MaxPacketSize0:    b[7],
		VendorID:          binary.LittleEndian.Uint16(b[8:10]),
		ProductID:         binary.LittleEndian.Uint16(b[10:12]),
		BcdDevice:         binary.LittleEndian.Uint16(b[12:14]),
		ManufacturerIndex: b[14],
		ProductIndex:      b[15],
		SerialIndex:       b[16],
		NumConfigurations: b[17],
	}, nil
}

// MaxPacketSize0FromPartial extracts bMaxPacketSize0 from the first 8 bytes
// of the device descriptor (§4.4 step 1, Full-Speed link behavior).
func MaxPacketSize0FromPartial(b []byte) (uint8, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("usb: partial device descriptor: %w: got %d bytes, want 8", kerr.ErrInvalidDescriptor, len(b))
	}
	return b[7], nil
}

// Endpoint is a parsed endpoint descriptor (§4.4 step 4).
type Endpoint struct {
	Number        uint8
	Direction     EndpointDirection
	Type          EndpointType
	MaxPacketSize uint16
	Interval      uint8
}

// HIDReportRef is a report-descriptor reference nested in a HID class
// descriptor (§4.4 step 4: "append every contained report descriptor
// reference").
type HIDReportRef struct {
	DescriptorType DescriptorType
	Length         uint16
}

// Interface is a parsed interface descriptor plus its endpoints and any HID
// report references.
type Interface struct {
	Number      uint8
	AlternateID uint8
	Class       uint8
	SubClass    uint8
	Protocol    uint8
	Endpoints   []Endpoint
	HIDReports  []HIDReportRef
}

// Configuration is a parsed configuration descriptor plus its interfaces.
type Configuration struct {
	Value      uint8
	Attributes uint8
	MaxPower   uint8
	Interfaces []Interface
}

// ParseConfiguration walks the full configuration blob per §4.4 step 4's
// bLength walk, flushing an in-progress interface into the current
// configuration. It returns a single Configuration: a later configuration
// descriptor in the same blob replaces the earlier one and its interfaces.
// Unknown types are skipped by bLength, per (c) in spec.md's open
// questions: truncated trailers are discarded, not treated as fatal.
func ParseConfiguration(blob []byte) (Configuration, error) {
	var cfg Configuration
	var haveCfg bool
	var curIface *Interface

	flushInterface := func() {
		if curIface != nil {
			cfg.Interfaces = append(cfg.Interfaces, *curIface)
			curIface = nil
		}
	}

	off := 0
	for off < len(blob) {
		if off+2 > len(blob) {
			break // truncated trailer: discard silently per spec's open question (c)
		}
		length := int(blob[off])
		if length < 2 || off+length > len(blob) {
			break
		}
		descType := DescriptorType(blob[off+1])
		body := blob[off : off+length]

		switch descType {
		case DescriptorConfiguration:
			flushInterface()
			if len(body) < 8 {
				return Configuration{}, fmt.Errorf("usb: configuration descriptor: %w", kerr.ErrInvalidDescriptor)
			}
			cfg = Configuration{
				Value:      body[5],
				Attributes: body[7],
			}
			if len(body) >= 9 {
				cfg.MaxPower = body[8]
			}
			haveCfg = true

		case DescriptorInterface:
			flushInterface()
			if len(body) < 9 {
				return Configuration{}, fmt.Errorf("usb: interface descriptor: %w", kerr.ErrInvalidDescriptor)
			}
			curIface = &Interface{
				Number:      body[2],
				AlternateID: body[3],
				Class:       body[5],
				SubClass:    body[6],
				Protocol:    body[7],
			}

		case DescriptorEndpoint:
			if len(body) < 7 || curIface == nil {
				break
			}
			addr := body[2]
			attrs := body[3]
			curIface.Endpoints = append(curIface.Endpoints, Endpoint{
				Number:        addr & 0x0f,
				Direction:     EndpointDirection((addr >> 7) & 0x1),
				Type:          EndpointType(attrs & 0x3),
				MaxPacketSize: binary.LittleEndian.Uint16(body[4:6]),
				Interval:      body[6],
			})

		case DescriptorHID:
			if curIface == nil || len(body) < 9 {
				break
			}
			numDescriptors := int(body[5])
			for i := 0; i < numDescriptors; i++ {
				base := 6 + i*3
				if base+3 > len(body) {
					break
				}
				curIface.HIDReports = append(curIface.HIDReports, HIDReportRef{
					DescriptorType: DescriptorType(body[base]),
					Length:         binary.LittleEndian.Uint16(body[base+1 : base+3]),
				})
			}

		default:
			// unknown type: skip bLength bytes, per §4.4 step 4.
		}

		off += length
	}
	flushInterface()

	if !haveCfg {
		return Configuration{}, fmt.Errorf("usb: configuration blob: %w: no configuration descriptor found", kerr.ErrInvalidDescriptor)
	}
	return cfg, nil
}

// ConfigurationTotalLength reads wTotalLength from a 9-byte configuration
// descriptor header (§4.4 step 4: "read the configuration descriptor header
// to get total length").
func ConfigurationTotalLength(header []byte) (uint16, error) {
	if len(header) < 4 {
		return 0, fmt.Errorf("usb: configuration header: %w", kerr.ErrInvalidDescriptor)
	}
	return binary.LittleEndian.Uint16(header[2:4]), nil
}

// DecodeStringDescriptor decodes a USB string descriptor's UTF-16LE payload,
// skipping the two-byte bLength/bDescriptorType header (§4.4 step 3).
func DecodeStringDescriptor(b []byte) (string, error) {
	if len(b) < 2 {
		return "", fmt.Errorf("usb: string descriptor: %w", kerr.ErrInvalidDescriptor)
	}
	length := int(b[0])
	if length > len(b) {
		length = len(b) // truncated trailer: decode what we have, per open question (c)
	}
	payload := b[2:length]
	if len(payload)%2 != 0 {
		payload = payload[:len(payload)-1]
	}
	units := make([]uint16, len(payload)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(payload[i*2 : i*2+2])
	}
	return string(utf16.Decode(units)), nil
}
