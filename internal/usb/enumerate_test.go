package usb

import "testing"

type acceptAllStarter struct{ accepted *Device }

func (s *acceptAllStarter) Instantiate(dev *Device) (bool, error) {
	s.accepted = dev
	return true, nil
}

func buildDeviceDescriptorBytes(maxPacket uint8) []byte {
	return []byte{
		18, 1,
		0x00, 0x02,
		0, 0, 0,
		maxPacket,
		0x34, 0x12,
		0x78, 0x56,
		0x00, 0x01,
		1, 2, 0,
		1,
	}
}

func TestEnumerateFullProcedure(t *testing.T) {
	tree := NewTree()
	dev, err := tree.Enroll(AddressDefault, RouteString{1}, SpeedHigh)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	cfgBlob := buildConfigBlob()
	cfgHeader := cfgBlob[:9]

	var configuredValue uint8
	var assignedAddr Address
	var assignedCalls int
	pipe := ControlPipe{
		GetDescriptor: func(addr Address, descType DescriptorType, index uint8, length int) ([]byte, error) {
			switch descType {
			case DescriptorDevice:
				full := buildDeviceDescriptorBytes(64)
				if length < len(full) {
					return full[:length], nil
				}
				return full, nil
			case DescriptorConfiguration:
				if length <= len(cfgHeader) {
					return cfgHeader, nil
				}
				return cfgBlob, nil
			case DescriptorString:
				return []byte{6, byte(DescriptorString), 'H', 0, 'i', 0}, nil
			}
			return nil, nil
		},
		SetAddress: func(addr Address) error {
			assignedCalls++
			assignedAddr = addr
			return nil
		},
		SetConfiguration: func(addr Address, value uint8) error {
			if addr != assignedAddr {
				t.Fatalf("SET_CONFIGURATION addressed %d, want %d (post SET_ADDRESS)", addr, assignedAddr)
			}
			configuredValue = value
			return nil
		},
	}

	starter := &acceptAllStarter{}
	registry := &Registry{Starters: []ClassDriverStarter{starter}}
	clock := &fakeClock{}

	if err := Enumerate(pipe, clock, registry, dev); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}

	if assignedCalls != 1 {
		t.Fatalf("SetAddress called %d times, want 1", assignedCalls)
	}
	if assignedAddr != dev.Addr {
		t.Fatalf("SET_ADDRESS addr = %d, want %d", assignedAddr, dev.Addr)
	}
	if dev.DeviceDescriptor.VendorID != 0x1234 {
		t.Fatalf("vendor id = 0x%x, want 0x1234", dev.DeviceDescriptor.VendorID)
	}
	if configuredValue != 1 {
		t.Fatalf("SET_CONFIGURATION value = %d, want 1", configuredValue)
	}
	if !dev.IsConfigured {
		t.Fatalf("device should be marked Configured once a driver accepts it")
	}
	if starter.accepted != dev {
		t.Fatalf("registry should have dispatched the enumerated device")
	}
	if dev.Manufacturer != "Hi" {
		t.Fatalf("Manufacturer = %q, want \"Hi\"", dev.Manufacturer)
	}
}

func TestEnumerateNoDriverLeavesUnconfigured(t *testing.T) {
	tree := NewTree()
	dev, _ := tree.Enroll(AddressDefault, RouteString{1}, SpeedHigh)
	cfgBlob := buildConfigBlob()

	pipe := ControlPipe{
		GetDescriptor: func(addr Address, descType DescriptorType, index uint8, length int) ([]byte, error) {
			switch descType {
			case DescriptorDevice:
				return buildDeviceDescriptorBytes(64), nil
			case DescriptorConfiguration:
				if length <= 9 {
					return cfgBlob[:9], nil
				}
				return cfgBlob, nil
			}
			return nil, nil
		},
		SetAddress:       func(Address) error { return nil },
		SetConfiguration: func(Address, uint8) error { return nil },
	}

	registry := &Registry{} // no starters
	if err := Enumerate(pipe, &fakeClock{}, registry, dev); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if dev.IsConfigured {
		t.Fatalf("device should remain unconfigured when no driver accepts it")
	}
}
