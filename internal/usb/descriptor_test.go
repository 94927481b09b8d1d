package usb

import "testing"

func TestParseDeviceDescriptor(t *testing.T) {
	b := []byte{
		18, 1, // bLength, bDescriptorType
		0x00, 0x02, // bcdUSB 2.00
		0, 0, 0, // class/subclass/protocol
		64,         // max packet size 0
		0x34, 0x12, // vendor 0x1234
		0x78, 0x56, // product 0x5678
		0x00, 0x01, // bcdDevice
		1, 2, 3, // manufacturer/product/serial indices
		1, // num configurations
	}
	d, err := ParseDeviceDescriptor(b)
	if err != nil {
		t.Fatalf("ParseDeviceDescriptor: %v", err)
	}
	if d.VendorID != 0x1234 || d.ProductID != 0x5678 {
		t.Fatalf("vendor/product = 0x%x/0x%x, want 0x1234/0x5678", d.VendorID, d.ProductID)
	}
	if d.MaxPacketSize0 != 64 {
		t.Fatalf("MaxPacketSize0 = %d, want 64", d.MaxPacketSize0)
	}
}

func TestParseDeviceDescriptorTooShort(t *testing.T) {
	if _, err := ParseDeviceDescriptor([]byte{18, 1}); err == nil {
		t.Fatalf("expected error for truncated descriptor")
	}
}

func buildConfigBlob() []byte {
	var b []byte
	// configuration descriptor (9 bytes)
	b = append(b, 9, byte(DescriptorConfiguration), 0, 0, 1 /*numInterfaces*/, 1 /*value*/, 0, 0xa0, 50)
	// interface descriptor (9 bytes)
	b = append(b, 9, byte(DescriptorInterface), 0, 0, 1 /*numEndpoints*/, 3 /*class HID*/, 1, 2, 0)
	// HID descriptor (9 bytes, 1 report)
	b = append(b, 9, byte(DescriptorHID), 0x11, 0x01, 0, 1, byte(DescriptorHIDReport), 0x22, 0x00)
	// endpoint descriptor (7 bytes): IN, interrupt, addr 0x81
	b = append(b, 7, byte(DescriptorEndpoint), 0x81, 0x03, 0x08, 0x00, 0x0a)
	// unknown type, should be skipped
	b = append(b, 4, 0xFF, 0xAA, 0xBB)

	total := len(b)
	b[2] = byte(total)
	b[3] = byte(total >> 8)
	return b
}

func TestParseConfigurationWalksEntries(t *testing.T) {
	cfg, err := ParseConfiguration(buildConfigBlob())
	if err != nil {
		t.Fatalf("ParseConfiguration: %v", err)
	}
	if cfg.Value != 1 {
		t.Fatalf("cfg.Value = %d, want 1", cfg.Value)
	}
	if len(cfg.Interfaces) != 1 {
		t.Fatalf("len(Interfaces) = %d, want 1", len(cfg.Interfaces))
	}
	iface := cfg.Interfaces[0]
	if len(iface.Endpoints) != 1 {
		t.Fatalf("len(Endpoints) = %d, want 1", len(iface.Endpoints))
	}
	ep := iface.Endpoints[0]
	if ep.Number != 1 || ep.Direction != DirectionIn || ep.Type != EndpointInterrupt {
		t.Fatalf("endpoint = %+v, want number=1 in interrupt", ep)
	}
	if len(iface.HIDReports) != 1 || iface.HIDReports[0].DescriptorType != DescriptorHIDReport {
		t.Fatalf("HIDReports = %+v", iface.HIDReports)
	}
}

func TestParseConfigurationTruncatedTrailerDiscardedSilently(t *testing.T) {
	blob := buildConfigBlob()
	blob = append(blob, 5) // dangling partial descriptor header
	cfg, err := ParseConfiguration(blob)
	if err != nil {
		t.Fatalf("ParseConfiguration should tolerate a truncated trailer: %v", err)
	}
	if len(cfg.Interfaces) != 1 {
		t.Fatalf("truncated trailer should not affect already-parsed interfaces")
	}
}

func TestDecodeStringDescriptor(t *testing.T) {
	// "Hi" in UTF-16LE, with a 2-byte header (bLength=6, bDescriptorType=3).
	b := []byte{6, byte(DescriptorString), 'H', 0, 'i', 0}
	s, err := DecodeStringDescriptor(b)
	if err != nil {
		t.Fatalf("DecodeStringDescriptor: %v", err)
	}
	if s != "Hi" {
		t.Fatalf("decoded = %q, want \"Hi\"", s)
	}
}
