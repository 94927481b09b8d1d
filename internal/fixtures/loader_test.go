package fixtures

import "testing"

func TestLoadAPRoster(t *testing.T) {
	s, err := Load("testdata/ap_bringup.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.APRoster == nil {
		t.Fatalf("expected an ap_roster section")
	}
	if len(s.APRoster.APs) != 8 {
		t.Fatalf("len(APs) = %d, want 8", len(s.APRoster.APs))
	}
	if s.APRoster.SIPITimeout.Duration().String() != "100ms" {
		t.Fatalf("SIPITimeout = %v, want 100ms", s.APRoster.SIPITimeout.Duration())
	}
}

func TestLoadUSBTopology(t *testing.T) {
	s, err := Load("testdata/usb_hub_topology.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.USBTopology == nil || s.USBTopology.HubPorts != 4 {
		t.Fatalf("expected a 4-port usb_topology section, got %+v", s.USBTopology)
	}
	if len(s.USBTopology.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(s.USBTopology.Devices))
	}
	if s.USBTopology.Devices[0].Port != 1 || s.USBTopology.Devices[1].Port != 3 {
		t.Fatalf("device ports = %d,%d, want 1,3", s.USBTopology.Devices[0].Port, s.USBTopology.Devices[1].Port)
	}
}

func TestLoadPCIRoster(t *testing.T) {
	s, err := Load("testdata/pci_roster.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.PCIRoster == nil || len(s.PCIRoster.Devices) != 1 {
		t.Fatalf("expected a single-device pci_roster section, got %+v", s.PCIRoster)
	}
	dev := s.PCIRoster.Devices[0]
	if dev.ClassCode != 0x0c || dev.Subclass != 0x03 || dev.ProgIF != 0x30 {
		t.Fatalf("class/subclass/prog_if = %x/%x/%x, want xhci triple", dev.ClassCode, dev.Subclass, dev.ProgIF)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("testdata/does-not-exist.yaml"); err == nil {
		t.Fatalf("expected an error for a missing fixture file")
	}
}
