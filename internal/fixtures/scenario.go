// Package fixtures loads declarative YAML scenarios describing multi-step
// hardware sequences (AP bring-up, USB hub topology, PCI roster), grounded
// on the teacher's examples/shared/testrunner package's TestSpec: a YAML
// document names a scenario once, and Go test code drives it. Only this
// package's own tests load the scenarios; the tests in internal/apic,
// internal/usb and internal/pci build their rosters as Go literals.
package fixtures

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling, exactly as the
// teacher's testrunner.Duration does.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("fixtures: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Scenario is the top-level document. Exactly one of APRoster, USBTopology,
// or PCIRoster is populated per file.
type Scenario struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	APRoster    *APRoster    `yaml:"ap_roster,omitempty"`
	USBTopology *USBTopology `yaml:"usb_topology,omitempty"`
	PCIRoster   *PCIRoster   `yaml:"pci_roster,omitempty"`
}

// APRoster describes an AP bring-up scenario (§8 scenario 1).
type APRoster struct {
	BSPIndex    int       `yaml:"bsp_index"`
	SIPITimeout Duration  `yaml:"sipi_timeout"`
	APs         []APEntry `yaml:"aps"`
}

// APEntry is one application processor expected to respond to INIT/SIPI.
type APEntry struct {
	Index            int      `yaml:"index"`
	LocalAPICID      uint8    `yaml:"local_apic_id"`
	RespondsWithin   Duration `yaml:"responds_within"`
	InitialTSCOffset uint64   `yaml:"initial_tsc_offset"`
}

// USBTopology describes a hub and the devices attached to its ports (§8
// scenario 4, §4.4).
type USBTopology struct {
	HubPorts           int            `yaml:"hub_ports"`
	PowerOnToPowerGood Duration       `yaml:"power_on_to_power_good"`
	Devices            []USBDeviceRow `yaml:"devices"`
}

// USBDeviceRow is one device present on a hub port at scenario start.
type USBDeviceRow struct {
	Port      int    `yaml:"port"`
	Speed     string `yaml:"speed"` // "low", "full", "high", "super"
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`
}

// PCIRoster describes the devices present on a PCI bus (§6 PCIConfigAccess).
type PCIRoster struct {
	Bus     uint8          `yaml:"bus"`
	Devices []PCIDeviceRow `yaml:"devices"`
}

// PCIDeviceRow is one function's config-space identity and class code.
type PCIDeviceRow struct {
	Device        uint8  `yaml:"device"`
	Function      uint8  `yaml:"function"`
	VendorID      uint16 `yaml:"vendor_id"`
	DeviceID      uint16 `yaml:"device_id"`
	ClassCode     uint8  `yaml:"class_code"`
	Subclass      uint8  `yaml:"subclass"`
	ProgIF        uint8  `yaml:"prog_if"`
	MultiFunction bool   `yaml:"multi_function"`
}
