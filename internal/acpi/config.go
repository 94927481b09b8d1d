package acpi

import "fmt"

// Config carries the expectations the boot sequence has about what
// firmware's tables should contain, checked once Parse returns. It plays
// the same normalize()-then-validate role the teacher's guest-table-builder
// Config used for emission; here it validates consumption instead.
type Config struct {
	// MinCPUs is the smallest acceptable local-APIC count; zero disables
	// the check.
	MinCPUs int
	// RequireHPET fails validation if firmware published no HPET table.
	RequireHPET bool
}

func (c *Config) normalize() {
	if c.MinCPUs < 0 {
		c.MinCPUs = 0
	}
}

// Validate checks t against cfg's expectations.
func (cfg Config) Validate(t *Tables) error {
	cfg.normalize()

	if cfg.MinCPUs > 0 && len(t.MADT.LocalAPICs) < cfg.MinCPUs {
		return fmt.Errorf("acpi: MADT reports %d CPUs, want at least %d", len(t.MADT.LocalAPICs), cfg.MinCPUs)
	}
	if cfg.RequireHPET && t.HPET == nil {
		return fmt.Errorf("acpi: firmware published no HPET table")
	}
	return nil
}
