package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/corekernel/internal/kerr"
)

const rsdpLength = 36

// RSDP is the decoded Root System Description Pointer, the structure
// bootinfo.BootInfo.ACPIRootPointer addresses.
type RSDP struct {
	OEMID    [6]byte
	Revision uint8
	XSDTAddr uint64
}

func parseRSDP(r PhysReader, pa uint64) (RSDP, error) {
	raw, err := r.ReadPhys(pa, rsdpLength)
	if err != nil {
		return RSDP{}, fmt.Errorf("acpi: read RSDP at 0x%x: %w", pa, err)
	}
	if string(raw[0:8]) != "RSD PTR " {
		return RSDP{}, fmt.Errorf("acpi: RSDP at 0x%x: %w: bad signature", pa, kerr.ErrInvalidDescriptor)
	}
	if checksum(raw[:20]) != 0 {
		return RSDP{}, fmt.Errorf("acpi: RSDP at 0x%x: %w: v1 checksum mismatch", pa, kerr.ErrInvalidDescriptor)
	}

	rsdp := RSDP{Revision: raw[15]}
	copy(rsdp.OEMID[:], raw[9:15])

	if rsdp.Revision >= 2 {
		if checksum(raw) != 0 {
			return RSDP{}, fmt.Errorf("acpi: RSDP at 0x%x: %w: extended checksum mismatch", pa, kerr.ErrInvalidDescriptor)
		}
		rsdp.XSDTAddr = binary.LittleEndian.Uint64(raw[24:32])
	}
	if rsdp.XSDTAddr == 0 {
		return RSDP{}, fmt.Errorf("acpi: RSDP at 0x%x: %w: no XSDT (pre-ACPI-2.0 firmware unsupported)", pa, kerr.ErrInvalidDescriptor)
	}
	return rsdp, nil
}
