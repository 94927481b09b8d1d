package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// Tables holds every ACPI table the kernel cares about, consumed once
// during boot (control/data flow, §OVERVIEW): paging comes up first, then
// Parse walks firmware's tables to drive APIC bring-up.
type Tables struct {
	MADT MADT
	HPET *HPET // nil if firmware did not publish one
}

func errShortTable(name string, got, want int) error {
	return fmt.Errorf("acpi: %s: %w: got %d bytes, need at least %d", name, kerr.ErrInvalidDescriptor, got, want)
}

// Parse walks the RSDP at rootPointer (bootinfo.BootInfo.ACPIRootPointer),
// follows the XSDT, and decodes every table this kernel consumes.
func Parse(r PhysReader, rootPointer uint64) (*Tables, error) {
	rsdp, err := parseRSDP(r, rootPointer)
	if err != nil {
		return nil, err
	}

	xsdtHeader, xsdtBody, err := readSDT(r, rsdp.XSDTAddr)
	if err != nil {
		return nil, err
	}
	if xsdtHeader.sigString() != "XSDT" {
		return nil, fmt.Errorf("acpi: XSDT at 0x%x: %w: signature %q", rsdp.XSDTAddr, kerr.ErrInvalidDescriptor, xsdtHeader.sigString())
	}
	if len(xsdtBody)%8 != 0 {
		return nil, fmt.Errorf("acpi: XSDT at 0x%x: %w: body not a multiple of 8 bytes", rsdp.XSDTAddr, kerr.ErrInvalidDescriptor)
	}

	var tables Tables
	haveMADT := false

	for off := 0; off < len(xsdtBody); off += 8 {
		entryAddr := binary.LittleEndian.Uint64(xsdtBody[off : off+8])
		header, body, err := readSDT(r, entryAddr)
		if err != nil {
			return nil, err
		}

		switch header.sigString() {
		case "APIC":
			madt, err := parseMADT(body)
			if err != nil {
				return nil, err
			}
			tables.MADT = madt
			haveMADT = true
		case "HPET":
			hpet, err := parseHPET(body)
			if err != nil {
				return nil, err
			}
			tables.HPET = &hpet
		default:
			// FADT, DSDT and anything else firmware publishes are outside
			// this kernel's scope; skip.
		}
	}

	if !haveMADT {
		return nil, fmt.Errorf("acpi: %w: firmware published no MADT", kerr.ErrNotFound)
	}
	return &tables, nil
}
