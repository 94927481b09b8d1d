// Package acpi consumes the ACPI tables firmware leaves in physical memory:
// the MADT (LAPIC/IOAPIC/interrupt-source-override roster) and the HPET
// info block. Everything here is read-only — this kernel boots under
// firmware that already built the tables, it never constructs them.
package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/corekernel/internal/kerr"
)

// PhysReader reaches into physical memory to fetch table bytes. The caller
// (cmd/kernel wiring) backs this with the direct-map window internal/mm
// installs, or with a raw RAMArena during early boot before paging is live.
type PhysReader interface {
	ReadPhys(pa uint64, length int) ([]byte, error)
}

// sdtHeaderSize is the length of the common ACPI system-description-table
// header every table (MADT, HPET, FADT, ...) starts with.
const sdtHeaderSize = 36

// SDTHeader is the common header every ACPI table starts with.
type SDTHeader struct {
	Signature  [4]byte
	Length     uint32
	Revision   uint8
	OEMID      [6]byte
	OEMTableID [8]byte
	OEMRev     uint32
	CreatorID  [4]byte
	CreatorRev uint32
}

func (h SDTHeader) sigString() string { return string(h.Signature[:]) }

func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return sum
}

// readSDT reads and validates the header plus body of the table at pa,
// returning the parsed header and the body bytes (everything after the
// 36-byte header).
func readSDT(r PhysReader, pa uint64) (SDTHeader, []byte, error) {
	head, err := r.ReadPhys(pa, sdtHeaderSize)
	if err != nil {
		return SDTHeader{}, nil, fmt.Errorf("acpi: read table header at 0x%x: %w", pa, err)
	}

	length := binary.LittleEndian.Uint32(head[4:8])
	if length < sdtHeaderSize {
		return SDTHeader{}, nil, fmt.Errorf("acpi: table at 0x%x: %w: length %d shorter than header", pa, kerr.ErrInvalidDescriptor, length)
	}

	full, err := r.ReadPhys(pa, int(length))
	if err != nil {
		return SDTHeader{}, nil, fmt.Errorf("acpi: read table body at 0x%x: %w", pa, err)
	}
	if checksum(full) != 0 {
		return SDTHeader{}, nil, fmt.Errorf("acpi: table at 0x%x: %w: checksum mismatch", pa, kerr.ErrInvalidDescriptor)
	}

	var h SDTHeader
	copy(h.Signature[:], full[0:4])
	h.Length = length
	h.Revision = full[8]
	copy(h.OEMID[:], full[10:16])
	copy(h.OEMTableID[:], full[16:24])
	h.OEMRev = binary.LittleEndian.Uint32(full[24:28])
	copy(h.CreatorID[:], full[28:32])
	h.CreatorRev = binary.LittleEndian.Uint32(full[32:36])

	return h, full[sdtHeaderSize:], nil
}
