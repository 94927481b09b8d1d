package acpi

import "encoding/binary"

const (
	madtEntryLocalAPIC = 0
	madtEntryIOAPIC    = 1
	madtEntryIntSrcOvr = 2
)

// LocalAPICEntry is one MADT processor-local-APIC entry.
type LocalAPICEntry struct {
	ProcessorID uint8
	APICID      uint8
	Enabled     bool
}

// IOAPICEntry is one MADT IO-APIC entry.
type IOAPICEntry struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// InterruptSourceOverride remaps a legacy ISA IRQ onto a different GSI with
// its own polarity/trigger mode (§4.2 step 4).
type InterruptSourceOverride struct {
	Bus    uint8
	Source uint8
	GSI    uint32
	Flags  uint16
}

// MADT is the parsed Multiple APIC Description Table.
type MADT struct {
	LAPICBase uint32
	Flags     uint32

	LocalAPICs []LocalAPICEntry
	IOAPICs    []IOAPICEntry
	Overrides  []InterruptSourceOverride
}

func parseMADT(body []byte) (MADT, error) {
	if len(body) < 8 {
		return MADT{}, errShortTable("MADT", len(body), 8)
	}
	m := MADT{
		LAPICBase: binary.LittleEndian.Uint32(body[0:4]),
		Flags:     binary.LittleEndian.Uint32(body[4:8]),
	}

	entries := body[8:]
	for len(entries) >= 2 {
		typ := entries[0]
		length := int(entries[1])
		if length < 2 || length > len(entries) {
			return MADT{}, errShortTable("MADT entry", len(entries), length)
		}
		payload := entries[2:length]

		switch typ {
		case madtEntryLocalAPIC:
			if len(payload) >= 6 {
				m.LocalAPICs = append(m.LocalAPICs, LocalAPICEntry{
					ProcessorID: payload[0],
					APICID:      payload[1],
					Enabled:     binary.LittleEndian.Uint32(payload[2:6])&1 != 0,
				})
			}
		case madtEntryIOAPIC:
			if len(payload) >= 10 {
				m.IOAPICs = append(m.IOAPICs, IOAPICEntry{
					ID:      payload[0],
					Address: binary.LittleEndian.Uint32(payload[2:6]),
					GSIBase: binary.LittleEndian.Uint32(payload[6:10]),
				})
			}
		case madtEntryIntSrcOvr:
			if len(payload) >= 8 {
				m.Overrides = append(m.Overrides, InterruptSourceOverride{
					Bus:    payload[0],
					Source: payload[1],
					GSI:    binary.LittleEndian.Uint32(payload[2:6]),
					Flags:  binary.LittleEndian.Uint16(payload[6:8]),
				})
			}
		}
		// Unrecognized entry types are skipped by length; the kernel only
		// acts on the three kinds above.

		entries = entries[length:]
	}

	return m, nil
}
