package acpi

import "encoding/binary"

// HPET is the parsed HPET info block: just enough to find and trust the
// counter MMIO window.
type HPET struct {
	EventTimerBlockID uint32
	Address           uint64
	HPETNumber        uint8
	MinimumTick       uint16
}

func parseHPET(body []byte) (HPET, error) {
	if len(body) < 20 {
		return HPET{}, errShortTable("HPET", len(body), 20)
	}
	return HPET{
		EventTimerBlockID: binary.LittleEndian.Uint32(body[0:4]),
		Address:           binary.LittleEndian.Uint64(body[8:16]),
		HPETNumber:        body[16],
		MinimumTick:       binary.LittleEndian.Uint16(body[17:19]),
	}, nil
}
