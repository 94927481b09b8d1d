package mm

// FaultErrorCode is the 6-bit error code the processor pushes on a page
// fault (§4.1 Fault model). Bit layout matches the x86_64 architectural
// page-fault error code.
type FaultErrorCode uint8

const (
	faultBitPresent = 1 << 0 // 0: no translation; 1: protection violation
	faultBitWrite   = 1 << 1 // 0: read access; 1: write access
	faultBitUser    = 1 << 2 // 0: supervisor; 1: user
	faultBitReserve = 1 << 3 // reserved-bit violation while walking
	faultBitFetch   = 1 << 4 // instruction fetch
)

// FaultReason classifies a decoded page fault into the four buckets the
// scheduler's trap handler branches on (§4.1, §8).
type FaultReason int

const (
	FaultUnknown FaultReason = iota
	FaultNotPresent
	FaultCannotExecute
	FaultCannotWrite
	FaultCannotRead
)

func (r FaultReason) String() string {
	switch r {
	case FaultNotPresent:
		return "NotPresent"
	case FaultCannotExecute:
		return "CannotExecute"
	case FaultCannotWrite:
		return "CannotWrite"
	case FaultCannotRead:
		return "CannotRead"
	default:
		return "Unknown"
	}
}

// User reports whether the faulting access originated in user mode.
func (e FaultErrorCode) User() bool { return e&faultBitUser != 0 }

// Decode classifies a page-fault error code (§4.1 Fault model).
//
// A clear present bit always means no translation exists, regardless of
// what the other bits say (the processor does not walk far enough to know
// whether it would have been a write or a fetch). Once a translation
// exists, the offending access shape determines the reason: fetch beats
// write beats plain read, matching the order the architecture checks
// permissions while walking.
func (e FaultErrorCode) Decode() FaultReason {
	if e&faultBitPresent == 0 {
		return FaultNotPresent
	}
	switch {
	case e&faultBitFetch != 0:
		return FaultCannotExecute
	case e&faultBitWrite != 0:
		return FaultCannotWrite
	default:
		return FaultCannotRead
	}
}
