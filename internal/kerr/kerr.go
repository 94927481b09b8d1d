// Package kerr defines the error-kind sentinels shared by every subsystem
// (§7). Leaf operations wrap one of these with fmt.Errorf's %w so callers
// can errors.Is against the kind while still getting a descriptive message,
// matching the teacher's sentinel-error style (internal/hv/common.go:
// ErrInterrupted, ErrVMHalted, ErrHypervisorUnsupported, ...).
package kerr

import "errors"

var (
	// ErrInvalidParameter: caller supplied an ill-formed argument.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrOutOfMemory: physical frames, virtual address space, or a bounded
	// queue is full.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrDevice: USB transfer failed, PCI enumeration inconsistency.
	ErrDevice = errors.New("device error")
	// ErrInvalidDescriptor: a parsed USB or module descriptor violates its
	// invariants.
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	// ErrAborted: the underlying resource was revoked asynchronously.
	ErrAborted = errors.New("aborted")
	// ErrNotFound: a path, handle, or address has no binding.
	ErrNotFound = errors.New("not found")
)
