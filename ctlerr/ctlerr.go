// Package ctlerr collects the sentinel errors shared across the driver's
// packages (transport, board, stepgen). Keeping them in one leaf package
// lets board, stepgen and transport each return and wrap them without
// creating an import cycle.
package ctlerr

import "errors"

var (
	// ErrTransport indicates a packet send or receive failed, or came
	// back short or long.
	ErrTransport = errors.New("litexcnc: transport error")
	// ErrMagic indicates the 32-bit header magic did not match.
	ErrMagic = errors.New("litexcnc: bad magic")
	// ErrVersion indicates a firmware/driver major or minor mismatch.
	ErrVersion = errors.New("litexcnc: incompatible firmware version")
	// ErrName indicates the board name is not a NUL-terminated
	// printable string.
	ErrName = errors.New("litexcnc: invalid board name")
	// ErrUnknownModule indicates the FPGA reports a module ID the
	// driver has no factory for.
	ErrUnknownModule = errors.New("litexcnc: unknown module")
	// ErrConfig indicates a module-specific configuration parse
	// failure.
	ErrConfig = errors.New("litexcnc: invalid module config")
	// ErrReset indicates the reset handshake did not converge within
	// the retry budget.
	ErrReset = errors.New("litexcnc: reset did not converge")
	// ErrPacketSize indicates a module's cursor did not end at its
	// region boundary: a programming error, not a runtime fault.
	ErrPacketSize = errors.New("litexcnc: packet size mismatch")
	// ErrParamImmutable indicates the user tried to change a
	// configure-time stepgen timing after it was latched.
	ErrParamImmutable = errors.New("litexcnc: parameter is immutable after configure")
	// ErrOutOfMemory indicates an allocation failure during bring-up.
	ErrOutOfMemory = errors.New("litexcnc: out of memory")
)
