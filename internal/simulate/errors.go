package simulate

import "errors"

// These are the simulator's recoverable conditions: a caller that hits
// one of these should fall back to treating the surrounding branch or
// memory reference as unresolved rather than aborting recovery of the
// whole binary.
var (
	// ErrIndeterminateRegister is returned when an instruction reads a
	// register slot the simulator has never written.
	ErrIndeterminateRegister = errors.New("simulate: indeterminate register")

	// ErrIndeterminateMemory is returned when an instruction addresses
	// memory outside the synthetic stack frame, or uses an access size
	// other than 1, 2, 4 or 8 bytes. Frame bytes that have never been
	// written are not tracked and read back as zero.
	ErrIndeterminateMemory = errors.New("simulate: indeterminate memory")

	// ErrUnhandledOpcode is returned for an (Op, operand shape) pair
	// with no registered handler.
	ErrUnhandledOpcode = errors.New("simulate: unhandled opcode")
)
