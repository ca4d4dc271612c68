package cfg

// syntheticFrameBase is an arbitrary unmapped address used as the low
// end of every synthetic stack frame. It is chosen well away from any
// real image base so that a stray absolute address computed during
// simulation is unlikely to alias it by accident.
const syntheticFrameBase = 0x7ffff0000000

// StackFrame is a host-allocated buffer standing in for a function's
// stack frame, letting the simulator resolve RSP/RBP-relative LEA, PUSH,
// and POP without ever executing target code. Top() is the initial value
// given to RSP: one past the highest address in the frame, since x86-64
// stacks grow down.
type StackFrame struct {
	Base uint64
	Data []byte
}

// Top returns the address one past the end of the frame, the stack
// pointer value a caller would see immediately after a CALL pushed its
// return address, before the callee's prologue runs.
func (f *StackFrame) Top() uint64 {
	return f.Base + uint64(len(f.Data))
}

// NewStackFrame allocates a synthetic stack frame for fnTag. If size is
// non-zero (typically recovered from a leading "SUB RSP, imm" in the
// function's entry block) the frame is sized exactly to it; otherwise it
// defaults to pageSize.
func (c *CFG) NewStackFrame(fnTag uint64, size, pageSize uint64) (*StackFrame, error) {
	if _, err := c.function(fnTag); err != nil {
		return nil, err
	}
	if size == 0 {
		size = pageSize
	}
	frame := &StackFrame{
		Base: syntheticFrameBase,
		Data: make([]byte, size),
	}
	c.frames[fnTag] = frame
	return frame, nil
}

// FreeStackFrame releases the frame associated with fnTag, if any.
func (c *CFG) FreeStackFrame(fnTag uint64) {
	delete(c.frames, fnTag)
}
