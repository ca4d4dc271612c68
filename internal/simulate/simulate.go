// Package simulate implements the partial CPU simulator (C2/C3): a
// dispatch table over (opcode, operand shape) pairs that mutates a
// x86state.State using a host-allocated buffer as a stand-in for the
// target's stack, so that LEA/PUSH/POP and simple ALU chains can be
// evaluated without ever executing target code.
package simulate

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/unazed/ucfg/internal/disasm"
	"github.com/unazed/ucfg/internal/x86state"
)

// Simulator holds the register state and synthetic stack frame used to
// evaluate a slice of instructions. It does not know about the CFG
// store; its frame is supplied by the caller, which keeps this package
// strictly below internal/cfg in the import graph.
type Simulator struct {
	State     x86state.State
	frame     []byte
	frameBase uint64
}

// New returns a Simulator with no frame attached.
func New() *Simulator {
	return &Simulator{}
}

// Reset clears register state and installs frame as the synthetic stack,
// addressed starting at frameBase.
func (s *Simulator) Reset(frame []byte, frameBase uint64) {
	s.State.Reset()
	s.frame = frame
	s.frameBase = frameBase
}

// ReadReg returns the determinate value of reg, if known.
func (s *Simulator) ReadReg(reg x86asm.Reg) (uint64, bool) {
	return s.State.Read(reg)
}

// Flags returns the simulated flags word.
func (s *Simulator) Flags() x86state.Eflags {
	return s.State.Flags()
}

// Simulate runs insns in order against the simulator's state, setting
// RIP before each instruction the way the original engine does. It
// returns ok=true if every instruction was simulated; otherwise it stops
// at the first instruction it cannot resolve and returns ok=false with
// one of this package's sentinel errors (or a wrapped form of one), or
// with x86state.ErrUnknownRegister when a handler needs the width of, or
// writes to, a register the state does not model.
func (s *Simulator) Simulate(insns []disasm.Insn) (ok bool, err error) {
	for _, in := range insns {
		s.State.SetPC(in.Addr + uint64(in.Size))
		if err := s.step(in); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Simulator) step(in disasm.Insn) error {
	shape := operandShapeOf(in.Inst)
	key := dispatchKey{op: in.Inst.Op, shape: shape}
	handler, ok := handlers[key]
	if !ok {
		return fmt.Errorf("%w: %v/%v", ErrUnhandledOpcode, in.Inst.Op, shape)
	}
	return handler(s, in)
}

// operandShape classifies an instruction's non-nil argument kinds, as
// the original dispatch_* family does, replacing a giant per-mnemonic
// switch with a single lookup keyed on (opcode, shape).
type operandShape int

const (
	shapeNONE operandShape = iota
	shapeREG
	shapeIMM
	shapeMEM
	shapeREG_REG
	shapeREG_IMM
	shapeREG_MEM
	shapeMEM_REG
	shapeMEM_IMM
)

func (sh operandShape) String() string {
	switch sh {
	case shapeNONE:
		return "NONE"
	case shapeREG:
		return "REG"
	case shapeIMM:
		return "IMM"
	case shapeMEM:
		return "MEM"
	case shapeREG_REG:
		return "REG_REG"
	case shapeREG_IMM:
		return "REG_IMM"
	case shapeREG_MEM:
		return "REG_MEM"
	case shapeMEM_REG:
		return "MEM_REG"
	case shapeMEM_IMM:
		return "MEM_IMM"
	default:
		return "?"
	}
}

func operandShapeOf(inst x86asm.Inst) operandShape {
	var kinds []byte
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch a.(type) {
		case x86asm.Reg:
			kinds = append(kinds, 'R')
		case x86asm.Imm:
			kinds = append(kinds, 'I')
		case x86asm.Mem:
			kinds = append(kinds, 'M')
		case x86asm.Rel:
			kinds = append(kinds, 'I')
		default:
			kinds = append(kinds, '?')
		}
	}
	switch string(kinds) {
	case "":
		return shapeNONE
	case "R":
		return shapeREG
	case "I":
		return shapeIMM
	case "M":
		return shapeMEM
	case "RR":
		return shapeREG_REG
	case "RI":
		return shapeREG_IMM
	case "RM":
		return shapeREG_MEM
	case "MR":
		return shapeMEM_REG
	case "MI":
		return shapeMEM_IMM
	default:
		return shapeNONE
	}
}

type dispatchKey struct {
	op    x86asm.Op
	shape operandShape
}

type handlerFunc func(s *Simulator, in disasm.Insn) error

// inFrame reports whether [addr, addr+size) falls entirely within the
// synthetic stack frame.
func (s *Simulator) inFrame(addr uint64, size int) bool {
	if addr < s.frameBase {
		return false
	}
	off := addr - s.frameBase
	return off+uint64(size) <= uint64(len(s.frame))
}

func (s *Simulator) readMem(addr uint64, size int) (uint64, error) {
	if !s.inFrame(addr, size) {
		return 0, fmt.Errorf("%w: address %#x size %d outside synthetic frame", ErrIndeterminateMemory, addr, size)
	}
	off := addr - s.frameBase
	buf := s.frame[off : off+uint64(size)]
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	default:
		return 0, fmt.Errorf("%w: unsupported memory access size %d", ErrIndeterminateMemory, size)
	}
}

func (s *Simulator) writeMem(addr uint64, size int, value uint64) error {
	if !s.inFrame(addr, size) {
		return fmt.Errorf("%w: address %#x size %d outside synthetic frame", ErrIndeterminateMemory, addr, size)
	}
	off := addr - s.frameBase
	buf := s.frame[off : off+uint64(size)]
	switch size {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf, value)
	default:
		return fmt.Errorf("%w: unsupported memory access size %d", ErrIndeterminateMemory, size)
	}
	return nil
}

// effectiveAddr computes a Mem operand's address from the simulator's
// register state: Base + Index*Scale + Disp. Any indeterminate base or
// index register makes the address indeterminate.
func (s *Simulator) effectiveAddr(m x86asm.Mem) (uint64, error) {
	var addr uint64
	if m.Base != 0 {
		v, ok := s.State.Read(m.Base)
		if !ok {
			return 0, fmt.Errorf("%w: base register %v", ErrIndeterminateRegister, m.Base)
		}
		addr += v
	}
	if m.Index != 0 {
		v, ok := s.State.Read(m.Index)
		if !ok {
			return 0, fmt.Errorf("%w: index register %v", ErrIndeterminateRegister, m.Index)
		}
		addr += v * uint64(m.Scale)
	}
	addr += uint64(m.Disp)
	return addr, nil
}

func memSize(inst x86asm.Inst) int {
	if inst.MemBytes != 0 {
		return inst.MemBytes
	}
	return 8
}
