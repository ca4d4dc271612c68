// Package disasm wraps golang.org/x/arch/x86/x86asm with the shape the
// recovery core needs: a decoded-instruction record, control-flow group
// classification (x86asm itself has no notion of instruction groups, only
// individual opcodes), register read/write effects for dataflow slicing,
// and the set of flags an instruction touches.
package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/unazed/ucfg/internal/x86state"
)

// Insn is one decoded instruction together with the address it was
// decoded at.
type Insn struct {
	Addr uint64
	Size int
	Inst x86asm.Inst
}

// Clone returns a copy of in. x86asm.Inst carries no pointers into
// decoder-owned storage (unlike a Capstone cs_insn, whose detail record
// must be explicitly deep-copied out of a reused scratch buffer), so a
// plain value copy is already a deep copy.
func (in Insn) Clone() Insn {
	return in
}

// String renders the instruction in GNU syntax.
func (in Insn) String() string {
	return x86asm.GNUSyntax(in.Inst, in.Addr, nil)
}

// DecodeOne decodes a single instruction from the front of data, which
// is assumed to start at address pc.
func DecodeOne(data []byte, pc uint64) (Insn, error) {
	inst, err := x86asm.Decode(data, 64)
	if err != nil {
		return Insn{}, fmt.Errorf("disasm: decode at %#x: %w", pc, err)
	}
	return Insn{Addr: pc, Size: inst.Len, Inst: inst}, nil
}

// Decode decodes every instruction in data in sequence, starting at
// address pc. It stops at the first decode error, returning the
// instructions decoded so far along with that error.
func Decode(data []byte, pc uint64) ([]Insn, error) {
	var out []Insn
	for len(data) > 0 {
		in, err := DecodeOne(data, pc)
		if err != nil {
			return out, err
		}
		out = append(out, in)
		data = data[in.Size:]
		pc += uint64(in.Size)
	}
	return out, nil
}

// Group classifies an instruction's role in control flow.
type Group int

const (
	GroupNone Group = iota
	GroupJump
	GroupCall
	GroupRet
)

var jccOps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JE: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.JG: true, x86asm.JGE: true, x86asm.JL: true, x86asm.JLE: true,
	x86asm.JNE: true, x86asm.JNO: true, x86asm.JNP: true, x86asm.JNS: true,
	x86asm.JO: true, x86asm.JP: true, x86asm.JS: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

// InGroup reports whether in's opcode belongs to g.
func InGroup(in Insn, g Group) bool {
	switch g {
	case GroupJump:
		return in.Inst.Op == x86asm.JMP || jccOps[in.Inst.Op]
	case GroupCall:
		return in.Inst.Op == x86asm.CALL
	case GroupRet:
		return in.Inst.Op == x86asm.RET || in.Inst.Op == x86asm.LRET
	}
	return false
}

// Conditional reports whether in is a conditional jump.
func Conditional(in Insn) bool {
	return jccOps[in.Inst.Op]
}

// BranchTarget returns the absolute target of a direct jump or call
// (one whose argument is x86asm.Rel), and ok=false for indirect
// branches.
func BranchTarget(in Insn) (target uint64, ok bool) {
	for _, arg := range in.Inst.Args {
		if arg == nil {
			break
		}
		if rel, isRel := arg.(x86asm.Rel); isRel {
			return uint64(int64(in.Addr) + int64(in.Size) + int64(rel)), true
		}
	}
	return 0, false
}

type regEffect int

const (
	effRead regEffect = 1 << iota
	effWrite
)

// opShape classifies how an instruction's declared operands are used,
// independent of the specific opcode. This mirrors the dst/src
// conventions x86asm.Inst.Args already follows for the instruction set
// the recovery core cares about.
type opShape int

const (
	shapeUnknown opShape = iota
	shapeWriteRead                // dst, src: dst write-only, src read-only (MOV, LEA, MOVSXD)
	shapeReadWriteRead            // dst, src: dst read+write, src read-only (ADD, SUB, AND, OR, XOR, ...)
	shapeReadOnlyAll              // CMP, TEST: every operand read-only
	shapeReadWriteOnly             // INC, DEC, NOT, NEG, ROL, ROR, SHL, SHR: sole operand read+write
	shapeReadOnly                  // PUSH and similar single-operand reads
	shapeWriteOnly                  // POP and similar single-operand writes
)

var opShapes = map[x86asm.Op]opShape{
	x86asm.MOV:    shapeWriteRead,
	x86asm.MOVSXD: shapeWriteRead,
	x86asm.MOVZX:  shapeWriteRead,
	x86asm.MOVSX:  shapeWriteRead,
	x86asm.LEA:    shapeWriteRead,

	x86asm.ADD: shapeReadWriteRead,
	x86asm.SUB: shapeReadWriteRead,
	x86asm.ADC: shapeReadWriteRead,
	x86asm.SBB: shapeReadWriteRead,
	x86asm.AND: shapeReadWriteRead,
	x86asm.OR:  shapeReadWriteRead,
	x86asm.XOR: shapeReadWriteRead,

	x86asm.CMP:  shapeReadOnlyAll,
	x86asm.TEST: shapeReadOnlyAll,

	x86asm.INC: shapeReadWriteOnly,
	x86asm.DEC: shapeReadWriteOnly,
	x86asm.NOT: shapeReadWriteOnly,
	x86asm.NEG: shapeReadWriteOnly,
	x86asm.ROL: shapeReadWriteOnly,
	x86asm.ROR: shapeReadWriteOnly,
	x86asm.SHL: shapeReadWriteOnly,
	x86asm.SHR: shapeReadWriteOnly,

	x86asm.PUSH: shapeReadOnly,
	x86asm.POP:  shapeWriteOnly,
}

// RegsAccess reports which registers in's operands read from and write
// to, including implicit RSP effects for PUSH/POP/CALL/RET. It is scoped
// to the opcode set the simulator and slicer operate over; operands of
// opcodes outside that set are conservatively treated as read-only,
// since the slicer only needs to find producers, never false negatives
// on consumption.
func RegsAccess(in x86asm.Inst) (read, write []x86asm.Reg) {
	add := func(regs *[]x86asm.Reg, reg x86asm.Reg) {
		if reg == 0 {
			return
		}
		*regs = append(*regs, reg)
	}
	addOperand := func(arg x86asm.Arg, rw regEffect) {
		switch a := arg.(type) {
		case x86asm.Reg:
			if rw&effRead != 0 {
				add(&read, a)
			}
			if rw&effWrite != 0 {
				add(&write, a)
			}
		case x86asm.Mem:
			add(&read, a.Segment)
			add(&read, a.Base)
			add(&read, a.Index)
		}
	}

	args := in.Args[:]
	n := 0
	for n < len(args) && args[n] != nil {
		n++
	}
	args = args[:n]

	shape := opShapes[in.Op]
	switch shape {
	case shapeWriteRead:
		if len(args) > 0 {
			addOperand(args[0], effWrite)
		}
		for _, a := range args[1:] {
			addOperand(a, effRead)
		}
	case shapeReadWriteRead:
		if len(args) > 0 {
			addOperand(args[0], effRead|effWrite)
		}
		for _, a := range args[1:] {
			addOperand(a, effRead)
		}
	case shapeReadOnlyAll:
		for _, a := range args {
			addOperand(a, effRead)
		}
	case shapeReadWriteOnly:
		for _, a := range args {
			addOperand(a, effRead|effWrite)
		}
	case shapeReadOnly:
		for _, a := range args {
			addOperand(a, effRead)
		}
	case shapeWriteOnly:
		for _, a := range args {
			addOperand(a, effWrite)
		}
	default:
		for _, a := range args {
			addOperand(a, effRead)
		}
	}

	switch in.Op {
	case x86asm.PUSH:
		add(&read, x86asm.RSP)
		add(&write, x86asm.RSP)
	case x86asm.POP:
		add(&read, x86asm.RSP)
		add(&write, x86asm.RSP)
	case x86asm.CALL:
		add(&read, x86asm.RSP)
		add(&write, x86asm.RSP)
		for _, a := range args {
			addOperand(a, effRead)
		}
	case x86asm.RET, x86asm.LRET:
		add(&read, x86asm.RSP)
		add(&write, x86asm.RSP)
	}

	return read, write
}

// EflagsTouched returns the set of flags op may read or modify,
// combining what Capstone would separately report as tested, set, and
// modified flags into a single set, mirroring how the original recovery
// engine's get_insn_flags combined those three bitsets before ever
// comparing them against simulated state.
func EflagsTouched(op x86asm.Op) x86state.Eflags {
	return eflagsTable[op]
}

var eflagsTable = map[x86asm.Op]x86state.Eflags{
	x86asm.ADD: x86state.FlagCF | x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagAF | x86state.FlagPF,
	x86asm.ADC: x86state.FlagCF | x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagAF | x86state.FlagPF,
	x86asm.SUB: x86state.FlagCF | x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagAF | x86state.FlagPF,
	x86asm.SBB: x86state.FlagCF | x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagAF | x86state.FlagPF,
	x86asm.CMP: x86state.FlagCF | x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagAF | x86state.FlagPF,
	x86asm.INC: x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagAF | x86state.FlagPF,
	x86asm.DEC: x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagAF | x86state.FlagPF,
	x86asm.AND: x86state.FlagCF | x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagPF,
	x86asm.OR:  x86state.FlagCF | x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagPF,
	x86asm.XOR: x86state.FlagCF | x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagPF,
	x86asm.TEST: x86state.FlagCF | x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagPF,
	x86asm.NEG: x86state.FlagCF | x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagAF | x86state.FlagPF,
	x86asm.ROL: x86state.FlagCF | x86state.FlagOF,
	x86asm.ROR: x86state.FlagCF | x86state.FlagOF,
	x86asm.SHL: x86state.FlagCF | x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagPF,
	x86asm.SHR: x86state.FlagCF | x86state.FlagOF | x86state.FlagSF | x86state.FlagZF | x86state.FlagPF,
}
