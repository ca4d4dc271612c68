package simulate

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/unazed/ucfg/internal/disasm"
	"github.com/unazed/ucfg/internal/x86state"
)

func regBytes(w x86state.Width) int {
	return int(w) / 8
}

func readDeterminate(s *Simulator, reg x86asm.Reg) (uint64, error) {
	v, ok := s.State.Read(reg)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrIndeterminateRegister, reg)
	}
	return v, nil
}

func movRegImm(s *Simulator, in disasm.Insn) error {
	dst := in.Inst.Args[0].(x86asm.Reg)
	imm := int64(in.Inst.Args[1].(x86asm.Imm))
	return s.State.Write(dst, uint64(imm))
}

func movRegReg(s *Simulator, in disasm.Insn) error {
	dst := in.Inst.Args[0].(x86asm.Reg)
	src := in.Inst.Args[1].(x86asm.Reg)
	v, err := readDeterminate(s, src)
	if err != nil {
		return err
	}
	return s.State.Write(dst, v)
}

func movRegMem(s *Simulator, in disasm.Insn) error {
	dst := in.Inst.Args[0].(x86asm.Reg)
	mem := in.Inst.Args[1].(x86asm.Mem)
	addr, err := s.effectiveAddr(mem)
	if err != nil {
		return err
	}
	w, err := s.State.Width(dst)
	if err != nil {
		return err
	}
	v, err := s.readMem(addr, regBytes(w))
	if err != nil {
		return err
	}
	return s.State.Write(dst, v)
}

func movMemReg(s *Simulator, in disasm.Insn) error {
	mem := in.Inst.Args[0].(x86asm.Mem)
	src := in.Inst.Args[1].(x86asm.Reg)
	addr, err := s.effectiveAddr(mem)
	if err != nil {
		return err
	}
	v, err := readDeterminate(s, src)
	if err != nil {
		return err
	}
	w, err := s.State.Width(src)
	if err != nil {
		return err
	}
	return s.writeMem(addr, regBytes(w), v)
}

func movMemImm(s *Simulator, in disasm.Insn) error {
	mem := in.Inst.Args[0].(x86asm.Mem)
	imm := int64(in.Inst.Args[1].(x86asm.Imm))
	addr, err := s.effectiveAddr(mem)
	if err != nil {
		return err
	}
	return s.writeMem(addr, memSize(in.Inst), uint64(imm))
}

func lea(s *Simulator, in disasm.Insn) error {
	dst := in.Inst.Args[0].(x86asm.Reg)
	mem := in.Inst.Args[1].(x86asm.Mem)
	addr, err := s.effectiveAddr(mem)
	if err != nil {
		return err
	}
	return s.State.Write(dst, addr)
}

func movsxd(s *Simulator, in disasm.Insn) error {
	dst := in.Inst.Args[0].(x86asm.Reg)
	var v32 uint32
	switch src := in.Inst.Args[1].(type) {
	case x86asm.Reg:
		v, err := readDeterminate(s, src)
		if err != nil {
			return err
		}
		v32 = uint32(v)
	case x86asm.Mem:
		addr, err := s.effectiveAddr(src)
		if err != nil {
			return err
		}
		v, err := s.readMem(addr, 4)
		if err != nil {
			return err
		}
		v32 = uint32(v)
	default:
		return fmt.Errorf("%w: movsxd operand", ErrUnhandledOpcode)
	}
	return s.State.Write(dst, uint64(int64(int32(v32))))
}

func aluBinop(combine func(op1, op2 uint64, w x86state.Width) (result uint64, flags x86state.Eflags), writeResult bool) handlerFunc {
	return func(s *Simulator, in disasm.Insn) error {
		dstArg := in.Inst.Args[0]
		var op1 uint64
		var width x86state.Width
		var writeBack func(uint64) error

		switch d := dstArg.(type) {
		case x86asm.Reg:
			v, err := readDeterminate(s, d)
			if err != nil {
				return err
			}
			op1 = v
			w, err := s.State.Width(d)
			if err != nil {
				return err
			}
			width = w
			writeBack = func(v uint64) error { return s.State.Write(d, v) }
		case x86asm.Mem:
			addr, err := s.effectiveAddr(d)
			if err != nil {
				return err
			}
			size := memSize(in.Inst)
			v, err := s.readMem(addr, size)
			if err != nil {
				return err
			}
			op1 = v
			width = x86state.Width(size * 8)
			writeBack = func(v uint64) error { return s.writeMem(addr, size, v) }
		default:
			return fmt.Errorf("%w: unsupported destination operand", ErrUnhandledOpcode)
		}

		var op2 uint64
		switch src := in.Inst.Args[1].(type) {
		case x86asm.Reg:
			v, err := readDeterminate(s, src)
			if err != nil {
				return err
			}
			op2 = v
		case x86asm.Imm:
			op2 = uint64(int64(src))
		case x86asm.Mem:
			addr, err := s.effectiveAddr(src)
			if err != nil {
				return err
			}
			v, err := s.readMem(addr, memSize(in.Inst))
			if err != nil {
				return err
			}
			op2 = v
		}

		result, flags := combine(op1, op2, width)
		s.State.SetFlags(flags)
		if writeResult {
			return writeBack(result)
		}
		return nil
	}
}

func addCombine(op1, op2 uint64, w x86state.Width) (uint64, x86state.Eflags) {
	result := (op1 + op2) & widthMask(w)
	return result, addFlags(op1, op2, result, w)
}

func subCombine(op1, op2 uint64, w x86state.Width) (uint64, x86state.Eflags) {
	result := (op1 - op2) & widthMask(w)
	return result, subFlags(op1, op2, result, w)
}

func incDec(delta int64) handlerFunc {
	return func(s *Simulator, in disasm.Insn) error {
		var op1 uint64
		var width x86state.Width
		var writeBack func(uint64) error

		switch d := in.Inst.Args[0].(type) {
		case x86asm.Reg:
			v, err := readDeterminate(s, d)
			if err != nil {
				return err
			}
			op1 = v
			w, err := s.State.Width(d)
			if err != nil {
				return err
			}
			width = w
			writeBack = func(v uint64) error { return s.State.Write(d, v) }
		case x86asm.Mem:
			addr, err := s.effectiveAddr(d)
			if err != nil {
				return err
			}
			size := memSize(in.Inst)
			v, err := s.readMem(addr, size)
			if err != nil {
				return err
			}
			op1 = v
			width = x86state.Width(size * 8)
			writeBack = func(v uint64) error { return s.writeMem(addr, size, v) }
		default:
			return fmt.Errorf("%w: unsupported operand", ErrUnhandledOpcode)
		}

		op2 := uint64(1)
		result := (op1 + uint64(delta)) & widthMask(width)
		var flags x86state.Eflags
		if delta > 0 {
			flags = addFlags(op1, op2, result, width)
		} else {
			flags = subFlags(op1, op2, result, width)
		}
		// INC/DEC leave CF unaffected, unlike ADD/SUB.
		flags = (flags &^ x86state.FlagCF) | (s.State.Flags() & x86state.FlagCF)
		s.State.SetFlags(flags)
		return writeBack(result)
	}
}

func rotate(left bool) handlerFunc {
	return func(s *Simulator, in disasm.Insn) error {
		reg := in.Inst.Args[0].(x86asm.Reg)
		v, err := readDeterminate(s, reg)
		if err != nil {
			return err
		}
		w, err := s.State.Width(reg)
		if err != nil {
			return err
		}

		var count uint64
		switch c := in.Inst.Args[1].(type) {
		case x86asm.Imm:
			count = uint64(c) % uint64(w)
		default:
			return fmt.Errorf("%w: non-immediate rotate count", ErrUnhandledOpcode)
		}

		mask := widthMask(w)
		v &= mask
		var result uint64
		var carryOut bool
		if left {
			result = ((v << count) | (v >> (uint64(w) - count))) & mask
			if count > 0 {
				carryOut = result&1 != 0
			}
		} else {
			result = ((v >> count) | (v << (uint64(w) - count))) & mask
			if count > 0 {
				carryOut = result&signBit(w) != 0
			}
		}

		s.State.SetFlags(rotateFlags(s.State.Flags(), result, count, carryOut, w))
		return s.State.Write(reg, result)
	}
}

func push(s *Simulator, in disasm.Insn) error {
	var v uint64
	var width x86state.Width = x86state.Width64
	switch a := in.Inst.Args[0].(type) {
	case x86asm.Reg:
		val, err := readDeterminate(s, a)
		if err != nil {
			return err
		}
		v = val
		w, err := s.State.Width(a)
		if err != nil {
			return err
		}
		width = w
	case x86asm.Imm:
		v = uint64(int64(a))
	default:
		return fmt.Errorf("%w: unsupported push operand", ErrUnhandledOpcode)
	}

	rsp, err := readDeterminate(s, x86asm.RSP)
	if err != nil {
		return err
	}
	size := regBytes(width)
	newRSP := rsp - uint64(size)
	if err := s.writeMem(newRSP, size, v); err != nil {
		return err
	}
	return s.State.Write(x86asm.RSP, newRSP)
}

func pop(s *Simulator, in disasm.Insn) error {
	dst := in.Inst.Args[0].(x86asm.Reg)
	w, err := s.State.Width(dst)
	if err != nil {
		return err
	}
	rsp, err := readDeterminate(s, x86asm.RSP)
	if err != nil {
		return err
	}
	size := regBytes(w)
	v, err := s.readMem(rsp, size)
	if err != nil {
		return err
	}
	if err := s.State.Write(dst, v); err != nil {
		return err
	}
	return s.State.Write(x86asm.RSP, rsp+uint64(size))
}

var handlers = map[dispatchKey]handlerFunc{
	{x86asm.MOV, shapeREG_IMM}: movRegImm,
	{x86asm.MOV, shapeREG_REG}: movRegReg,
	{x86asm.MOV, shapeREG_MEM}: movRegMem,
	{x86asm.MOV, shapeMEM_REG}: movMemReg,
	{x86asm.MOV, shapeMEM_IMM}: movMemImm,

	{x86asm.LEA, shapeREG_MEM}: lea,

	{x86asm.MOVSXD, shapeREG_REG}: movsxd,
	{x86asm.MOVSXD, shapeREG_MEM}: movsxd,

	{x86asm.ADD, shapeREG_REG}: aluBinop(addCombine, true),
	{x86asm.ADD, shapeREG_IMM}: aluBinop(addCombine, true),
	{x86asm.ADD, shapeREG_MEM}: aluBinop(addCombine, true),
	{x86asm.ADD, shapeMEM_REG}: aluBinop(addCombine, true),
	{x86asm.ADD, shapeMEM_IMM}: aluBinop(addCombine, true),

	{x86asm.SUB, shapeREG_REG}: aluBinop(subCombine, true),
	{x86asm.SUB, shapeREG_IMM}: aluBinop(subCombine, true),
	{x86asm.SUB, shapeREG_MEM}: aluBinop(subCombine, true),
	{x86asm.SUB, shapeMEM_REG}: aluBinop(subCombine, true),
	{x86asm.SUB, shapeMEM_IMM}: aluBinop(subCombine, true),

	{x86asm.CMP, shapeREG_REG}: aluBinop(subCombine, false),
	{x86asm.CMP, shapeREG_IMM}: aluBinop(subCombine, false),
	{x86asm.CMP, shapeREG_MEM}: aluBinop(subCombine, false),
	{x86asm.CMP, shapeMEM_REG}: aluBinop(subCombine, false),
	{x86asm.CMP, shapeMEM_IMM}: aluBinop(subCombine, false),

	{x86asm.INC, shapeREG}: incDec(1),
	{x86asm.INC, shapeMEM}: incDec(1),
	{x86asm.DEC, shapeREG}: incDec(-1),
	{x86asm.DEC, shapeMEM}: incDec(-1),

	{x86asm.ROL, shapeREG_IMM}: rotate(true),
	{x86asm.ROR, shapeREG_IMM}: rotate(false),

	{x86asm.PUSH, shapeREG}: push,
	{x86asm.PUSH, shapeIMM}: push,
	{x86asm.POP, shapeREG}:  pop,
}
