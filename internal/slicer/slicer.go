// Package slicer implements backward dataflow slicing: given a register
// or a set of flags read by a branch, find the chain of instructions
// that produced it, so the simulator can be handed only the instructions
// it needs instead of an entire function.
//
// This generalizes the original engine's single-block
// trace_reg_dataflow/trace_flag_dataflow (which only ever looked at the
// one basic block immediately preceding a branch) to walk the full
// predecessor chain, bounded by a maximum depth with per-attempt
// visited-block memoization so a cyclic CFG cannot loop forever.
package slicer

import (
	"errors"

	"golang.org/x/arch/x86/x86asm"

	"github.com/unazed/ucfg/internal/disasm"
	"github.com/unazed/ucfg/internal/x86state"
)

// DefaultMaxDepth bounds how many basic blocks of predecessor history a
// slice may cross before giving up.
const DefaultMaxDepth = 8

var (
	// ErrUnresolved is returned when every predecessor path was
	// exhausted without fully resolving the tracked registers or flags.
	ErrUnresolved = errors.New("slicer: dataflow unresolved")

	// ErrDepthExceeded is returned when resolution would require
	// crossing more than MaxDepth blocks of predecessor history.
	ErrDepthExceeded = errors.New("slicer: exceeded maximum predecessor depth")
)

// BlockReader decodes the instructions of a basic block on demand.
type BlockReader interface {
	Instructions(fnTag, blockTag uint64) ([]disasm.Insn, error)
}

// Predecessors reports the basic blocks with an edge into a given block.
type Predecessors interface {
	Preds(fnTag, blockTag uint64) []uint64
}

// Slicer traces register and flag dataflow backward through a function's
// basic-block graph.
type Slicer struct {
	reader   BlockReader
	preds    Predecessors
	MaxDepth int
}

// New returns a Slicer with MaxDepth set to DefaultMaxDepth.
func New(reader BlockReader, preds Predecessors) *Slicer {
	return &Slicer{reader: reader, preds: preds, MaxDepth: DefaultMaxDepth}
}

func isLoadOp(op x86asm.Op) bool {
	switch op {
	case x86asm.MOV, x86asm.MOVSXD, x86asm.MOVZX, x86asm.MOVSX, x86asm.LEA:
		return true
	default:
		return false
	}
}

func cloneRegSet(in map[x86asm.Reg]bool) map[x86asm.Reg]bool {
	out := make(map[x86asm.Reg]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneVisited(in map[uint64]bool) map[uint64]bool {
	out := make(map[uint64]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// TraceRegisterDataflow finds the instructions that produce startReg,
// scanning backward from beforeAddr within blockTag and, if needed, into
// its predecessors. beforeAddr of 0 means "scan the whole block." The
// returned instructions are in original program order; a register whose
// producer instruction is a load (MOV/MOVSXD/MOVZX/MOVSX/LEA) stops
// being tracked further back, since its value is now fully accounted
// for by that one instruction, while an ALU instruction (e.g. ADD dst,
// src) keeps dst tracked, since it only partially determines its prior
// value, in addition to src.
func (s *Slicer) TraceRegisterDataflow(fnTag, blockTag, beforeAddr uint64, startReg x86asm.Reg) ([]disasm.Insn, error) {
	depRegs := map[x86asm.Reg]bool{startReg: true}
	return s.traceRegBlock(fnTag, blockTag, beforeAddr, depRegs, 0, map[uint64]bool{})
}

func (s *Slicer) traceRegBlock(fnTag, blockTag, beforeAddr uint64, depRegs map[x86asm.Reg]bool, depth int, visited map[uint64]bool) ([]disasm.Insn, error) {
	if visited[blockTag] {
		return nil, ErrUnresolved
	}
	visited[blockTag] = true

	insns, err := s.reader.Instructions(fnTag, blockTag)
	if err != nil {
		return nil, err
	}

	var scan []disasm.Insn
	if beforeAddr != 0 {
		for _, in := range insns {
			if in.Addr < beforeAddr {
				scan = append(scan, in)
			}
		}
	} else {
		scan = insns
	}

	var collected []disasm.Insn
	for i := len(scan) - 1; i >= 0; i-- {
		in := scan[i]
		_, write := disasm.RegsAccess(in.Inst)
		if len(write) == 0 || !depRegs[write[0]] {
			continue
		}
		if isLoadOp(in.Inst.Op) {
			delete(depRegs, write[0])
		}
		read, _ := disasm.RegsAccess(in.Inst)
		for _, r := range read {
			// RIP is re-seeded per instruction by the simulator's SetPC,
			// never produced by a prior instruction, so it is not a
			// dependency to chase.
			if r == x86asm.RIP {
				continue
			}
			depRegs[r] = true
		}
		collected = append([]disasm.Insn{in}, collected...)
	}

	if len(depRegs) == 0 {
		return collected, nil
	}

	if depth >= s.MaxDepth {
		return nil, ErrDepthExceeded
	}

	failure := ErrUnresolved
	for _, pred := range s.preds.Preds(fnTag, blockTag) {
		sub, err := s.traceRegBlock(fnTag, pred, 0, cloneRegSet(depRegs), depth+1, cloneVisited(visited))
		if err == nil {
			return append(sub, collected...), nil
		}
		if errors.Is(err, ErrDepthExceeded) {
			failure = ErrDepthExceeded
		}
	}
	return nil, failure
}

func firstRegOperand(inst x86asm.Inst) (x86asm.Reg, bool) {
	if len(inst.Args) == 0 {
		return 0, false
	}
	reg, ok := inst.Args[0].(x86asm.Reg)
	return reg, ok
}

// TraceFlagDataflow finds the instruction dominating branchAddr that
// sets every flag in branchFlags, then resolves the register dataflow
// that produced its primary operand. The producer instruction itself is
// appended to the returned chain, so simulating the result leaves the
// simulated flags register actually reflecting that comparison, rather
// than stopping at the last register-producing instruction and leaving
// the comparison itself unsimulated.
func (s *Slicer) TraceFlagDataflow(fnTag, blockTag, branchAddr uint64, branchFlags x86state.Eflags) ([]disasm.Insn, error) {
	return s.traceFlagBlock(fnTag, blockTag, branchAddr, branchFlags, 0, map[uint64]bool{})
}

func (s *Slicer) traceFlagBlock(fnTag, blockTag, beforeAddr uint64, branchFlags x86state.Eflags, depth int, visited map[uint64]bool) ([]disasm.Insn, error) {
	if visited[blockTag] {
		return nil, ErrUnresolved
	}
	visited[blockTag] = true

	insns, err := s.reader.Instructions(fnTag, blockTag)
	if err != nil {
		return nil, err
	}

	var scan []disasm.Insn
	if beforeAddr != 0 {
		for _, in := range insns {
			if in.Addr < beforeAddr {
				scan = append(scan, in)
			}
		}
	} else {
		scan = insns
	}

	for i := len(scan) - 1; i >= 0; i-- {
		in := scan[i]
		touched := disasm.EflagsTouched(in.Inst.Op)
		if touched == 0 || touched&branchFlags != branchFlags {
			continue
		}
		reg, ok := firstRegOperand(in.Inst)
		if !ok {
			continue
		}
		regVisited := cloneVisited(visited)
		delete(regVisited, blockTag)
		chain, err := s.traceRegBlock(fnTag, blockTag, in.Addr, map[x86asm.Reg]bool{reg: true}, depth, regVisited)
		if err != nil {
			continue
		}
		return append(chain, in), nil
	}

	if depth >= s.MaxDepth {
		return nil, ErrDepthExceeded
	}
	failure := ErrUnresolved
	for _, pred := range s.preds.Preds(fnTag, blockTag) {
		chain, err := s.traceFlagBlock(fnTag, pred, 0, branchFlags, depth+1, cloneVisited(visited))
		if err == nil {
			return chain, nil
		}
		if errors.Is(err, ErrDepthExceeded) {
			failure = ErrDepthExceeded
		}
	}
	return nil, failure
}
