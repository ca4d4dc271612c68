// Package resolver classifies a basic block's terminator instruction and
// resolves its successor addresses (C6): direct jumps and calls resolve
// immediately from the decoded operand; conditional jumps attempt
// opaque-predicate reduction via the flag-dataflow slicer; indirect
// calls attempt register-dataflow resolution; RIP-relative memory calls
// are treated as import-table thunks.
package resolver

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/unazed/ucfg/internal/disasm"
	"github.com/unazed/ucfg/internal/simulate"
	"github.com/unazed/ucfg/internal/slicer"
)

// ControlType classifies a terminator's role, following
// obj/internal/asm's Control/ControlType vocabulary.
type ControlType int

const (
	ControlNone ControlType = iota
	ControlJump
	ControlCall
	ControlRet
)

func (t ControlType) String() string {
	switch t {
	case ControlJump:
		return "jump"
	case ControlCall:
		return "call"
	case ControlRet:
		return "ret"
	default:
		return "none"
	}
}

// Outcome is the resolved effect of a terminator instruction. Targets
// holds every successor address still in play: a resolved unconditional
// jump or call has one, an unreduced conditional jump has two (taken
// first, fallthrough second), and a return has none. Unresolved is set
// when resolution genuinely could not determine a target (indirect jump,
// an indirect call whose dataflow did not simulate cleanly); the block
// still terminates, it simply gains no successor edge.
type Outcome struct {
	Type           ControlType
	Conditional    bool
	Targets        []uint64
	Unresolved     bool
	ExternalSymbol string
}

// ImportResolver looks up the import bound to a resolved IAT address.
// internal/peimage implements this against a PE image's import directory.
type ImportResolver interface {
	LookupImport(rva uint64) (name string, ok bool)
}

// Resolver ties the dataflow slicer and simulator together to resolve
// terminators.
type Resolver struct {
	slicer  *slicer.Slicer
	sim     *simulate.Simulator
	imports ImportResolver
}

// New returns a Resolver. imports may be nil, in which case RIP-relative
// memory calls are always reported unresolved instead of named.
func New(sl *slicer.Slicer, sim *simulate.Simulator, imports ImportResolver) *Resolver {
	return &Resolver{slicer: sl, sim: sim, imports: imports}
}

// Resolve classifies and resolves in, the terminator instruction ending
// blockTag within fnTag.
func (r *Resolver) Resolve(fnTag, blockTag uint64, in disasm.Insn) Outcome {
	switch {
	case disasm.InGroup(in, disasm.GroupRet):
		return Outcome{Type: ControlRet}
	case disasm.InGroup(in, disasm.GroupCall):
		return r.resolveCall(fnTag, blockTag, in)
	case disasm.InGroup(in, disasm.GroupJump):
		return r.resolveJump(fnTag, blockTag, in)
	default:
		return Outcome{Type: ControlNone}
	}
}

func (r *Resolver) resolveJump(fnTag, blockTag uint64, in disasm.Insn) Outcome {
	target, direct := disasm.BranchTarget(in)
	if !disasm.Conditional(in) {
		if !direct {
			return Outcome{Type: ControlJump, Unresolved: true}
		}
		return Outcome{Type: ControlJump, Targets: []uint64{target}}
	}

	fallthroughAddr := in.Addr + uint64(in.Size)
	if !direct {
		return Outcome{Type: ControlJump, Conditional: true, Unresolved: true}
	}

	cc, known := ccEval[in.Inst.Op]
	if !known {
		return Outcome{Type: ControlJump, Conditional: true, Targets: []uint64{target, fallthroughAddr}}
	}

	chain, err := r.slicer.TraceFlagDataflow(fnTag, blockTag, in.Addr, cc.flags)
	if err != nil {
		return Outcome{Type: ControlJump, Conditional: true, Targets: []uint64{target, fallthroughAddr}}
	}
	if ok, err := r.sim.Simulate(chain); err != nil || !ok {
		return Outcome{Type: ControlJump, Conditional: true, Targets: []uint64{target, fallthroughAddr}}
	}

	if cc.eval(r.sim.Flags()) {
		return Outcome{Type: ControlJump, Conditional: true, Targets: []uint64{target}}
	}
	return Outcome{Type: ControlJump, Conditional: true, Targets: []uint64{fallthroughAddr}}
}

func (r *Resolver) resolveCall(fnTag, blockTag uint64, in disasm.Insn) Outcome {
	if target, ok := disasm.BranchTarget(in); ok {
		return Outcome{Type: ControlCall, Targets: []uint64{target}}
	}

	if len(in.Inst.Args) == 0 || in.Inst.Args[0] == nil {
		return Outcome{Type: ControlCall, Unresolved: true}
	}

	switch arg := in.Inst.Args[0].(type) {
	case x86asm.Mem:
		if arg.Base != x86asm.RIP {
			return Outcome{Type: ControlCall, Unresolved: true}
		}
		iatAddr := uint64(int64(in.Addr) + int64(in.Size) + arg.Disp)
		if r.imports != nil {
			if name, ok := r.imports.LookupImport(iatAddr); ok {
				return Outcome{Type: ControlCall, ExternalSymbol: name}
			}
		}
		return Outcome{Type: ControlCall, Unresolved: true}

	case x86asm.Reg:
		reg := arg
		chain, err := r.slicer.TraceRegisterDataflow(fnTag, blockTag, in.Addr, reg)
		if err != nil {
			return Outcome{Type: ControlCall, Unresolved: true}
		}
		if ok, err := r.sim.Simulate(chain); err != nil || !ok {
			return Outcome{Type: ControlCall, Unresolved: true}
		}
		value, known := r.sim.ReadReg(reg)
		if !known {
			return Outcome{Type: ControlCall, Unresolved: true}
		}
		return Outcome{Type: ControlCall, Targets: []uint64{value}}

	default:
		return Outcome{Type: ControlCall, Unresolved: true}
	}
}
