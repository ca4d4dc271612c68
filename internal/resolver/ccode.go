package resolver

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/unazed/ucfg/internal/x86state"
)

// condCode pairs the flags a conditional jump reads with the predicate
// that decides whether it is taken, given those flags' simulated values.
// This replaces the source engine's single
// (sim_eflags & mod_eflags) == mod_eflags shortcut, which conflates
// every Jcc into one "all touched bits set" test, wrong for anything
// that branches on flags being *clear* (JNE, JNS, JNO, JNP) or on a
// two-flag comparison (JL/JG's SF != OF / SF == OF), with a real
// per-mnemonic condition-code table.
type condCode struct {
	flags x86state.Eflags
	eval  func(x86state.Eflags) bool
}

var ccEval = map[x86asm.Op]condCode{
	x86asm.JE:  {x86state.FlagZF, func(f x86state.Eflags) bool { return f.Test(x86state.FlagZF) }},
	x86asm.JNE: {x86state.FlagZF, func(f x86state.Eflags) bool { return !f.Test(x86state.FlagZF) }},

	x86asm.JA:  {x86state.FlagCF | x86state.FlagZF, func(f x86state.Eflags) bool { return !f.Test(x86state.FlagCF) && !f.Test(x86state.FlagZF) }},
	x86asm.JAE: {x86state.FlagCF, func(f x86state.Eflags) bool { return !f.Test(x86state.FlagCF) }},
	x86asm.JB:  {x86state.FlagCF, func(f x86state.Eflags) bool { return f.Test(x86state.FlagCF) }},
	x86asm.JBE: {x86state.FlagCF | x86state.FlagZF, func(f x86state.Eflags) bool { return f.Test(x86state.FlagCF) || f.Test(x86state.FlagZF) }},

	x86asm.JG:  {x86state.FlagZF | x86state.FlagSF | x86state.FlagOF, func(f x86state.Eflags) bool { return !f.Test(x86state.FlagZF) && f.Test(x86state.FlagSF) == f.Test(x86state.FlagOF) }},
	x86asm.JGE: {x86state.FlagSF | x86state.FlagOF, func(f x86state.Eflags) bool { return f.Test(x86state.FlagSF) == f.Test(x86state.FlagOF) }},
	x86asm.JL:  {x86state.FlagSF | x86state.FlagOF, func(f x86state.Eflags) bool { return f.Test(x86state.FlagSF) != f.Test(x86state.FlagOF) }},
	x86asm.JLE: {x86state.FlagZF | x86state.FlagSF | x86state.FlagOF, func(f x86state.Eflags) bool { return f.Test(x86state.FlagZF) || f.Test(x86state.FlagSF) != f.Test(x86state.FlagOF) }},

	x86asm.JS:  {x86state.FlagSF, func(f x86state.Eflags) bool { return f.Test(x86state.FlagSF) }},
	x86asm.JNS: {x86state.FlagSF, func(f x86state.Eflags) bool { return !f.Test(x86state.FlagSF) }},
	x86asm.JO:  {x86state.FlagOF, func(f x86state.Eflags) bool { return f.Test(x86state.FlagOF) }},
	x86asm.JNO: {x86state.FlagOF, func(f x86state.Eflags) bool { return !f.Test(x86state.FlagOF) }},
	x86asm.JP:  {x86state.FlagPF, func(f x86state.Eflags) bool { return f.Test(x86state.FlagPF) }},
	x86asm.JNP: {x86state.FlagPF, func(f x86state.Eflags) bool { return !f.Test(x86state.FlagPF) }},
}
