package simulate

import "github.com/unazed/ucfg/internal/x86state"

func widthMask(w x86state.Width) uint64 {
	switch w {
	case x86state.Width8:
		return 0xFF
	case x86state.Width16:
		return 0xFFFF
	case x86state.Width32:
		return 0xFFFFFFFF
	default:
		return 0xFFFFFFFFFFFFFFFF
	}
}

func signBit(w x86state.Width) uint64 {
	return 1 << (uint(w) - 1)
}

func parityEven(v uint64) bool {
	b := byte(v)
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1
	return b&1 == 0
}

// addFlags computes the flags resulting from op1 + op2 = result at width
// w, following the ADD formulas: ZF and SF from the masked result, PF
// from the even-parity of its low byte, CF from unsigned carry out, OF
// from same-sign operands producing an opposite-sign result, and AF from
// bit 4 of op1^op2^result.
func addFlags(op1, op2, result uint64, w x86state.Width) x86state.Eflags {
	mask := widthMask(w)
	r := result & mask
	var f x86state.Eflags
	if r == 0 {
		f |= x86state.FlagZF
	}
	if r&signBit(w) != 0 {
		f |= x86state.FlagSF
	}
	if parityEven(r) {
		f |= x86state.FlagPF
	}
	if (op1&mask)+(op2&mask) > mask {
		f |= x86state.FlagCF
	}
	if (^((op1 ^ op2) & mask))&((op1^r)&mask)&signBit(w) != 0 {
		f |= x86state.FlagOF
	}
	if (op1^op2^r)&0x10 != 0 {
		f |= x86state.FlagAF
	}
	return f
}

// subFlags computes the flags resulting from op1 - op2 = result at
// width w (also used for CMP), following the SUB formulas: CF from
// unsigned borrow, OF from differently-signed operands producing a
// result whose sign differs from op1, and AF/ZF/SF/PF as in addFlags.
func subFlags(op1, op2, result uint64, w x86state.Width) x86state.Eflags {
	mask := widthMask(w)
	r := result & mask
	var f x86state.Eflags
	if r == 0 {
		f |= x86state.FlagZF
	}
	if r&signBit(w) != 0 {
		f |= x86state.FlagSF
	}
	if parityEven(r) {
		f |= x86state.FlagPF
	}
	if (op1 & mask) < (op2 & mask) {
		f |= x86state.FlagCF
	}
	if ((op1^op2)&mask)&((op1^r)&mask)&signBit(w) != 0 {
		f |= x86state.FlagOF
	}
	if (op1^op2^r)&0x10 != 0 {
		f |= x86state.FlagAF
	}
	return f
}

// rotateFlags computes CF/OF for a ROL/ROR of the given width. CF is
// always the last bit rotated into position; OF is only architecturally
// defined for a single-bit rotate, computed as MSB(result) XOR CF, and
// is left unmodified from prior flags for any other count (matching
// real x86-64 hardware, which leaves OF undefined in that case).
func rotateFlags(prior x86state.Eflags, result uint64, count uint64, carryOut bool, w x86state.Width) x86state.Eflags {
	f := prior &^ x86state.FlagCF
	if carryOut {
		f |= x86state.FlagCF
	}
	if count != 1 {
		return f
	}
	f &^= x86state.FlagOF
	msb := result&signBit(w) != 0
	if msb != carryOut {
		f |= x86state.FlagOF
	}
	return f
}
