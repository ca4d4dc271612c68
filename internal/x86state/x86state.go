// Package x86state implements the partial x86-64 register/flag model used
// by the instruction simulator: 17 architectural slots (the sixteen
// general-purpose registers plus RIP), each tracked with a single
// known/unknown bit regardless of which sub-register width was last
// written, following the dword-write-zeroes-upper-32-bits rule.
package x86state

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Slot identifies one of the 17 architectural register slots.
type Slot int

const (
	SlotRAX Slot = iota
	SlotRCX
	SlotRDX
	SlotRBX
	SlotRSP
	SlotRBP
	SlotRSI
	SlotRDI
	SlotR8
	SlotR9
	SlotR10
	SlotR11
	SlotR12
	SlotR13
	SlotR14
	SlotR15
	SlotRIP
	numSlots
)

// Width describes the bit width of a register access.
type Width uint8

const (
	Width8 Width = 8
	Width16 Width = 16
	Width32 Width = 32
	Width64 Width = 64
)

const (
	maskLowByte  = 0xFF
	maskHighByte = 0xFF00
	maskWord     = 0xFFFF
	maskDword    = 0xFFFFFFFF
	maskQword    = 0xFFFFFFFFFFFFFFFF
)

// ErrUnknownRegister is returned for an x86asm.Reg this package does not
// model (segment registers, x87/MMX/XMM registers, and so on); the
// recovery core only ever touches general-purpose registers and RIP.
var ErrUnknownRegister = errors.New("x86state: unknown register")

type regInfo struct {
	slot  Slot
	mask  uint64
	width Width
}

var regTable = buildRegTable()

func buildRegTable() map[x86asm.Reg]regInfo {
	t := make(map[x86asm.Reg]regInfo)

	qwordSlots := []x86asm.Reg{
		x86asm.RAX, x86asm.RCX, x86asm.RDX, x86asm.RBX,
		x86asm.RSP, x86asm.RBP, x86asm.RSI, x86asm.RDI,
		x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11,
		x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15,
	}
	dwordRegs := []x86asm.Reg{
		x86asm.EAX, x86asm.ECX, x86asm.EDX, x86asm.EBX,
		x86asm.ESP, x86asm.EBP, x86asm.ESI, x86asm.EDI,
		x86asm.R8L, x86asm.R9L, x86asm.R10L, x86asm.R11L,
		x86asm.R12L, x86asm.R13L, x86asm.R14L, x86asm.R15L,
	}
	wordRegs := []x86asm.Reg{
		x86asm.AX, x86asm.CX, x86asm.DX, x86asm.BX,
		x86asm.SP, x86asm.BP, x86asm.SI, x86asm.DI,
		x86asm.R8W, x86asm.R9W, x86asm.R10W, x86asm.R11W,
		x86asm.R12W, x86asm.R13W, x86asm.R14W, x86asm.R15W,
	}
	lowByteRegs := []x86asm.Reg{
		x86asm.AL, x86asm.CL, x86asm.DL, x86asm.BL,
		x86asm.SPB, x86asm.BPB, x86asm.SIB, x86asm.DIB,
		x86asm.R8B, x86asm.R9B, x86asm.R10B, x86asm.R11B,
		x86asm.R12B, x86asm.R13B, x86asm.R14B, x86asm.R15B,
	}
	highByteRegs := []x86asm.Reg{x86asm.AH, x86asm.CH, x86asm.DH, x86asm.BH}

	for i, r := range qwordSlots {
		t[r] = regInfo{Slot(i), maskQword, Width64}
	}
	for i, r := range dwordRegs {
		t[r] = regInfo{Slot(i), maskDword, Width32}
	}
	for i, r := range wordRegs {
		t[r] = regInfo{Slot(i), maskWord, Width16}
	}
	for i, r := range lowByteRegs {
		t[r] = regInfo{Slot(i), maskLowByte, Width8}
	}
	// AH/CH/DH/BH alias the high byte of AX/CX/DX/BX, i.e. slots 0-3.
	for i, r := range highByteRegs {
		t[r] = regInfo{Slot(i), maskHighByte, Width8}
	}

	t[x86asm.RIP] = regInfo{SlotRIP, maskQword, Width64}
	t[x86asm.EIP] = regInfo{SlotRIP, maskDword, Width32}
	t[x86asm.IP] = regInfo{SlotRIP, maskWord, Width16}

	return t
}

func lookup(reg x86asm.Reg) (regInfo, error) {
	info, ok := regTable[reg]
	if !ok {
		return regInfo{}, fmt.Errorf("%w: %v", ErrUnknownRegister, reg)
	}
	return info, nil
}

// Eflags is a bitmask of the x86 flags register.
type Eflags uint32

const (
	FlagCF Eflags = 1 << iota
	_             // reserved bit 1
	FlagPF
	_ // reserved bit 3
	FlagAF
	_ // reserved bit 5
	FlagZF
	FlagSF
	FlagTF
	FlagIF
	FlagDF
	FlagOF
)

// State holds the 17-slot register file, one known-bit per slot, and the
// flags register. The zero State is usable.
type State struct {
	slots [numSlots]uint64
	known uint32 // one bit per Slot
	flags Eflags
}

// Reset clears every register to unknown and flags to 0.
func (s *State) Reset() {
	*s = State{}
}

// Known reports whether reg's containing slot has been written.
func (s *State) Known(reg x86asm.Reg) bool {
	info, err := lookup(reg)
	if err != nil {
		return false
	}
	return s.known&(1<<uint(info.slot)) != 0
}

// Read returns the value of reg if its slot is known. ok is false if the
// slot has never been written by the simulator.
func (s *State) Read(reg x86asm.Reg) (value uint64, ok bool) {
	info, err := lookup(reg)
	if err != nil {
		return 0, false
	}
	if s.known&(1<<uint(info.slot)) == 0 {
		return 0, false
	}
	raw := s.slots[info.slot]
	if info.mask == maskHighByte {
		return (raw & info.mask) >> 8, true
	}
	return raw & info.mask, true
}

// Write stores value into reg's sub-register, zero-extending into the
// full 64-bit slot when reg is a 32-bit write (the standard x86-64
// "writing a dword clears the upper dword" rule) and marks the slot
// known. Writes to any other width modify only their bits of the slot
// and leave the rest as-is.
func (s *State) Write(reg x86asm.Reg, value uint64) error {
	info, err := lookup(reg)
	if err != nil {
		return err
	}
	slot := &s.slots[info.slot]
	switch {
	case info.mask == maskDword:
		*slot = value & maskDword
	case info.mask == maskHighByte:
		*slot = (*slot &^ maskHighByte) | ((value << 8) & maskHighByte)
	default:
		*slot = (*slot &^ info.mask) | (value & info.mask)
	}
	s.known |= 1 << uint(info.slot)
	return nil
}

// Width returns the bit width with which reg accesses its slot.
func (s *State) Width(reg x86asm.Reg) (Width, error) {
	info, err := lookup(reg)
	if err != nil {
		return 0, err
	}
	return info.width, nil
}

// SetPC marks RIP known with the given value.
func (s *State) SetPC(pc uint64) {
	s.slots[SlotRIP] = pc
	s.known |= 1 << uint(SlotRIP)
}

// PC returns the current RIP, if known.
func (s *State) PC() (uint64, bool) {
	if s.known&(1<<uint(SlotRIP)) == 0 {
		return 0, false
	}
	return s.slots[SlotRIP], true
}

// Flags returns the current flags word.
func (s *State) Flags() Eflags {
	return s.flags
}

// SetFlags replaces the flags word.
func (s *State) SetFlags(f Eflags) {
	s.flags = f
}

// Test reports whether every bit in mask is set in the flags word.
func (f Eflags) Test(mask Eflags) bool {
	return f&mask == mask
}
