package x86state

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestDwordWriteZeroesUpper32(t *testing.T) {
	var s State
	s.Write(x86asm.RAX, 0xFFFFFFFFFFFFFFFF)
	s.Write(x86asm.EAX, 0x00000001)

	got, ok := s.Read(x86asm.RAX)
	if !ok {
		t.Fatal("RAX should be known")
	}
	if got != 1 {
		t.Errorf("RAX = %#x, want 0x1", got)
	}
}

func TestWordWritePreservesUpperBits(t *testing.T) {
	var s State
	s.Write(x86asm.RAX, 0x1122334455667788)
	s.Write(x86asm.AX, 0xBEEF)

	got, _ := s.Read(x86asm.RAX)
	if want := uint64(0x112233445566BEEF); got != want {
		t.Errorf("RAX = %#x, want %#x", got, want)
	}
}

func TestHighByteAlias(t *testing.T) {
	var s State
	s.Write(x86asm.EAX, 0x12345678)
	s.Write(x86asm.AH, 0xFF)

	got, _ := s.Read(x86asm.RAX)
	if want := uint64(0x1234FF78); got != want {
		t.Errorf("RAX = %#x, want %#x", got, want)
	}

	ahVal, ok := s.Read(x86asm.AH)
	if !ok || ahVal != 0xFF {
		t.Errorf("AH = %#x, ok=%v, want 0xff, true", ahVal, ok)
	}
}

func TestSlotSharedKnownBit(t *testing.T) {
	var s State
	if s.Known(x86asm.AL) {
		t.Fatal("AL should start unknown")
	}
	s.Write(x86asm.AH, 0)
	if !s.Known(x86asm.AL) {
		t.Error("writing AH should mark the whole RAX slot known, including AL")
	}
}

func TestReadUnknownRegister(t *testing.T) {
	var s State
	if _, ok := s.Read(x86asm.RBX); ok {
		t.Error("unwritten register should read as unknown")
	}
}

func TestUnmodeledRegisterErrors(t *testing.T) {
	var s State
	if err := s.Write(x86asm.XMM0, 0); err == nil {
		t.Error("expected error writing an unmodeled register")
	}
}

func TestPC(t *testing.T) {
	var s State
	if _, ok := s.PC(); ok {
		t.Fatal("PC should start unknown")
	}
	s.SetPC(0x401000)
	pc, ok := s.PC()
	if !ok || pc != 0x401000 {
		t.Errorf("PC() = %#x, %v, want 0x401000, true", pc, ok)
	}
}

func TestFlagsTest(t *testing.T) {
	f := FlagZF | FlagCF
	if !f.Test(FlagZF) {
		t.Error("expected ZF set")
	}
	if f.Test(FlagOF) {
		t.Error("did not expect OF set")
	}
	if !f.Test(FlagZF | FlagCF) {
		t.Error("expected both ZF and CF set")
	}
}
