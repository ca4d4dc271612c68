package simulate

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/unazed/ucfg/internal/disasm"
	"github.com/unazed/ucfg/internal/x86state"
)

func decode(t *testing.T, code []byte, pc uint64) disasm.Insn {
	t.Helper()
	in, err := disasm.DecodeOne(code, pc)
	if err != nil {
		t.Fatalf("decode %x: %v", code, err)
	}
	return in
}

func TestSimulateStraightLine(t *testing.T) {
	sim := New()
	sim.Reset(make([]byte, 4096), 0x7ff00000)

	insns := []disasm.Insn{
		decode(t, []byte{0xb8, 0x01, 0x00, 0x00, 0x00}, 0x401000), // mov eax, 1
		decode(t, []byte{0x83, 0xc0, 0x01}, 0x401005),             // add eax, 1
	}
	ok, err := sim.Simulate(insns)
	if err != nil || !ok {
		t.Fatalf("Simulate() = %v, %v, want true, nil", ok, err)
	}
	v, ok := sim.ReadReg(x86asm.EAX)
	if !ok || v != 2 {
		t.Errorf("EAX = %d, ok=%v, want 2, true", v, ok)
	}
}

func TestSimulateIndeterminateRegisterStops(t *testing.T) {
	sim := New()
	sim.Reset(make([]byte, 4096), 0x7ff00000)

	// add eax, ecx -- EAX and ECX both unknown.
	insns := []disasm.Insn{decode(t, []byte{0x01, 0xc8}, 0x401000)}
	ok, err := sim.Simulate(insns)
	if ok || err == nil {
		t.Fatalf("Simulate() = %v, %v, want false, non-nil", ok, err)
	}
}

func TestSimulatePushPop(t *testing.T) {
	sim := New()
	frame := make([]byte, 4096)
	frameTop := uint64(0x7ff00000) + uint64(len(frame))
	sim.Reset(frame, 0x7ff00000)
	sim.State.Write(x86asm.RSP, frameTop)
	sim.State.Write(x86asm.RAX, 0xdeadbeef)

	insns := []disasm.Insn{
		decode(t, []byte{0x50}, 0x401000),       // push rax
		decode(t, []byte{0x59}, 0x401001),       // pop rcx
	}
	ok, err := sim.Simulate(insns)
	if err != nil || !ok {
		t.Fatalf("Simulate() = %v, %v, want true, nil", ok, err)
	}
	v, ok := sim.ReadReg(x86asm.RCX)
	if !ok || v != 0xdeadbeef {
		t.Errorf("RCX = %#x, ok=%v, want 0xdeadbeef, true", v, ok)
	}
	rsp, _ := sim.ReadReg(x86asm.RSP)
	if rsp != frameTop {
		t.Errorf("RSP = %#x, want %#x (balanced push/pop)", rsp, frameTop)
	}
}

func TestSimulateLEA(t *testing.T) {
	sim := New()
	sim.Reset(make([]byte, 4096), 0x7ff00000)
	sim.State.Write(x86asm.RBP, 0x7ff00100)

	// lea rax, [rbp-0x10]
	insns := []disasm.Insn{decode(t, []byte{0x48, 0x8d, 0x45, 0xf0}, 0x401000)}
	ok, err := sim.Simulate(insns)
	if err != nil || !ok {
		t.Fatalf("Simulate() = %v, %v, want true, nil", ok, err)
	}
	v, _ := sim.ReadReg(x86asm.RAX)
	if want := uint64(0x7ff000f0); v != want {
		t.Errorf("RAX = %#x, want %#x", v, want)
	}
}

func TestSimulateCMPDoesNotMutateRegister(t *testing.T) {
	sim := New()
	sim.Reset(make([]byte, 4096), 0x7ff00000)
	sim.State.Write(x86asm.EAX, 5)

	// cmp eax, eax
	insns := []disasm.Insn{decode(t, []byte{0x39, 0xc0}, 0x401000)}
	ok, err := sim.Simulate(insns)
	if err != nil || !ok {
		t.Fatalf("Simulate() = %v, %v, want true, nil", ok, err)
	}
	v, _ := sim.ReadReg(x86asm.EAX)
	if v != 5 {
		t.Errorf("EAX = %d, want unchanged 5", v)
	}
	if !sim.Flags().Test(x86state.FlagZF) {
		t.Error("expected ZF set after cmp eax, eax")
	}
}
