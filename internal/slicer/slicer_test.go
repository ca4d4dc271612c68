package slicer

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

type fakeCFG struct {
	blocks map[uint64][]disasm.Insn
	preds  map[uint64][]uint64
}

func (f *fakeCFG) Instructions(fnTag, blockTag uint64) ([]disasm.Insn, error) {
	return f.blocks[blockTag], nil
}

func (f *fakeCFG) Preds(fnTag, blockTag uint64) []uint64 {
	return f.preds[blockTag]
}

func TestTraceRegisterDataflowSingleBlock(t *testing.T) {
	f := &fakeCFG{blocks: map[uint64][]disasm.Insn{
		0x1000: {
			decode(t, []byte{0xb8, 0x01, 0x00, 0x00, 0x00}, 0x1000), // mov eax, 1
			decode(t, []byte{0xb9, 0x02, 0x00, 0x00, 0x00}, 0x1005), // mov ecx, 2
		},
	}}
	s := New(f, f)

	chain, err := s.TraceRegisterDataflow(1, 0x1000, 0x100a, x86asm.EAX)
	if err != nil {
		t.Fatalf("TraceRegisterDataflow: %v", err)
	}
	if len(chain) != 1 || chain[0].Addr != 0x1000 {
		t.Errorf("chain = %+v, want just the mov eax,1 producer", chain)
	}
}

func TestTraceRegisterDataflowUnresolvedNoPredecessors(t *testing.T) {
	f := &fakeCFG{blocks: map[uint64][]disasm.Insn{
		0x1000: {
			decode(t, []byte{0x01, 0xc8}, 0x1000), // add eax, ecx
		},
	}}
	s := New(f, f)

	_, err := s.TraceRegisterDataflow(1, 0x1000, 0x1005, x86asm.EAX)
	if err != ErrUnresolved {
		t.Errorf("err = %v, want ErrUnresolved", err)
	}
}

func TestTraceRegisterDataflowCrossBlock(t *testing.T) {
	f := &fakeCFG{
		blocks: map[uint64][]disasm.Insn{
			0x2000: {
				decode(t, []byte{0xb9, 0x05, 0x00, 0x00, 0x00}, 0x2000), // mov ecx, 5
			},
			0x3000: {
				decode(t, []byte{0xb8, 0x00, 0x00, 0x00, 0x00}, 0x2ffb), // mov eax, 0
				decode(t, []byte{0x01, 0xc8}, 0x3000),                  // add eax, ecx
			},
		},
		preds: map[uint64][]uint64{0x3000: {0x2000}},
	}
	s := New(f, f)

	chain, err := s.TraceRegisterDataflow(1, 0x3000, 0x3005, x86asm.EAX)
	if err != nil {
		t.Fatalf("TraceRegisterDataflow: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain len = %d, want 3: %+v", len(chain), chain)
	}
	if chain[0].Addr != 0x2000 || chain[1].Addr != 0x2ffb || chain[2].Addr != 0x3000 {
		t.Errorf("chain order = %+v, want [0x2000 0x2ffb 0x3000]", chain)
	}
}

func TestTraceRegisterDataflowDepthExceeded(t *testing.T) {
	// A chain of blocks each depending on an unresolved predecessor,
	// longer than MaxDepth, must fail with ErrDepthExceeded rather than
	// recursing forever.
	f := &fakeCFG{blocks: map[uint64][]disasm.Insn{}, preds: map[uint64][]uint64{}}
	var prev uint64
	for i := 0; i < DefaultMaxDepth+2; i++ {
		tag := uint64(0x10000 + i*0x1000)
		f.blocks[tag] = []disasm.Insn{
			decode(t, []byte{0x01, 0xc8}, tag), // add eax, ecx: never resolves eax
		}
		if prev != 0 {
			f.preds[prev] = []uint64{tag}
		}
		prev = tag
	}
	s := New(f, f)

	_, err := s.TraceRegisterDataflow(1, 0x10000, 0x10005, x86asm.EAX)
	if err != ErrDepthExceeded && err != ErrUnresolved {
		t.Errorf("err = %v, want ErrDepthExceeded or ErrUnresolved", err)
	}
}

func TestTraceFlagDataflowAppendsProducer(t *testing.T) {
	f := &fakeCFG{blocks: map[uint64][]disasm.Insn{
		0x4000: {
			decode(t, []byte{0xb8, 0x00, 0x00, 0x00, 0x00}, 0x3ffb), // mov eax, 0
			decode(t, []byte{0x39, 0xc8}, 0x4000),                  // cmp eax, ecx
		},
	}}
	s := New(f, f)

	chain, err := s.TraceFlagDataflow(1, 0x4000, 0x4002, x86state.FlagZF)
	if err != nil {
		t.Fatalf("TraceFlagDataflow: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain len = %d, want 2: %+v", len(chain), chain)
	}
	if chain[0].Addr != 0x3ffb || chain[1].Addr != 0x4000 {
		t.Errorf("chain order = %+v, want [0x3ffb 0x4000] (producer appended last)", chain)
	}
	if chain[1].Inst.Op != x86asm.CMP {
		t.Errorf("last instruction op = %v, want CMP", chain[1].Inst.Op)
	}
}
