package recovery

import (
	"testing"

	"github.com/unazed/ucfg/internal/cfg"
)

// fakeImage is a sparse byte source: addresses not explicitly set read
// back as 0xCC (INT3), a valid single-byte filler instruction that never
// belongs to any control-flow group.
type fakeImage struct {
	mem map[uint64]byte
}

func newFakeImage() *fakeImage {
	return &fakeImage{mem: make(map[uint64]byte)}
}

func (f *fakeImage) set(addr uint64, code []byte) {
	for i, b := range code {
		f.mem[addr+uint64(i)] = b
	}
}

func (f *fakeImage) Read(rva uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	for i := range buf {
		b, ok := f.mem[rva+uint64(i)]
		if !ok {
			b = 0xcc
		}
		buf[i] = b
	}
	return buf, nil
}

func newDriver(img *fakeImage) (*Driver, *cfg.CFG) {
	store := cfg.New(0x1000, 0x100000)
	return New(store, img, nil, 64), store
}

func TestRecoverStraightLineFunction(t *testing.T) {
	img := newFakeImage()
	img.set(0x1000, []byte{0xb8, 0x00, 0x00, 0x00, 0x00}) // mov eax, 0
	img.set(0x1005, []byte{0xc3})                         // ret

	d, store := newDriver(img)
	if err := d.RecoverFunction(0x1000); err != nil {
		t.Fatalf("RecoverFunction: %v", err)
	}

	meta, err := store.GetBasicBlockMeta(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("GetBasicBlockMeta: %v", err)
	}
	if meta.Size != 6 {
		t.Errorf("block size = %d, want 6", meta.Size)
	}
	if !store.IsAddressVisited(0x1000) {
		t.Error("entry address not marked visited")
	}
}

func TestRecoverDirectCallContinuesInCaller(t *testing.T) {
	img := newFakeImage()
	img.set(0x1000, []byte{0xe8, 0xfb, 0x0f, 0x00, 0x00}) // call 0x2000
	img.set(0x1005, []byte{0xc3})                         // ret (fallthrough after call)
	img.set(0x2000, []byte{0xc3})                         // ret (callee)

	d, store := newDriver(img)
	if err := d.RecoverFunction(0x1000); err != nil {
		t.Fatalf("RecoverFunction: %v", err)
	}

	if !store.IsAddressVisited(0x2000) {
		t.Fatal("callee entry not recovered")
	}
	if _, err := store.GetBasicBlockMeta(0x2000, 0x2000); err != nil {
		t.Errorf("callee function missing: %v", err)
	}

	callBlock, ok := store.GetBasicBlock(0x1000, 0x1000)
	if !ok {
		t.Fatal("caller's call block missing")
	}
	contBlock, ok := store.GetBasicBlock(0x1000, 0x1005)
	if !ok {
		t.Fatal("fallthrough block after call missing")
	}
	found := false
	for _, succ := range store.Preds(0x1000, contBlock) {
		if succ == callBlock {
			found = true
		}
	}
	if !found {
		t.Error("call block not connected to its fallthrough successor")
	}
}

func TestRecoverIndirectCallUnresolvedEndsBlock(t *testing.T) {
	img := newFakeImage()
	img.set(0x1000, []byte{0xff, 0xd0}) // call rax, no known producer

	d, store := newDriver(img)
	if err := d.RecoverFunction(0x1000); err != nil {
		t.Fatalf("RecoverFunction: %v", err)
	}

	if store.IsAddressVisited(0x1002) {
		t.Error("unresolved indirect call should not continue into a fallthrough block")
	}
}

func TestRecoverBackEdgeSelfLoop(t *testing.T) {
	img := newFakeImage()
	img.set(0x1000, []byte{0xb8, 0x00, 0x00, 0x00, 0x00}) // mov eax, 0
	img.set(0x1005, []byte{0xff, 0xc0})                   // inc eax
	img.set(0x1007, []byte{0xeb, 0xf7})                   // jmp 0x1000

	d, store := newDriver(img)
	if err := d.RecoverFunction(0x1000); err != nil {
		t.Fatalf("RecoverFunction: %v", err)
	}

	meta, err := store.GetBasicBlockMeta(0x1000, 0x1000)
	if err != nil {
		t.Fatalf("GetBasicBlockMeta: %v", err)
	}
	if meta.Size != 9 {
		t.Fatalf("block size = %d, want 9 (mov+inc+jmp)", meta.Size)
	}

	preds := store.Preds(0x1000, 0x1000)
	self := false
	for _, p := range preds {
		if p == 0x1000 {
			self = true
		}
	}
	if !self {
		t.Error("loop head has no self-edge recorded for its back-edge jump")
	}
}
