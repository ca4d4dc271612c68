package cfg

import "testing"

func newTestFn(t *testing.T) (*CFG, uint64) {
	t.Helper()
	c := New(0x400000, 0x10000)
	fnTag, err := c.AddFunction(0x401000)
	if err != nil {
		t.Fatal(err)
	}
	return c, fnTag
}

func TestAddBasicBlockSetsEntry(t *testing.T) {
	c, fn := newTestFn(t)
	blockTag, err := c.AddBasicBlock(fn, 0x401000)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetBasicBlockEnd(fn, blockTag, 0x401010); err != nil {
		t.Fatal(err)
	}
	meta, err := c.GetBasicBlockMeta(fn, blockTag)
	if err != nil {
		t.Fatal(err)
	}
	if meta.RVA != 0x401000 || meta.Size != 0x10 {
		t.Errorf("meta = %+v, want RVA=0x401000 Size=0x10", meta)
	}
}

func TestIsAddressVisited(t *testing.T) {
	c, fn := newTestFn(t)
	blockTag, _ := c.AddBasicBlock(fn, 0x401000)
	c.SetBasicBlockEnd(fn, blockTag, 0x401010)

	if !c.IsAddressVisited(0x401000) {
		t.Error("expected start address visited")
	}
	if !c.IsAddressVisited(0x40100f) {
		t.Error("expected last covered address visited")
	}
	if c.IsAddressVisited(0x401010) {
		t.Error("did not expect one-past-end address visited")
	}
	if c.IsAddressVisited(0x402000) {
		t.Error("did not expect unrelated address visited")
	}
}

func TestGetBasicBlockByAddress(t *testing.T) {
	c, fn := newTestFn(t)
	blockTag, _ := c.AddBasicBlock(fn, 0x401000)
	c.SetBasicBlockEnd(fn, blockTag, 0x401010)

	got, ok := c.GetBasicBlock(fn, 0x401008)
	if !ok || got != blockTag {
		t.Errorf("GetBasicBlock = %#x, %v, want %#x, true", got, ok, blockTag)
	}
	if _, ok := c.GetBasicBlock(fn, 0x402000); ok {
		t.Error("expected no block at unrelated address")
	}
}

// TestSplitBasicBlockNoop covers invariant P4: splitting exactly at a
// block's own start address is a no-op that returns the same tag.
func TestSplitBasicBlockNoop(t *testing.T) {
	c, fn := newTestFn(t)
	blockTag, _ := c.AddBasicBlock(fn, 0x401000)
	c.SetBasicBlockEnd(fn, blockTag, 0x401010)

	got, err := c.SplitBasicBlock(fn, blockTag, 0x401000)
	if err != nil {
		t.Fatal(err)
	}
	if got != blockTag {
		t.Errorf("SplitBasicBlock at own start = %#x, want %#x (no-op)", got, blockTag)
	}
}

// TestSplitBasicBlockMigratesEgress covers invariant P3: splitting in
// the middle of a block shrinks it, creates a successor covering the
// tail, migrates the original block's outgoing edges onto the new
// block, and connects old -> new as the fallthrough edge.
func TestSplitBasicBlockMigratesEgress(t *testing.T) {
	c, fn := newTestFn(t)
	blockTag, _ := c.AddBasicBlock(fn, 0x401000)
	c.SetBasicBlockEnd(fn, blockTag, 0x401020)

	targetTag, _ := c.AddBasicBlock(fn, 0x402000)
	c.SetBasicBlockEnd(fn, targetTag, 0x402010)
	if err := c.ConnectBasicBlocks(fn, blockTag, targetTag); err != nil {
		t.Fatal(err)
	}

	newTag, err := c.SplitBasicBlock(fn, blockTag, 0x401010)
	if err != nil {
		t.Fatal(err)
	}

	oldMeta, _ := c.GetBasicBlockMeta(fn, blockTag)
	if !oldMeta.IsFallthrough {
		t.Error("expected old block marked fallthrough")
	}
	if oldMeta.Size != 0x10 {
		t.Errorf("old block size = %#x, want 0x10", oldMeta.Size)
	}

	newMeta, err := c.GetBasicBlockMeta(fn, newTag)
	if err != nil {
		t.Fatal(err)
	}
	if newMeta.RVA != 0x401010 || newMeta.Size != 0x10 {
		t.Errorf("new block = %+v, want RVA=0x401010 Size=0x10", newMeta)
	}

	fnMeta := c.funcMeta[fn]
	oldOut := fnMeta.blocks.Out(blockTag)
	if len(oldOut) != 1 || oldOut[0] != newTag {
		t.Errorf("old block out-edges = %v, want [%#x]", oldOut, newTag)
	}
	newOut := fnMeta.blocks.Out(newTag)
	if len(newOut) != 1 || newOut[0] != targetTag {
		t.Errorf("new block out-edges = %v, want [%#x] (migrated)", newOut, targetTag)
	}
}

func TestStackFrameDefaultsToPageSize(t *testing.T) {
	c, fn := newTestFn(t)
	frame, err := c.NewStackFrame(fn, 0, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if len(frame.Data) != 4096 {
		t.Errorf("frame size = %d, want 4096", len(frame.Data))
	}
	if frame.Top() != frame.Base+4096 {
		t.Errorf("Top() = %#x, want %#x", frame.Top(), frame.Base+4096)
	}
}

func TestStackFrameExplicitSize(t *testing.T) {
	c, fn := newTestFn(t)
	frame, err := c.NewStackFrame(fn, 0x80, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if len(frame.Data) != 0x80 {
		t.Errorf("frame size = %#x, want 0x80", len(frame.Data))
	}
}

func TestAddFunctionZeroAddressPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero function address")
		}
	}()
	c := New(0x400000, 0x10000)
	c.AddFunction(0)
}
