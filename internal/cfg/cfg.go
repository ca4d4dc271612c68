// Package cfg implements the control-flow graph store: functions and
// their basic blocks, addressed by RVA, backed by two layers of a
// tagged directed graph (one function-level graph, one basic-block-level
// graph per function) plus an address bitmap recording everything that
// has already been covered by a disassembled block.
package cfg

import (
	"errors"
	"fmt"

	"github.com/unazed/ucfg/internal/bitset"
	"github.com/unazed/ucfg/internal/graph"
)

// ErrUnknownFunction is returned when a function RVA has no entry.
var ErrUnknownFunction = errors.New("cfg: unknown function")

// ErrUnknownBlock is returned when a basic-block RVA has no entry within
// its function.
var ErrUnknownBlock = errors.New("cfg: unknown basic block")

// BasicBlock is a contiguous, non-branching run of instructions. Size is
// in bytes; IsFallthrough is set once a block is split, marking that its
// tail address falls straight through into the block created to hold
// the remainder.
type BasicBlock struct {
	RVA           uint64
	Size          uint64
	IsFallthrough bool
}

func (b *BasicBlock) contains(address uint64) bool {
	return b.RVA <= address && address < b.RVA+b.Size
}

type function struct {
	entryBlock uint64
	blocks     *graph.Graph[uint64]
	blockMeta  map[uint64]*BasicBlock
}

// CFG is the recovered control-flow graph for one PE image.
type CFG struct {
	functions  *graph.Graph[uint64]
	funcMeta   map[uint64]*function
	addrBitmap *bitset.Set
	imageBase  uint64
	frames     map[uint64]*StackFrame
}

// New returns an empty CFG over an image of executableSize bytes.
func New(imageBase, executableSize uint64) *CFG {
	return &CFG{
		functions:  graph.New[uint64](),
		funcMeta:   make(map[uint64]*function),
		addrBitmap: bitset.New(executableSize),
		imageBase:  imageBase,
		frames:     make(map[uint64]*StackFrame),
	}
}

func (c *CFG) function(fnTag uint64) (*function, error) {
	fn, ok := c.funcMeta[fnTag]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownFunction, fnTag)
	}
	return fn, nil
}

func (c *CFG) blockMeta(fnTag, blockTag uint64) (*function, *BasicBlock, error) {
	fn, err := c.function(fnTag)
	if err != nil {
		return nil, nil, err
	}
	meta, ok := fn.blockMeta[blockTag]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %#x in function %#x", ErrUnknownBlock, blockTag, fnTag)
	}
	return fn, meta, nil
}

// AddFunction registers a new function entry at address and returns its
// tag (the address itself: tags are stable addresses, never reused
// counters).
func (c *CFG) AddFunction(address uint64) (uint64, error) {
	if address == 0 {
		panic("cfg: function address must be non-zero")
	}
	if err := c.functions.Add(address); err != nil {
		return 0, err
	}
	c.funcMeta[address] = &function{
		blocks:    graph.New[uint64](),
		blockMeta: make(map[uint64]*BasicBlock),
	}
	return address, nil
}

// AddFunctionSucc registers a new function entry at address and connects
// fromFn to it in the call graph.
func (c *CFG) AddFunctionSucc(fromFn, address uint64) (uint64, error) {
	tag, err := c.AddFunction(address)
	if err != nil {
		return 0, err
	}
	if err := c.functions.Connect(fromFn, tag); err != nil {
		return 0, err
	}
	return tag, nil
}

// AddBasicBlock registers a new basic block at address within fnTag.
func (c *CFG) AddBasicBlock(fnTag, address uint64) (uint64, error) {
	if address == 0 {
		panic("cfg: basic block address must be non-zero")
	}
	fn, err := c.function(fnTag)
	if err != nil {
		return 0, err
	}
	if err := fn.blocks.Add(address); err != nil {
		return 0, err
	}
	fn.blockMeta[address] = &BasicBlock{RVA: address}
	if fn.entryBlock == 0 {
		fn.entryBlock = address
	}
	c.addrBitmap.Set(address)
	return address, nil
}

// AddBasicBlockSucc registers a new basic block at address and connects
// fromBlock to it.
func (c *CFG) AddBasicBlockSucc(fnTag, fromBlock, address uint64) (uint64, error) {
	tag, err := c.AddBasicBlock(fnTag, address)
	if err != nil {
		return 0, err
	}
	fn, _ := c.function(fnTag)
	if err := fn.blocks.Connect(fromBlock, tag); err != nil {
		return 0, err
	}
	return tag, nil
}

// SetBasicBlockEnd records that blockTag's last instruction ends at
// address (exclusive), fixing its size and marking the whole range
// covered in the address bitmap.
func (c *CFG) SetBasicBlockEnd(fnTag, blockTag, address uint64) error {
	_, meta, err := c.blockMeta(fnTag, blockTag)
	if err != nil {
		return err
	}
	if address <= meta.RVA {
		panic(fmt.Sprintf("cfg: block end %#x not after start %#x", address, meta.RVA))
	}
	meta.Size = address - meta.RVA
	c.addrBitmap.SetRange(meta.RVA, address)
	return nil
}

// GetBasicBlockMeta returns the metadata for blockTag within fnTag.
func (c *CFG) GetBasicBlockMeta(fnTag, blockTag uint64) (*BasicBlock, error) {
	_, meta, err := c.blockMeta(fnTag, blockTag)
	return meta, err
}

// GetBasicBlock returns the tag of the basic block within fnTag whose
// range contains address, via a linear scan over the function's blocks
// (acceptable: basic-block graphs are function-local and small).
func (c *CFG) GetBasicBlock(fnTag, address uint64) (uint64, bool) {
	fn, err := c.function(fnTag)
	if err != nil {
		return 0, false
	}
	var found uint64
	var ok bool
	fn.blocks.ForEach(func(tag uint64) {
		if ok {
			return
		}
		if fn.blockMeta[tag].contains(address) {
			found, ok = tag, true
		}
	})
	return found, ok
}

// Preds returns the basic blocks within fnTag with an edge into
// blockTag. It satisfies slicer.Predecessors.
func (c *CFG) Preds(fnTag, blockTag uint64) []uint64 {
	fn, err := c.function(fnTag)
	if err != nil {
		return nil
	}
	return fn.blocks.In(blockTag)
}

// ConnectBasicBlocks adds a directed edge a -> b within fnTag's
// basic-block graph.
func (c *CFG) ConnectBasicBlocks(fnTag, a, b uint64) error {
	fn, err := c.function(fnTag)
	if err != nil {
		return err
	}
	return fn.blocks.Connect(a, b)
}

// SplitBasicBlock splits oldTag at address, returning the tag of the new
// block covering [address, oldEnd). It is a no-op returning oldTag when
// address is already the block's start (invariant: splitting at a
// block's own boundary changes nothing).
//
// The egress edges oldTag had before the split are migrated onto the new
// block, and an explicit fallthrough edge oldTag -> new block is added
// last, in that order, so the fallthrough edge itself is never caught
// up in the migration.
func (c *CFG) SplitBasicBlock(fnTag, oldTag, address uint64) (uint64, error) {
	fn, old, err := c.blockMeta(fnTag, oldTag)
	if err != nil {
		return 0, err
	}
	if !old.contains(address) {
		panic(fmt.Sprintf("cfg: split address %#x not in block [%#x, %#x)", address, old.RVA, old.RVA+old.Size))
	}
	if old.RVA == address {
		return oldTag, nil
	}

	oldEnd := old.RVA + old.Size
	existingEgress := append([]uint64(nil), fn.blocks.Out(oldTag)...)

	old.IsFallthrough = true
	old.Size = address - old.RVA

	newTag, err := c.AddBasicBlock(fnTag, address)
	if err != nil {
		return 0, err
	}
	if err := c.SetBasicBlockEnd(fnTag, newTag, oldEnd); err != nil {
		return 0, err
	}

	for _, succ := range existingEgress {
		fn.blocks.Disconnect(oldTag, succ)
		if err := fn.blocks.Connect(newTag, succ); err != nil {
			return 0, err
		}
	}
	if err := fn.blocks.Connect(oldTag, newTag); err != nil {
		return 0, err
	}

	return newTag, nil
}

// IsAddressVisited reports whether address has already been covered by
// some basic block.
func (c *CFG) IsAddressVisited(address uint64) bool {
	return c.addrBitmap.Test(address)
}

// ImageBase returns the image base this CFG was constructed with.
func (c *CFG) ImageBase() uint64 {
	return c.imageBase
}

// Functions returns the call graph: one vertex per recovered function,
// tagged by entry RVA. The caller must not modify the returned graph.
func (c *CFG) Functions() *graph.Graph[uint64] {
	return c.functions
}

// Blocks returns the basic-block graph for fnTag. The caller must not
// modify the returned graph.
func (c *CFG) Blocks(fnTag uint64) (*graph.Graph[uint64], error) {
	fn, err := c.function(fnTag)
	if err != nil {
		return nil, err
	}
	return fn.blocks, nil
}
