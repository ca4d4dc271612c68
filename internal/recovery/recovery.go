// Package recovery drives control-flow recovery end to end (C7): given an
// entry RVA, it walks the byte stream forward to the next terminator,
// records a basic block, hands the terminator to the resolver, and
// continues into every successor, splitting an existing block when a
// jump lands inside one already recovered, and queuing call targets as
// new functions.
//
// Unlike the engine this is grounded on, which recurses in the host
// language's call stack for both block and function traversal, this
// driver keeps two explicit work lists (one per function for its blocks,
// one at the top level for call targets) so neither a long straight-line
// function nor a deep call graph can overflow a goroutine stack.
// Correctness does not depend on traversal order: visitedness is decided
// by the CFG's address bitmap, not by recursion depth.
package recovery

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/arch/x86/x86asm"

	"github.com/unazed/ucfg/internal/cfg"
	"github.com/unazed/ucfg/internal/disasm"
	"github.com/unazed/ucfg/internal/resolver"
	"github.com/unazed/ucfg/internal/simulate"
	"github.com/unazed/ucfg/internal/slicer"
)

// DefaultMaxScanPages bounds how far forward the terminator scan will
// read looking for a jump, call, or return before giving up.
const DefaultMaxScanPages = 3

// ByteSource reads raw bytes from the image being recovered, addressed
// by RVA. internal/peimage implements this against a parsed PE image.
type ByteSource interface {
	Read(rva uint64, size int) ([]byte, error)
}

// blockSource adapts a CFG and a ByteSource into the collaborators the
// dataflow slicer needs, decoding each block's instructions on demand
// rather than caching them.
type blockSource struct {
	cfg   *cfg.CFG
	bytes ByteSource
}

func (b *blockSource) Instructions(fnTag, blockTag uint64) ([]disasm.Insn, error) {
	meta, err := b.cfg.GetBasicBlockMeta(fnTag, blockTag)
	if err != nil {
		return nil, err
	}
	data, err := b.bytes.Read(meta.RVA, int(meta.Size))
	if err != nil {
		return nil, fmt.Errorf("recovery: reading block %#x: %w", meta.RVA, err)
	}
	insns, _ := disasm.Decode(data, meta.RVA)
	return insns, nil
}

func (b *blockSource) Preds(fnTag, blockTag uint64) []uint64 {
	return b.cfg.Preds(fnTag, blockTag)
}

// Driver owns the collaborators needed to recover a CFG from one image:
// the graph store, the byte source, and the dataflow/simulation/resolver
// stack built on top of them.
type Driver struct {
	cfg      *cfg.CFG
	bytes    ByteSource
	src      *blockSource
	sim      *simulate.Simulator
	resolver *resolver.Resolver
	pageSize uint64
	maxPages int
	log      *log.Logger
}

// New returns a Driver over graph, reading bytes from bytes and
// resolving imports (for RIP-relative memory calls) via imports, which
// may be nil.
func New(graph *cfg.CFG, bytes ByteSource, imports resolver.ImportResolver, pageSize uint64) *Driver {
	src := &blockSource{cfg: graph, bytes: bytes}
	sl := slicer.New(src, src)
	sim := simulate.New()
	return &Driver{
		cfg:      graph,
		bytes:    bytes,
		src:      src,
		sim:      sim,
		resolver: resolver.New(sl, sim, imports),
		pageSize: pageSize,
		maxPages: DefaultMaxScanPages,
		log:      log.New(os.Stderr, "recovery: ", log.Lshortfile),
	}
}

// pendingFunction is one entry in the top-level call-target work list.
type pendingFunction struct {
	predFn   uint64 // 0 for the initial entry point
	entryRVA uint64
}

// RecoverFunction recovers every function reachable from entryRVA,
// treating entryRVA itself as having no caller.
func (d *Driver) RecoverFunction(entryRVA uint64) error {
	queue := []pendingFunction{{entryRVA: entryRVA}}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if d.cfg.IsAddressVisited(item.entryRVA) {
			continue
		}
		calls, err := d.recoverOneFunction(item.predFn, item.entryRVA)
		if err != nil {
			return err
		}
		queue = append(queue, calls...)
	}
	return nil
}

// blockWork is one entry in a single function's basic-block work list.
type blockWork struct {
	pred uint64 // predecessor block tag, 0 for the function's entry block
	rva  uint64
}

// recoverOneFunction walks every basic block reachable within one
// function, returning the call targets it discovered along the way for
// the caller to enqueue.
func (d *Driver) recoverOneFunction(predFn, entryRVA uint64) ([]pendingFunction, error) {
	var fnTag uint64
	var err error
	if predFn != 0 {
		fnTag, err = d.cfg.AddFunctionSucc(predFn, entryRVA)
	} else {
		fnTag, err = d.cfg.AddFunction(entryRVA)
	}
	if err != nil {
		return nil, err
	}

	frame, err := d.cfg.NewStackFrame(fnTag, d.detectFrameSize(entryRVA), d.pageSize)
	if err != nil {
		return nil, err
	}
	d.sim.Reset(frame.Data, frame.Base)
	if err := d.sim.State.Write(x86asm.RSP, frame.Top()); err != nil {
		return nil, err
	}

	var calls []pendingFunction
	queue := []blockWork{{rva: entryRVA}}
	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]

		if d.cfg.IsAddressVisited(w.rva) {
			if w.pred == 0 {
				continue
			}
			target, ok := d.cfg.GetBasicBlock(fnTag, w.rva)
			if !ok {
				return nil, fmt.Errorf("%w: target %#x", ErrCrossFunctionJump, w.rva)
			}
			newTag, err := d.cfg.SplitBasicBlock(fnTag, target, w.rva)
			if err != nil {
				return nil, err
			}
			if err := d.cfg.ConnectBasicBlocks(fnTag, w.pred, newTag); err != nil {
				return nil, err
			}
			continue
		}

		var blockTag uint64
		if w.pred != 0 {
			blockTag, err = d.cfg.AddBasicBlockSucc(fnTag, w.pred, w.rva)
		} else {
			blockTag, err = d.cfg.AddBasicBlock(fnTag, w.rva)
		}
		if err != nil {
			return nil, err
		}

		term := d.scanToTerminator(w.rva)
		if err := d.cfg.SetBasicBlockEnd(fnTag, blockTag, term.Addr+uint64(term.Size)); err != nil {
			return nil, err
		}

		outcome := d.resolver.Resolve(fnTag, blockTag, term)
		if outcome.Unresolved {
			d.log.Printf("unresolved %v at %#x in function %#x", outcome.Type, term.Addr, fnTag)
		}
		switch outcome.Type {
		case resolver.ControlRet, resolver.ControlNone:
			// No successor: the block ends here.

		case resolver.ControlJump:
			for _, target := range outcome.Targets {
				queue = append(queue, blockWork{pred: blockTag, rva: target})
			}

		case resolver.ControlCall:
			if outcome.ExternalSymbol != "" || outcome.Unresolved {
				// Import thunk or genuinely unresolvable target: the
				// call ends the block without a fallthrough successor.
				continue
			}
			calls = append(calls, pendingFunction{predFn: fnTag, entryRVA: outcome.Targets[0]})
			queue = append(queue, blockWork{pred: blockTag, rva: term.Addr + uint64(term.Size)})
		}
	}
	return calls, nil
}

// scanToTerminator reads forward from rva looking for the next jump,
// call, or return, advancing a page at a time. Exhausting maxPages
// without finding one means the recovered instruction stream has
// wandered into non-code bytes, which this driver treats as fatal
// rather than silently terminating a block mid-function.
func (d *Driver) scanToTerminator(rva uint64) disasm.Insn {
	addr := rva
	for page := 0; page < d.maxPages; page++ {
		data, err := d.bytes.Read(addr, int(d.pageSize))
		if err != nil || len(data) == 0 {
			addr += d.pageSize
			continue
		}
		insns, _ := disasm.Decode(data, addr)
		for _, in := range insns {
			if disasm.InGroup(in, disasm.GroupJump) ||
				disasm.InGroup(in, disasm.GroupCall) ||
				disasm.InGroup(in, disasm.GroupRet) {
				return in
			}
		}
		if len(insns) == 0 {
			addr += d.pageSize
			continue
		}
		last := insns[len(insns)-1]
		addr = last.Addr + uint64(last.Size)
	}
	panic(fmt.Sprintf("recovery: no terminator found within %d pages starting at %#x", d.maxPages, rva))
}

// detectFrameSize looks for a leading "SUB RSP, imm" at entryRVA, the
// usual prologue shape for reserving local stack space, and returns its
// immediate as the synthetic frame size. It returns 0 (letting the
// caller fall back to a page-sized frame) for every other shape.
func (d *Driver) detectFrameSize(entryRVA uint64) uint64 {
	data, err := d.bytes.Read(entryRVA, 16)
	if err != nil || len(data) == 0 {
		return 0
	}
	in, err := disasm.DecodeOne(data, entryRVA)
	if err != nil || in.Inst.Op != x86asm.SUB {
		return 0
	}
	dst, ok := in.Inst.Args[0].(x86asm.Reg)
	if !ok || dst != x86asm.RSP {
		return 0
	}
	imm, ok := in.Inst.Args[1].(x86asm.Imm)
	if !ok || imm < 0 {
		return 0
	}
	return uint64(imm)
}
