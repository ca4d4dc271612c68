// Command ucfg recovers the control-flow graph of a static x86-64 PE
// binary from one or more entry points, starting with the optional
// header's AddressOfEntryPoint (or -e, if given).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/unazed/ucfg/internal/cfg"
	"github.com/unazed/ucfg/internal/graph"
	"github.com/unazed/ucfg/internal/peimage"
	"github.com/unazed/ucfg/internal/recovery"
	"github.com/unazed/ucfg/internal/symtab"
)

var (
	fileFlagLong  = flag.String("file", "", "input PE file (alternative to the positional argument)")
	fileFlagShort = flag.String("c", "", "shorthand for -file")
	entryFlag     = flag.String("entry", "", "entry address, hex or decimal; defaults to AddressOfEntryPoint")
	entryFlagE    = flag.String("e", "", "shorthand for -entry")
	dotFlag       = flag.String("dot", "", "write the recovered call graph as Graphviz dot to this path")
	dotFnFlag     = flag.String("dot-fn", "", "write one function's basic-block graph (ADDR=PATH) as Graphviz dot")
	verboseFlag   = flag.Bool("v", false, "enable debug logging")
)

var logger = log.New(os.Stderr, "ucfg: ", 0)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Fatal(r)
		}
	}()
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-c|--file FILE] [-e|--entry ADDR] [-dot FILE] [-dot-fn ADDR=FILE] [FILE]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	path := firstNonEmpty(*fileFlagShort, *fileFlagLong)
	if path == "" {
		if flag.NArg() != 1 {
			flag.Usage()
			os.Exit(2)
		}
		path = flag.Arg(0)
	}

	img, err := peimage.Open(path)
	if err != nil {
		log.Fatal(err)
	}
	defer img.Close()

	entryRVA := img.EntryPointRVA()
	if e := firstNonEmpty(*entryFlagE, *entryFlag); e != "" {
		addr, err := strconv.ParseUint(e, 0, 64)
		if err != nil {
			log.Fatalf("invalid -entry %q: %v", e, err)
		}
		entryRVA = img.ResolveEntryAddress(addr)
	}

	if *verboseFlag {
		logger.Printf("recovering from entry RVA %#x (image base %#x)", entryRVA, img.ImageBase())
	}

	store := cfg.New(img.ImageBase(), img.VirtualSize())
	driver := recovery.New(store, img, img, img.PageSize())

	if err := driver.RecoverFunction(entryRVA); err != nil {
		log.Fatal(err)
	}
	for _, cb := range img.TLSCallbacks() {
		if *verboseFlag {
			logger.Printf("recovering TLS callback at %#x", cb)
		}
		if err := driver.RecoverFunction(cb); err != nil {
			log.Fatal(err)
		}
	}

	if *dotFlag != "" {
		if err := writeDot(store, img, *dotFlag); err != nil {
			log.Fatal(err)
		}
	}
	if *dotFnFlag != "" {
		if err := writeFuncDot(store, *dotFnFlag); err != nil {
			log.Fatal(err)
		}
	}

	logger.Printf("recovered %d functions", store.Functions().NumVertices())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeDot(store *cfg.CFG, img *peimage.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ucfg: creating %s: %w", path, err)
	}
	defer f.Close()

	var entries []symtab.Entry
	for _, exp := range img.Exports() {
		entries = append(entries, symtab.Entry{Name: exp.Name, RVA: exp.RVA})
	}
	names := symtab.New(entries)

	d := graph.Dot[uint64]{
		Name: "callgraph",
		Label: func(tag uint64) string {
			if name, ok := names.Name(tag); ok {
				return fmt.Sprintf("%s (%#x)", name, tag)
			}
			return fmt.Sprintf("%#x", tag)
		},
	}
	return d.Fprint(store.Functions(), f)
}

// writeFuncDot writes one function's basic-block graph as dot. arg takes
// the form "ADDR=PATH", ADDR being the function's entry RVA as recovered
// (not an absolute address).
func writeFuncDot(store *cfg.CFG, arg string) error {
	addrStr, path, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("ucfg: -dot-fn wants ADDR=PATH, got %q", arg)
	}
	fnTag, err := strconv.ParseUint(addrStr, 0, 64)
	if err != nil {
		return fmt.Errorf("ucfg: -dot-fn: invalid address %q: %w", addrStr, err)
	}
	blocks, err := store.Blocks(fnTag)
	if err != nil {
		return fmt.Errorf("ucfg: -dot-fn: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ucfg: creating %s: %w", path, err)
	}
	defer f.Close()

	d := graph.Dot[uint64]{Name: "function"}
	return d.Fprint(blocks, f)
}
