// Package peimage adapts github.com/saferwall/pe to the PE reader
// collaborator contract spec.md §6 describes: image metadata, RVA-to-
// file-offset translation, byte reads, section lookup, and the import/
// export/TLS directories as enumerable lists. It does not reimplement
// PE parsing, saferwall/pe already does that, it only reshapes its
// output to the shape internal/recovery and internal/resolver need,
// mirroring how obj/internal/obj/pe.go adapts debug/pe to this project's
// predecessor's own Obj contract.
package peimage

import (
	"fmt"
	"os"

	"github.com/saferwall/pe"
)

// DefaultPageSize is used when the image's section alignment cannot be
// read for any reason.
const DefaultPageSize = 0x1000

// Image is a parsed PE file addressed by RVA.
type Image struct {
	file        *pe.File
	raw         []byte
	imageBase   uint64
	is64        bool
	entryRVA    uint64
	pageSize    uint64
	importByRVA map[uint64]string
}

// Open parses the PE file at path. The raw file bytes are read
// independently of saferwall/pe's own internal representation, so
// Image.Read can serve arbitrary-offset reads without depending on a
// library method for it.
func Open(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("peimage: reading %s: %w", path, err)
	}

	f, err := pe.New(path, &pe.Options{})
	if err != nil {
		return nil, fmt.Errorf("peimage: opening %s: %w", path, err)
	}
	if err := f.Parse(); err != nil {
		return nil, fmt.Errorf("peimage: parsing %s: %w", path, err)
	}

	img := &Image{file: f, raw: raw, pageSize: DefaultPageSize}
	switch oh := f.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader32:
		img.imageBase = uint64(oh.ImageBase)
		img.entryRVA = uint64(oh.AddressOfEntryPoint)
		if oh.SectionAlignment != 0 {
			img.pageSize = uint64(oh.SectionAlignment)
		}
	case pe.ImageOptionalHeader64:
		img.imageBase = oh.ImageBase
		img.is64 = true
		img.entryRVA = uint64(oh.AddressOfEntryPoint)
		if oh.SectionAlignment != 0 {
			img.pageSize = uint64(oh.SectionAlignment)
		}
	default:
		return nil, fmt.Errorf("peimage: %s: unrecognized optional header", path)
	}

	img.buildImportIndex()
	return img, nil
}

// Close releases the underlying parsed file.
func (img *Image) Close() error {
	return img.file.Close()
}

// ImageBase returns the preferred load address.
func (img *Image) ImageBase() uint64 { return img.imageBase }

// Is64Bit reports whether this is a PE32+ image.
func (img *Image) Is64Bit() bool { return img.is64 }

// PageSize returns the section alignment, used to size a default
// synthetic stack frame and to bound terminator-scan advances.
func (img *Image) PageSize() uint64 { return img.pageSize }

// EntryPointRVA returns the optional header's AddressOfEntryPoint.
func (img *Image) EntryPointRVA() uint64 { return img.entryRVA }

// VirtualSize returns the RVA one past the end of the last section,
// sizing the address space a CFG built over this image needs to track.
func (img *Image) VirtualSize() uint64 {
	var max uint64
	for _, s := range img.file.Sections {
		end := uint64(s.Header.VirtualAddress) + uint64(s.Header.VirtualSize)
		if end > max {
			max = end
		}
	}
	return max
}

// Section is the subset of a section header the recovery core needs.
type Section struct {
	Name           string
	VirtualAddress uint64
	VirtualSize    uint64
	RawOffset      uint64
	RawSize        uint64
}

// FindSectionByRVA returns the section containing rva, if any.
func (img *Image) FindSectionByRVA(rva uint64) (Section, bool) {
	for _, s := range img.file.Sections {
		start := uint64(s.Header.VirtualAddress)
		size := uint64(s.Header.VirtualSize)
		if rva >= start && rva < start+size {
			return Section{
				Name:           sectionName(s.Header.Name),
				VirtualAddress: start,
				VirtualSize:    size,
				RawOffset:      uint64(s.Header.PointerToRawData),
				RawSize:        uint64(s.Header.SizeOfRawData),
			}, true
		}
	}
	return Section{}, false
}

func sectionName(raw [8]uint8) string {
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

// RVAToFileOffset translates rva into an offset into the raw file, using
// the containing section's virtual-to-raw alignment. debug/pe has no
// equivalent of this against arbitrary section alignment.
func (img *Image) RVAToFileOffset(rva uint64) (uint64, bool) {
	sect, ok := img.FindSectionByRVA(rva)
	if !ok {
		return 0, false
	}
	off := sect.RawOffset + (rva - sect.VirtualAddress)
	if off >= uint64(len(img.raw)) {
		return 0, false
	}
	return off, true
}

// Read returns size bytes starting at rva. A read that runs past the end
// of the mapped file is zero-padded rather than failing: the terminator
// scan routinely walks into section padding and needs to see it rather
// than abort.
func (img *Image) Read(rva uint64, size int) ([]byte, error) {
	off, ok := img.RVAToFileOffset(rva)
	if !ok {
		return nil, fmt.Errorf("peimage: rva %#x is not mapped to any section", rva)
	}
	buf := make([]byte, size)
	copy(buf, img.raw[off:])
	return buf, nil
}

// ReadPage reads PageSize() bytes starting at rva.
func (img *Image) ReadPage(rva uint64) ([]byte, error) {
	return img.Read(rva, int(img.pageSize))
}

// ImportedFunction names one entry in the import address table.
type ImportedFunction struct {
	Library string
	Name    string
	IATAddr uint64
}

// Imports lists every imported function across every import descriptor.
func (img *Image) Imports() []ImportedFunction {
	var out []ImportedFunction
	for _, imp := range img.file.Imports {
		for _, fn := range imp.Functions {
			out = append(out, ImportedFunction{
				Library: imp.Name,
				Name:    fn.Name,
				IATAddr: uint64(fn.Offset),
			})
		}
	}
	return out
}

func (img *Image) buildImportIndex() {
	img.importByRVA = make(map[uint64]string)
	for _, fn := range img.Imports() {
		img.importByRVA[fn.IATAddr] = fn.Library + "!" + fn.Name
	}
}

// LookupImport implements resolver.ImportResolver against the parsed
// import directory.
func (img *Image) LookupImport(rva uint64) (string, bool) {
	name, ok := img.importByRVA[rva]
	return name, ok
}

// ExportedFunction names one entry in the export directory.
type ExportedFunction struct {
	Name string
	RVA  uint64
}

// Exports lists every named export, empty if the image has none.
func (img *Image) Exports() []ExportedFunction {
	if img.file.Export == nil {
		return nil
	}
	var out []ExportedFunction
	for _, fn := range img.file.Export.Functions {
		out = append(out, ExportedFunction{Name: fn.Name, RVA: uint64(fn.Address)})
	}
	return out
}

// TLSCallbacks lists the RVAs of any TLS callback routines, which run
// before the nominal entry point and so are additional recovery roots.
func (img *Image) TLSCallbacks() []uint64 {
	var out []uint64
	for _, cb := range img.file.TLS.Callbacks {
		out = append(out, uint64(cb))
	}
	return out
}

// ResolveEntryAddress implements the CLI's base-auto-detecting ADDR
// argument: a value already at or above the image base is treated as
// absolute and rebased; anything smaller is treated as already an RVA.
func (img *Image) ResolveEntryAddress(addr uint64) uint64 {
	if addr >= img.imageBase {
		return addr - img.imageBase
	}
	return addr
}
