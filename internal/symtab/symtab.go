// Package symtab provides fast RVA-to-export-name lookup, used to label
// recovered functions in diagnostic output when the image's export
// directory happens to name them.
package symtab

import "sort"

// Entry names one address.
type Entry struct {
	Name string
	RVA  uint64
}

// Table supports binary-searching a sorted set of entries by address.
type Table struct {
	entries []Entry
}

// New builds a Table from entries, which need not already be sorted.
func New(entries []Entry) *Table {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RVA < sorted[j].RVA })
	return &Table{entries: sorted}
}

// Name returns the name of the entry at exactly rva, if any. Unlike a
// full symbol table's range lookup, export entries are point addresses
// with no associated size, so this never matches an address merely
// contained within a symbol's range.
func (t *Table) Name(rva uint64) (string, bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].RVA >= rva })
	if i < len(t.entries) && t.entries[i].RVA == rva {
		return t.entries[i].Name, true
	}
	return "", false
}
