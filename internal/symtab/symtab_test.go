package symtab

import "testing"

func TestTableName(t *testing.T) {
	tab := New([]Entry{
		{Name: "DllMain", RVA: 0x2000},
		{Name: "ExportedFunc", RVA: 0x1000},
	})

	if name, ok := tab.Name(0x1000); !ok || name != "ExportedFunc" {
		t.Errorf("Name(0x1000) = (%q, %v), want (ExportedFunc, true)", name, ok)
	}
	if name, ok := tab.Name(0x2000); !ok || name != "DllMain" {
		t.Errorf("Name(0x2000) = (%q, %v), want (DllMain, true)", name, ok)
	}
	if _, ok := tab.Name(0x1500); ok {
		t.Error("Name(0x1500) matched, want no entry (point addresses only)")
	}
}

func TestTableNameEmpty(t *testing.T) {
	tab := New(nil)
	if _, ok := tab.Name(0x1000); ok {
		t.Error("Name on empty table matched")
	}
}
