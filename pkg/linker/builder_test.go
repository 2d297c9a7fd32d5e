package linker

import (
	"errors"
	"testing"

	"github.com/r2rgen/peimage/pkg/pecoff"
)

const (
	textChars = pecoff.SectionCode | pecoff.SectionMemExecute | pecoff.SectionMemRead
	dataChars = pecoff.SectionInitializedData | pecoff.SectionMemRead
)

func TestAddObjectDataAlignment(t *testing.T) {
	b := NewBuilder()
	idx, err := b.AddSection(".text", textChars, 16)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.AddObjectData(idx, ObjectData{Bytes: []byte{1, 2, 3}, Alignment: 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddObjectData(idx, ObjectData{
		Bytes:     []byte{4, 5},
		Alignment: 8,
		Defines:   []DefinedSymbol{{Name: "S", Offset: 1}},
	}); err != nil {
		t.Fatal(err)
	}

	sec, err := b.section(idx)
	if err != nil {
		t.Fatal(err)
	}
	// 3 bytes, then 5 bytes of padding up to offset 8
	if got := sec.Size(); got != 10 {
		t.Fatalf("section size = %d, want 10", got)
	}
	for _, i := range []int{3, 4, 5, 6, 7} {
		if sec.Bytes[i] != 0 {
			t.Errorf("padding byte %d = %d, want 0", i, sec.Bytes[i])
		}
	}

	target, err := b.symbols.Resolve("S")
	if err != nil {
		t.Fatal(err)
	}
	if target.Section != idx || target.Offset != 9 {
		t.Fatalf("symbol target = %+v, want {%d 9}", target, idx)
	}
}

func TestDuplicateSymbolIsFatal(t *testing.T) {
	b := NewBuilder()
	idx, _ := b.AddSection(".text", textChars, 16)

	if err := b.AddObjectData(idx, ObjectData{
		Bytes:   []byte{0xC3},
		Defines: []DefinedSymbol{{Name: "F", Offset: 0}},
	}); err != nil {
		t.Fatal(err)
	}
	err := b.AddObjectData(idx, ObjectData{
		Bytes:   []byte{0xC3},
		Defines: []DefinedSymbol{{Name: "F", Offset: 0}},
	})
	var misuse *MisuseError
	if !errors.As(err, &misuse) {
		t.Fatalf("got %v, want MisuseError", err)
	}
}

func TestNonPowerOfTwoAlignment(t *testing.T) {
	b := NewBuilder()
	if _, err := b.AddSection(".text", textChars, 3); err == nil {
		t.Error("AddSection accepted alignment 3")
	}
	idx, _ := b.AddSection(".text", textChars, 16)
	if err := b.AddObjectData(idx, ObjectData{Bytes: []byte{1}, Alignment: 6}); err == nil {
		t.Error("AddObjectData accepted alignment 6")
	}
}

func TestConfigurationAfterLayoutIsFatal(t *testing.T) {
	b := NewBuilder()
	idx, _ := b.AddSection(".text", textChars, 16)
	if err := b.AddObjectData(idx, ObjectData{Bytes: []byte{0xC3}}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Layout(0x1000, 0x1000, 0x1000, 0x200); err != nil {
		t.Fatal(err)
	}

	var misuse *MisuseError
	if _, err := b.AddSection(".data", dataChars, 8); !errors.As(err, &misuse) {
		t.Errorf("AddSection after layout: got %v, want MisuseError", err)
	}
	if err := b.AddObjectData(idx, ObjectData{Bytes: []byte{1}}); !errors.As(err, &misuse) {
		t.Errorf("AddObjectData after layout: got %v, want MisuseError", err)
	}
	if err := b.SetDllName("x.dll"); !errors.As(err, &misuse) {
		t.Errorf("SetDllName after layout: got %v, want MisuseError", err)
	}
	if err := b.AddExportSymbol("X", 1, "F"); !errors.As(err, &misuse) {
		t.Errorf("AddExportSymbol after layout: got %v, want MisuseError", err)
	}
}

func TestInvalidRelocationKindForMachine(t *testing.T) {
	b := NewBuilder() // amd64
	idx, _ := b.AddSection(".data", dataChars, 8)
	err := b.AddObjectData(idx, ObjectData{
		Bytes:       make([]byte, 4),
		Relocations: []Relocation{{Offset: 0, Kind: RelThumbMov32, Target: "F"}},
	})
	var misuse *MisuseError
	if !errors.As(err, &misuse) {
		t.Fatalf("got %v, want MisuseError", err)
	}
}

func TestFindSection(t *testing.T) {
	b := NewBuilder()
	first, _ := b.AddSection(".text", textChars, 16)
	b.AddSection(".data", dataChars, 8)
	b.AddSection(".text", textChars, 16)

	idx, ok := b.FindSection(".text")
	if !ok || idx != first {
		t.Fatalf("FindSection(.text) = %d, %v; want %d, true", idx, ok, first)
	}
	if _, ok := b.FindSection(".missing"); ok {
		t.Error("FindSection found a section that was never added")
	}
}

func TestGetSectionsSyntheticEdata(t *testing.T) {
	b := NewBuilder()
	idx, _ := b.AddSection(".text", textChars, 16)
	b.AddSection(".text", textChars, 16) // folded duplicate
	b.AddObjectData(idx, ObjectData{
		Bytes:   []byte{0xC3},
		Defines: []DefinedSymbol{{Name: "F", Offset: 0}},
	})
	b.AddExportSymbol("F", 1, "F")

	got := b.GetSections()
	if len(got) != 2 {
		t.Fatalf("GetSections = %v, want [.text .edata]", got)
	}
	if got[0].Name != ".text" || got[1].Name != ".edata" {
		t.Fatalf("GetSections order = %v, want [.text .edata]", got)
	}

	// a caller-added .edata suppresses the synthetic one
	b2 := NewBuilder()
	b2.AddSection(".text", textChars, 16)
	b2.AddSection(".edata", dataChars, 4)
	b2.AddExportSymbol("F", 1, "F")
	got2 := b2.GetSections()
	if len(got2) != 2 {
		t.Fatalf("GetSections with caller .edata = %v, want 2 entries", got2)
	}
}
