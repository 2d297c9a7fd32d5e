package linker

import (
	"bytes"
	"testing"
)

func TestSectionFolding(t *testing.T) {
	b := NewBuilder()
	first, _ := b.AddSection(".text", textChars, 16)
	data, _ := b.AddSection(".data", dataChars, 8)
	second, _ := b.AddSection(".text", textChars, 16)

	if err := b.AddObjectData(first, ObjectData{Bytes: bytes.Repeat([]byte{0xAA}, 10)}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddObjectData(second, ObjectData{Bytes: bytes.Repeat([]byte{0xBB}, 4)}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddObjectData(data, ObjectData{Bytes: bytes.Repeat([]byte{0xCC}, 8)}); err != nil {
		t.Fatal(err)
	}

	blob, err := b.Layout(0x1000, 0x1000, 0x1000, 0x200)
	if err != nil {
		t.Fatal(err)
	}

	// one physical .text, one physical .data
	if len(b.physical) != 2 {
		t.Fatalf("physical sections = %d, want 2", len(b.physical))
	}
	text, dataPhys := b.physical[0], b.physical[1]
	if text.Name != ".text" || dataPhys.Name != ".data" {
		t.Fatalf("physical order = %s, %s; want .text, .data", text.Name, dataPhys.Name)
	}
	if text.RVA != 0x1000 {
		t.Errorf(".text RVA = %#x, want 0x1000", text.RVA)
	}
	if dataPhys.RVA != 0x2000 {
		t.Errorf(".data RVA = %#x, want 0x2000", dataPhys.RVA)
	}

	// second .text member starts on its combining alignment
	sec2 := b.sections[second]
	if sec2.RVAWhenPlaced != 0x1010 {
		t.Errorf("second .text member RVA = %#x, want 0x1010", sec2.RVAWhenPlaced)
	}
	if text.Size != 0x14 {
		t.Errorf(".text physical size = %#x, want 0x14", text.Size)
	}

	// insertion order with alignment padding between members
	if !bytes.Equal(blob[0:10], bytes.Repeat([]byte{0xAA}, 10)) {
		t.Error("first member bytes misplaced")
	}
	if !bytes.Equal(blob[10:16], make([]byte, 6)) {
		t.Error("combining-alignment padding not zeroed")
	}
	if !bytes.Equal(blob[16:20], bytes.Repeat([]byte{0xBB}, 4)) {
		t.Error("second member bytes misplaced")
	}

	// .data starts at its file position relative to the blob start
	dataStart := dataPhys.FilePos - 0x1000
	if !bytes.Equal(blob[dataStart:dataStart+8], bytes.Repeat([]byte{0xCC}, 8)) {
		t.Error(".data bytes misplaced")
	}
}

func TestLayoutPlacesCrossSectionRVAs(t *testing.T) {
	b := NewBuilder()
	text, _ := b.AddSection(".text", textChars, 4)
	data, _ := b.AddSection(".data", dataChars, 8)

	if err := b.AddObjectData(text, ObjectData{
		Bytes:     make([]byte, 16),
		Alignment: 4,
		Defines:   []DefinedSymbol{{Name: "F", Offset: 0}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddObjectData(data, ObjectData{
		Bytes:       make([]byte, 8),
		Alignment:   8,
		Relocations: []Relocation{{Offset: 0, Kind: RelDir64, Target: "F"}},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Layout(0x1000, 0x1000, 0x1000, 0x1000); err != nil {
		t.Fatal(err)
	}

	if got := b.sections[text].RVAWhenPlaced; got != 0x1000 {
		t.Errorf(".text RVA = %#x, want 0x1000", got)
	}
	if got := b.sections[data].RVAWhenPlaced; got != 0x2000 {
		t.Errorf(".data RVA = %#x, want 0x2000", got)
	}

	rva, err := b.resolveTargetRVA("F")
	if err != nil {
		t.Fatal(err)
	}
	if rva != 0x1000 {
		t.Errorf("resolved F = %#x, want 0x1000", rva)
	}
}
