package linker

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"testing"

	"github.com/r2rgen/peimage/pkg/pecoff"
)

func buildFullImage(t *testing.T) (*Builder, []byte) {
	t.Helper()
	b := NewBuilder()
	b.Args.ImageBase = 0x140000000
	b.SetDllName("sample.dll")

	text, _ := b.AddSection(".text", textChars, 16)
	data, _ := b.AddSection(".data", dataChars, 8)

	if err := b.AddObjectData(text, ObjectData{
		Bytes:     append([]byte{0xC3}, make([]byte, 15)...),
		Alignment: 16,
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
	b.SetEntryPoint("F")
	b.AddExportSymbol("Func", 1, "F")

	res, err := b.Finish(0x1000, 0x200)
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := b.RelocateOutputFile(bytes.NewReader(res.Image), &out); err != nil {
		t.Fatal(err)
	}
	return b, out.Bytes()
}

func TestFinishProducesParsablePE(t *testing.T) {
	_, image := buildFullImage(t)

	f, err := pe.NewFile(bytes.NewReader(image))
	if err != nil {
		t.Fatalf("debug/pe rejected the image: %v", err)
	}
	defer f.Close()

	if f.Machine != pe.IMAGE_FILE_MACHINE_AMD64 {
		t.Errorf("machine = %#x, want amd64", f.Machine)
	}

	wantSections := []string{".text", ".data", ".reloc", ".edata"}
	if len(f.Sections) != len(wantSections) {
		t.Fatalf("section count = %d, want %d", len(f.Sections), len(wantSections))
	}
	for i, want := range wantSections {
		if f.Sections[i].Name != want {
			t.Errorf("section %d = %s, want %s", i, f.Sections[i].Name, want)
		}
	}

	oh, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		t.Fatal("optional header is not PE32+")
	}
	if oh.ImageBase != 0x140000000 {
		t.Errorf("image base = %#x, want 0x140000000", oh.ImageBase)
	}
	if oh.AddressOfEntryPoint == 0 {
		t.Error("entry point RVA not set")
	}
	if oh.DataDirectory[pecoff.DirectoryExport].VirtualAddress == 0 {
		t.Error("export directory not wired")
	}
	if oh.DataDirectory[pecoff.DirectoryBaseReloc].VirtualAddress == 0 {
		t.Error("base relocation directory not wired")
	}
}

func TestFinishPatchesCrossSectionReference(t *testing.T) {
	b, image := buildFullImage(t)

	dataSec := b.sections[1]
	got := binary.LittleEndian.Uint64(image[dataSec.FilePosWhenPlaced:])
	want := 0x140000000 + b.sections[0].RVAWhenPlaced
	if got != want {
		t.Fatalf("patched DIR64 = %#x, want %#x", got, want)
	}
}

func TestFinishWiresCorHeader(t *testing.T) {
	b := NewBuilder()
	text, _ := b.AddSection(".text", textChars, 16)
	rdata, _ := b.AddSection(".rdata", dataChars, 8)

	if err := b.AddObjectData(text, ObjectData{
		Bytes:   []byte{0xC3},
		Defines: []DefinedSymbol{{Name: "F", Offset: 0}},
	}); err != nil {
		t.Fatal(err)
	}
	// placeholder region for the COR header plus the R2R header blob
	if err := b.AddObjectData(rdata, ObjectData{
		Bytes:     make([]byte, pecoff.CorHeaderSize+0x28),
		Alignment: 8,
		Defines: []DefinedSymbol{
			{Name: "cor_header", Offset: 0},
			{Name: "r2r_header", Offset: uint32(pecoff.CorHeaderSize)},
		},
	}); err != nil {
		t.Fatal(err)
	}

	cor := &pecoff.CorHeader{
		Cb:                  uint32(pecoff.CorHeaderSize),
		MajorRuntimeVersion: 2,
		MinorRuntimeVersion: 5,
		Flags:               pecoff.ComImageFlagsILOnly,
	}
	if err := b.SetCorHeader("cor_header", cor); err != nil {
		t.Fatal(err)
	}
	if err := b.SetReadyToRunHeader("r2r_header", 0x28); err != nil {
		t.Fatal(err)
	}

	res, err := b.Finish(0x1000, 0x200)
	if err != nil {
		t.Fatal(err)
	}

	rdataSec := b.sections[rdata]
	decoded := pecoff.ReadCorHeader(res.Image[rdataSec.FilePosWhenPlaced:])
	if decoded.Flags&pecoff.ComImageFlagsILOnly != 0 {
		t.Error("ILOnly still set in emitted COR header")
	}
	if decoded.Flags&pecoff.ComImageFlagsILLibrary == 0 {
		t.Error("ILLibrary not set in emitted COR header")
	}
	wantR2R := rdataSec.RVAWhenPlaced + uint64(pecoff.CorHeaderSize)
	if uint64(decoded.ManagedNativeHeaderDirectory.VirtualAddress) != wantR2R {
		t.Errorf("managed native header RVA = %#x, want %#x",
			decoded.ManagedNativeHeaderDirectory.VirtualAddress, wantR2R)
	}
	if decoded.ManagedNativeHeaderDirectory.Size != 0x28 {
		t.Errorf("managed native header size = %#x, want 0x28",
			decoded.ManagedNativeHeaderDirectory.Size)
	}

	// COM descriptor directory points back at the header
	f, err := pe.NewFile(bytes.NewReader(res.Image))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	oh := f.OptionalHeader.(*pe.OptionalHeader64)
	comDir := oh.DataDirectory[pecoff.DirectoryComDescriptor]
	if uint64(comDir.VirtualAddress) != rdataSec.RVAWhenPlaced {
		t.Errorf("COM descriptor RVA = %#x, want %#x", comDir.VirtualAddress, rdataSec.RVAWhenPlaced)
	}
	if comDir.Size != uint32(pecoff.CorHeaderSize) {
		t.Errorf("COM descriptor size = %d, want %d", comDir.Size, pecoff.CorHeaderSize)
	}
}

func TestEmitFile(t *testing.T) {
	b := NewBuilder()
	b.Args.ImageBase = 0x140000000
	text, _ := b.AddSection(".text", textChars, 16)
	data, _ := b.AddSection(".data", dataChars, 8)
	b.AddObjectData(text, ObjectData{
		Bytes:   []byte{0xC3},
		Defines: []DefinedSymbol{{Name: "F", Offset: 0}},
	})
	b.AddObjectData(data, ObjectData{
		Bytes:       make([]byte, 8),
		Relocations: []Relocation{{Offset: 0, Kind: RelDir64, Target: "F"}},
	})

	res, err := b.Finish(0x1000, 0x200)
	if err != nil {
		t.Fatal(err)
	}

	path := t.TempDir() + "/out.dll"
	if err := b.EmitFile(path, res); err != nil {
		t.Fatal(err)
	}

	f, err := pe.Open(path)
	if err != nil {
		t.Fatalf("emitted file does not parse: %v", err)
	}
	f.Close()
}
