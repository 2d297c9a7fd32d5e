package linker

import (
	"github.com/r2rgen/peimage/pkg/pecoff"
	"github.com/r2rgen/peimage/pkg/utils"
)

// BuildResult is everything Finish hands back: the complete image bytes
// (headers through every section, unpatched) and the relocation sites a
// caller drives through RelocateOutputFile or PatchInPlace afterwards.
type BuildResult struct {
	Image []byte
	Sites []RelocationSite
}

// Finish drives the whole emission pipeline: lay out the caller's
// sections, materialize .reloc and .edata as synthetic tail sections,
// wire the base-relocation/export/entry-point/managed-native-header
// directory entries, and assemble the final envelope. .reloc and .edata
// come last because they reference the placements of every earlier
// section.
func (b *Builder) Finish(sectionAlignment, fileAlignment uint64) (*BuildResult, error) {
	if err := b.requireConfiguring("Finish"); err != nil {
		return nil, err
	}

	extraSections := 0
	if b.hasRelocatableEntries() {
		extraSections++
	}
	if len(b.exports) > 0 {
		extraSections++
	}
	headerSize := utils.AlignTo(b.estimateHeaderSize(len(b.orderedNames())+extraSections), fileAlignment)

	body, err := b.Layout(headerSize, headerSize, sectionAlignment, fileAlignment)
	if err != nil {
		return nil, err
	}
	curRVA, curFile := b.endRVA, b.endFileOffset

	relocBytes, err := b.EncodeRelocSection()
	if err != nil {
		return nil, err
	}
	var relocSec *Section
	if len(relocBytes) > 0 {
		relocSec, body, curRVA, curFile = b.placeTailSection(".reloc",
			pecoff.SectionInitializedData|pecoff.SectionMemDiscardable|pecoff.SectionMemRead,
			4, relocBytes, body, curRVA, curFile, sectionAlignment, fileAlignment)
	}

	var exportSec *Section
	if len(b.exports) > 0 {
		sizingPass, err := b.EncodeExportSection(0)
		if err != nil {
			return nil, err
		}
		exportSec, body, curRVA, curFile = b.placeTailSection(".edata",
			pecoff.SectionInitializedData|pecoff.SectionMemRead,
			4, sizingPass, body, curRVA, curFile, sectionAlignment, fileAlignment)

		finalPass, err := b.EncodeExportSection(exportSec.RVAWhenPlaced)
		if err != nil {
			return nil, err
		}
		if len(finalPass) != len(sizingPass) {
			return nil, &MisuseError{Reason: "export directory size changed between sizing and final pass"}
		}
		copy(body[exportSec.FilePosWhenPlaced-headerSize:], finalPass)
		exportSec.Bytes = finalPass
	}

	directories, err := b.buildDirectories(body, headerSize, relocSec, exportSec)
	if err != nil {
		return nil, err
	}

	sizeOfImage := utils.AlignTo(curRVA, sectionAlignment)

	header, err := b.EncodeEnvelope(headerSize, sizeOfImage, sectionAlignment, fileAlignment, directories)
	if err != nil {
		return nil, err
	}

	image := append(header, body...)

	b.st = stateSealed
	sites, err := b.collectRelocationSites()
	if err != nil {
		return nil, err
	}

	return &BuildResult{Image: image, Sites: sites}, nil
}

// hasRelocatableEntries reports whether any recorded relocation needs a
// .reloc entry, so Finish can reserve a section-table slot for .reloc
// in its up-front header-size computation rather than growing the
// header once EncodeRelocSection actually runs.
func (b *Builder) hasRelocatableEntries() bool {
	for _, sec := range b.sections {
		for _, block := range sec.PendingRelocs {
			for _, r := range block.Relocs {
				if NeedsBaseRelocEntry(r.Kind) {
					return true
				}
			}
		}
	}
	return false
}

// placeTailSection appends a synthetic section (.reloc or .edata) after
// every caller-defined section, following the same alignment rule
// Layout applies between named groups, and records it in both the
// logical and physical section lists so later passes (directory wiring,
// envelope section table) see it like any other section.
func (b *Builder) placeTailSection(name string, characteristics uint32, alignment uint64, data []byte, body []byte, curRVA, curFile, sectionAlignment, fileAlignment uint64) (*Section, []byte, uint64, uint64) {
	sec := newSection(name, characteristics, alignment)
	sec.Bytes = data

	baseRVA := utils.AlignTo(curRVA, sectionAlignment)
	baseFile := utils.AlignTo(curFile, fileAlignment)
	body = append(body, make([]byte, baseFile-curFile)...)

	sec.RVAWhenPlaced = baseRVA
	sec.FilePosWhenPlaced = baseFile
	body = append(body, sec.Bytes...)

	b.sections = append(b.sections, sec)
	b.physical = append(b.physical, PhysicalSection{
		Name:            name,
		Characteristics: characteristics,
		RVA:             baseRVA,
		FilePos:         baseFile,
		Size:            sec.Size(),
	})

	newRVA := baseRVA + sec.Size()
	newFile := baseFile + sec.Size()
	return sec, body, newRVA, newFile
}

// estimateHeaderSize returns the DOS stub + COFF header + optional
// header + one section header per physical section — the region
// EncodeEnvelope fills and that every section's placement is computed
// relative to. numSections must count .reloc/.edata even though they do
// not exist as Sections yet when Finish calls this, which is why Finish
// computes it before Layout rather than after.
func (b *Builder) estimateHeaderSize(numSections int) uint64 {
	fixed := uint64(dosStubSize) + 4 /* "PE\0\0" */ + 20 /* FileHeader */ + uint64(optionalHeaderSize(b.Args.Machine.Is64Bit()))
	return fixed + uint64(numSections)*40
}

// buildDirectories wires the base-relocation and export directory
// entries, fills the managed-native-header directory inside the COR
// header if one was installed, re-serializes the COR header, and
// patches it back into body at its symbol's final location so the COM
// descriptor directory entry and the header it points at agree.
func (b *Builder) buildDirectories(body []byte, startFileOffset uint64, relocSec, exportSec *Section) ([16]pecoff.DataDirectoryValue, error) {
	var dirs [16]pecoff.DataDirectoryValue

	if exportSec != nil {
		dirs[pecoff.DirectoryExport] = pecoff.DataDirectoryValue{
			VirtualAddress: uint32(exportSec.RVAWhenPlaced),
			Size:           uint32(exportSec.Size()),
		}
	}
	if relocSec != nil {
		dirs[pecoff.DirectoryBaseReloc] = pecoff.DataDirectoryValue{
			VirtualAddress: uint32(relocSec.RVAWhenPlaced),
			Size:           uint32(relocSec.Size()),
		}
	}

	if b.corHeader == nil {
		return dirs, nil
	}

	target, err := b.symbols.Resolve(b.corHeaderSymbol)
	if err != nil {
		return dirs, err
	}
	sec, err := b.section(target.Section)
	if err != nil {
		return dirs, err
	}
	corRVA := sec.RVAWhenPlaced + uint64(target.Offset)
	corFileOffset := sec.FilePosWhenPlaced + uint64(target.Offset) - startFileOffset

	b.corHeader.SetReadyToRun()
	if b.Args.ReadyToRunSymbol != "" {
		rva, err := b.resolveTargetRVA(b.Args.ReadyToRunSymbol)
		if err != nil {
			return dirs, err
		}
		b.corHeader.ManagedNativeHeaderDirectory = pecoff.DataDirectoryValue{
			VirtualAddress: uint32(rva),
			Size:           b.Args.ReadyToRunSize,
		}
	}

	encoded := pecoff.AppendCorHeader(nil, *b.corHeader)
	if corFileOffset+uint64(len(encoded)) > uint64(len(body)) {
		return dirs, &FormatOverflowError{Reason: "COR header placeholder falls outside the output buffer"}
	}
	copy(body[corFileOffset:], encoded)

	dirs[pecoff.DirectoryComDescriptor] = pecoff.DataDirectoryValue{
		VirtualAddress: uint32(corRVA),
		Size:           uint32(pecoff.CorHeaderSize),
	}

	return dirs, nil
}
