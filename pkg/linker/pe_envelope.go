package linker

import (
	"debug/pe"
	"encoding/binary"
	"time"

	"github.com/r2rgen/peimage/pkg/pecoff"
)

// dosStubSize is the size of the minimal MS-DOS stub emitted ahead of
// the PE header — just enough for loaders that sniff e_lfanew, with no
// real 16-bit stub program behind it.
const dosStubSize = 0x80

const peHeaderOffset = dosStubSize

// optionalHeaderSize is the value of SizeOfOptionalHeader: the fixed
// PE32/PE32+ fields plus the sixteen 8-byte data directory entries that
// the field counts as part of the optional header.
func optionalHeaderSize(is64 bool) int {
	if is64 {
		return 112 + pecoff.NumDataDirectories*8
	}
	return 96 + pecoff.NumDataDirectories*8
}

// EncodeEnvelope builds the DOS stub, COFF signature and FileHeader,
// optional header, data directories, and section table — everything
// that precedes the first physical section's bytes. Layout must have
// run first: the section table emits one header per folded physical
// section.
//
// sizeOfHeaders is the caller's chosen fileAlignment-rounded size of
// everything this function returns; sectionAlignment and fileAlignment
// are the same values passed to Layout.
func (b *Builder) EncodeEnvelope(sizeOfHeaders, sizeOfImage, sectionAlignment, fileAlignment uint64, directories [16]pecoff.DataDirectoryValue) ([]byte, error) {
	is64 := b.Args.Machine.Is64Bit()

	var entryPointRVA uint32
	if b.Args.EntryPointSymbol != "" {
		rva, err := b.resolveTargetRVA(b.Args.EntryPointSymbol)
		if err != nil {
			return nil, err
		}
		entryPointRVA = uint32(rva)
	}

	var buf []byte
	buf = append(buf, make([]byte, dosStubSize)...)
	binary.LittleEndian.PutUint16(buf[0:2], 0x5A4D) // "MZ"
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], uint32(peHeaderOffset))

	buf = append(buf, 'P', 'E', 0, 0)

	fh := pe.FileHeader{
		Machine:              uint16(b.Args.Machine),
		NumberOfSections:     uint16(len(b.physical)),
		SizeOfOptionalHeader: uint16(optionalHeaderSize(is64)),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_DLL,
	}
	if !is64 {
		fh.Characteristics |= pe.IMAGE_FILE_32BIT_MACHINE
	}
	if !b.Args.DeterministicTimestamps {
		fh.TimeDateStamp = uint32(time.Now().Unix())
	}

	buf = binary.LittleEndian.AppendUint16(buf, fh.Machine)
	buf = binary.LittleEndian.AppendUint16(buf, fh.NumberOfSections)
	buf = binary.LittleEndian.AppendUint32(buf, fh.TimeDateStamp)
	buf = binary.LittleEndian.AppendUint32(buf, fh.PointerToSymbolTable)
	buf = binary.LittleEndian.AppendUint32(buf, fh.NumberOfSymbols)
	buf = binary.LittleEndian.AppendUint16(buf, fh.SizeOfOptionalHeader)
	buf = binary.LittleEndian.AppendUint16(buf, fh.Characteristics)

	sizeOfCode, sizeOfInitData, sizeOfUninitData := sectionTotals(b.physical)
	baseOfCode := firstCodeRVA(b.physical)

	magic := uint16(0x10b)
	if is64 {
		magic = 0x20b
	}
	buf = binary.LittleEndian.AppendUint16(buf, magic)
	buf = append(buf, 0, 0) // MajorLinkerVersion, MinorLinkerVersion
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sizeOfCode))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sizeOfInitData))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sizeOfUninitData))
	buf = binary.LittleEndian.AppendUint32(buf, entryPointRVA)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(baseOfCode))
	if !is64 {
		buf = binary.LittleEndian.AppendUint32(buf, 0) // BaseOfData, PE32 only
		buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Args.ImageBase))
	} else {
		buf = binary.LittleEndian.AppendUint64(buf, b.Args.ImageBase)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sectionAlignment))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fileAlignment))
	buf = binary.LittleEndian.AppendUint16(buf, 6) // MajorOperatingSystemVersion
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = binary.LittleEndian.AppendUint16(buf, 0) // MajorImageVersion
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = binary.LittleEndian.AppendUint16(buf, 6) // MajorSubsystemVersion
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // Win32VersionValue
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sizeOfImage))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sizeOfHeaders))
	buf = binary.LittleEndian.AppendUint32(buf, 0) // CheckSum
	buf = binary.LittleEndian.AppendUint16(buf, uint16(pe.IMAGE_SUBSYSTEM_WINDOWS_CUI))
	buf = binary.LittleEndian.AppendUint16(buf, 0) // DllCharacteristics
	if !is64 {
		buf = binary.LittleEndian.AppendUint32(buf, 0x100000) // SizeOfStackReserve
		buf = binary.LittleEndian.AppendUint32(buf, 0x1000)   // SizeOfStackCommit
		buf = binary.LittleEndian.AppendUint32(buf, 0x100000) // SizeOfHeapReserve
		buf = binary.LittleEndian.AppendUint32(buf, 0x1000)   // SizeOfHeapCommit
	} else {
		buf = binary.LittleEndian.AppendUint64(buf, 0x100000)
		buf = binary.LittleEndian.AppendUint64(buf, 0x1000)
		buf = binary.LittleEndian.AppendUint64(buf, 0x100000)
		buf = binary.LittleEndian.AppendUint64(buf, 0x1000)
	}
	buf = binary.LittleEndian.AppendUint32(buf, 0) // LoaderFlags
	// NumberOfRvaAndSizes
	buf = binary.LittleEndian.AppendUint32(buf, pecoff.NumDataDirectories)

	for _, d := range directories {
		buf = binary.LittleEndian.AppendUint32(buf, d.VirtualAddress)
		buf = binary.LittleEndian.AppendUint32(buf, d.Size)
	}

	for i := range b.physical {
		buf = append(buf, sectionHeaderBytes(&b.physical[i])...)
	}

	if uint64(len(buf)) > sizeOfHeaders {
		return nil, &FormatOverflowError{Reason: "PE header and section table exceed the reserved header region"}
	}
	buf = append(buf, make([]byte, sizeOfHeaders-uint64(len(buf)))...)

	return buf, nil
}

func sectionTotals(sections []PhysicalSection) (code, initData, uninitData uint64) {
	for _, s := range sections {
		switch {
		case s.Characteristics&pecoff.SectionCode != 0:
			code += s.Size
		case s.Characteristics&pecoff.SectionUninitializedData != 0:
			uninitData += s.Size
		default:
			initData += s.Size
		}
	}
	return
}

func firstCodeRVA(sections []PhysicalSection) uint64 {
	for _, s := range sections {
		if s.Characteristics&pecoff.SectionCode != 0 {
			return s.RVA
		}
	}
	if len(sections) > 0 {
		return sections[0].RVA
	}
	return 0
}

// sectionHeaderBytes encodes one IMAGE_SECTION_HEADER. Names longer
// than 8 bytes would require the COFF string table this module never
// emits, so longer names are truncated — every name this module itself
// generates fits in 8.
func sectionHeaderBytes(s *PhysicalSection) []byte {
	var name [8]byte
	copy(name[:], s.Name)

	buf := make([]byte, 0, 40)
	buf = append(buf, name[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Size))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.RVA))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Size))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.FilePos))
	buf = binary.LittleEndian.AppendUint32(buf, 0) // PointerToRelocations — COFF relocs, not .reloc
	buf = binary.LittleEndian.AppendUint32(buf, 0) // PointerToLineNumbers
	buf = binary.LittleEndian.AppendUint16(buf, 0) // NumberOfRelocations
	buf = binary.LittleEndian.AppendUint16(buf, 0) // NumberOfLineNumbers
	buf = binary.LittleEndian.AppendUint32(buf, s.Characteristics)
	return buf
}
