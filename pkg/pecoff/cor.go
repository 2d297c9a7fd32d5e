package pecoff

import (
	"encoding/binary"
	"unsafe"
)

// COR header (CLR header) flags. Ready-to-run images clear ILOnly and
// set ILLibrary — see CorHeader.SetReadyToRun.
const (
	ComImageFlagsILOnly           uint32 = 0x00000001
	ComImageFlags32BitRequired    uint32 = 0x00000002
	ComImageFlagsILLibrary        uint32 = 0x00000004
	ComImageFlagsStrongNameSigned uint32 = 0x00000008
)

// CorHeader is the 72-byte IMAGE_COR20_HEADER: the fixed
// cb/version/flags/entry-point fields followed by the CLR directory
// entries. Field order matches the on-disk layout exactly, so
// serializing with AppendCorHeader and re-reading with ReadCorHeader
// round-trips byte for byte.
type CorHeader struct {
	Cb                  uint32
	MajorRuntimeVersion uint16
	MinorRuntimeVersion uint16

	MetadataDirectory    DataDirectoryValue
	Flags                uint32
	EntryPointTokenOrRVA uint32

	ResourcesDirectory               DataDirectoryValue
	StrongNameSignatureDirectory     DataDirectoryValue
	CodeManagerTableDirectory        DataDirectoryValue
	VTableFixupsDirectory            DataDirectoryValue
	ExportAddressTableJumpsDirectory DataDirectoryValue
	ManagedNativeHeaderDirectory     DataDirectoryValue
}

// DataDirectoryValue mirrors debug/pe.DataDirectory's layout; defined
// locally because the CLR header's directories are a distinct table
// from the PE optional header's sixteen.
type DataDirectoryValue struct {
	VirtualAddress uint32
	Size           uint32
}

const CorHeaderSize = int(unsafe.Sizeof(CorHeader{}))

// SetReadyToRun clears COMIMAGE_FLAGS_ILONLY and sets
// COMIMAGE_FLAGS_IL_LIBRARY, the flag pattern a ready-to-run image
// carries.
func (h *CorHeader) SetReadyToRun() {
	h.Flags &^= ComImageFlagsILOnly
	h.Flags |= ComImageFlagsILLibrary
}

func appendDataDirectoryValue(buf []byte, d DataDirectoryValue) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, d.VirtualAddress)
	buf = binary.LittleEndian.AppendUint32(buf, d.Size)
	return buf
}

func readDataDirectoryValue(content []byte) DataDirectoryValue {
	return DataDirectoryValue{
		VirtualAddress: binary.LittleEndian.Uint32(content[0:]),
		Size:           binary.LittleEndian.Uint32(content[4:]),
	}
}

// AppendCorHeader appends the wire encoding of h to buf field by field,
// pinned to little-endian the same way AppendExportDirectory is.
func AppendCorHeader(buf []byte, h CorHeader) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, h.Cb)
	buf = binary.LittleEndian.AppendUint16(buf, h.MajorRuntimeVersion)
	buf = binary.LittleEndian.AppendUint16(buf, h.MinorRuntimeVersion)
	buf = appendDataDirectoryValue(buf, h.MetadataDirectory)
	buf = binary.LittleEndian.AppendUint32(buf, h.Flags)
	buf = binary.LittleEndian.AppendUint32(buf, h.EntryPointTokenOrRVA)
	buf = appendDataDirectoryValue(buf, h.ResourcesDirectory)
	buf = appendDataDirectoryValue(buf, h.StrongNameSignatureDirectory)
	buf = appendDataDirectoryValue(buf, h.CodeManagerTableDirectory)
	buf = appendDataDirectoryValue(buf, h.VTableFixupsDirectory)
	buf = appendDataDirectoryValue(buf, h.ExportAddressTableJumpsDirectory)
	buf = appendDataDirectoryValue(buf, h.ManagedNativeHeaderDirectory)
	return buf
}

// ReadCorHeader decodes the 72-byte COR header at the start of content.
func ReadCorHeader(content []byte) CorHeader {
	var h CorHeader
	h.Cb = binary.LittleEndian.Uint32(content[0:])
	h.MajorRuntimeVersion = binary.LittleEndian.Uint16(content[4:])
	h.MinorRuntimeVersion = binary.LittleEndian.Uint16(content[6:])
	h.MetadataDirectory = readDataDirectoryValue(content[8:])
	h.Flags = binary.LittleEndian.Uint32(content[16:])
	h.EntryPointTokenOrRVA = binary.LittleEndian.Uint32(content[20:])
	h.ResourcesDirectory = readDataDirectoryValue(content[24:])
	h.StrongNameSignatureDirectory = readDataDirectoryValue(content[32:])
	h.CodeManagerTableDirectory = readDataDirectoryValue(content[40:])
	h.VTableFixupsDirectory = readDataDirectoryValue(content[48:])
	h.ExportAddressTableJumpsDirectory = readDataDirectoryValue(content[56:])
	h.ManagedNativeHeaderDirectory = readDataDirectoryValue(content[64:])
	return h
}
