package linker

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/r2rgen/peimage/pkg/pecoff"
)

// ExportSymbol is one entry the caller registered via AddExportSymbol:
// a public name, the ordinal it is exported under, and the internal
// symbol it resolves to.
type ExportSymbol struct {
	Name    string
	Ordinal uint16
	Symbol  string
}

// EncodeExportSection builds the complete .edata payload: export
// directory, DLL name string, address table, name pointer table,
// ordinal table, and the name string blob. edataRVA is the RVA .edata
// itself will be placed at; the directory and its tables are
// self-relative to the section, so the encoding is run twice — once at
// RVA zero for sizing, once at the final RVA.
//
// Exports are sorted by byte-wise ordinal name comparison. That sort
// fixes the order of the name blob, the name pointer table, and the
// ordinal table; the address table is indexed by ordinal instead.
func (b *Builder) EncodeExportSection(edataRVA uint64) ([]byte, error) {
	if len(b.exports) == 0 {
		return nil, nil
	}

	exports := make([]ExportSymbol, len(b.exports))
	copy(exports, b.exports)
	sort.SliceStable(exports, func(i, j int) bool {
		return exports[i].Name < exports[j].Name
	})

	minOrdinal, maxOrdinal := exports[0].Ordinal, exports[0].Ordinal
	for _, e := range exports {
		if e.Ordinal < minOrdinal {
			minOrdinal = e.Ordinal
		}
		if e.Ordinal > maxOrdinal {
			maxOrdinal = e.Ordinal
		}
	}
	addressCount := uint32(maxOrdinal-minOrdinal) + 1
	if addressCount > 4096 {
		return nil, &FormatOverflowError{Reason: "export ordinal range exceeds the address table limit"}
	}

	targets := make([]uint64, len(exports))
	for i, e := range exports {
		t, err := b.symbols.Resolve(e.Symbol)
		if err != nil {
			return nil, err
		}
		sec, err := b.section(t.Section)
		if err != nil {
			return nil, err
		}
		targets[i] = sec.RVAWhenPlaced + uint64(t.Offset)
	}

	dllNameBytes := append([]byte(b.Args.DllName), 0)

	var nameBlob []byte
	nameOffsets := make([]uint32, len(exports))
	for i, e := range exports {
		nameOffsets[i] = uint32(len(nameBlob))
		nameBlob = append(nameBlob, []byte(e.Name)...)
		nameBlob = append(nameBlob, 0)
	}

	dir := pecoff.ExportDirectory{
		OrdinalBase:          uint32(minOrdinal),
		AddressTableEntries:  addressCount,
		NumberOfNamePointers: uint32(len(exports)),
	}
	if !b.Args.DeterministicTimestamps {
		dir.TimeDateStamp = uint32(time.Now().Unix())
	}

	headerSize := uint64(pecoff.ExportDirectorySize)
	dllNameOffset := headerSize
	addressTableOffset := dllNameOffset + uint64(len(dllNameBytes))
	namePointerTableOffset := addressTableOffset + uint64(addressCount)*4
	ordinalTableOffset := namePointerTableOffset + uint64(len(exports))*4
	nameBlobOffset := ordinalTableOffset + uint64(len(exports))*2

	dir.NameRVA = uint32(edataRVA + dllNameOffset)
	dir.AddressTableRVA = uint32(edataRVA + addressTableOffset)
	dir.NamePointerTableRVA = uint32(edataRVA + namePointerTableOffset)
	dir.OrdinalTableRVA = uint32(edataRVA + ordinalTableOffset)

	var buf []byte
	buf = pecoff.AppendExportDirectory(buf, dir)
	buf = append(buf, dllNameBytes...)

	addressTable := make([]uint32, addressCount)
	for i, e := range exports {
		addressTable[e.Ordinal-minOrdinal] = uint32(targets[i])
	}
	for _, a := range addressTable {
		buf = binary.LittleEndian.AppendUint32(buf, a)
	}

	for i := range exports {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(edataRVA+nameBlobOffset)+nameOffsets[i])
	}

	for _, e := range exports {
		buf = binary.LittleEndian.AppendUint16(buf, e.Ordinal-minOrdinal)
	}

	buf = append(buf, nameBlob...)

	return buf, nil
}
