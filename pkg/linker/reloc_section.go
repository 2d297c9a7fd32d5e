package linker

import (
	"encoding/binary"
	"sort"

	"github.com/r2rgen/peimage/pkg/pecoff"
)

const relocBlockPageMask = ^uint64(0xFFF) // aligns a base RVA down to 4096

// EncodeRelocSection builds the .reloc stream: every section's recorded
// relocations in ascending placement order, mapped to their file
// relocation type, with IMAGE_REL_BASED_ABSOLUTE entries elided and the
// rest bucketed into 4 KiB-aligned blocks of 16-bit entries.
//
// Sections must already be placed; encoding before layout is reported
// rather than silently mis-laid out.
func (b *Builder) EncodeRelocSection() ([]byte, error) {
	sections := b.orderedPlacedSections()

	var buf []byte
	var blockBase uint64
	var entries []uint16
	haveBlock := false

	flush := func() {
		if !haveBlock {
			return
		}
		header := pecoff.BaseRelocationBlockHeader{
			VirtualAddress: uint32(blockBase),
			SizeOfBlock:    uint32(pecoff.BaseRelocBlockHeaderSize + 2*len(entries)),
		}
		buf = binary.LittleEndian.AppendUint32(buf, header.VirtualAddress)
		buf = binary.LittleEndian.AppendUint32(buf, header.SizeOfBlock)
		for _, e := range entries {
			buf = binary.LittleEndian.AppendUint16(buf, e)
		}
		entries = entries[:0]
		haveBlock = false
	}

	for _, sec := range sections {
		if sec.RVAWhenPlaced == 0 && sec.Size() != 0 {
			return nil, &MisuseError{Reason: ".reloc encoded before section " + sec.Name + " was laid out"}
		}
		for _, block := range sec.PendingRelocs {
			for _, reloc := range block.Relocs {
				if !NeedsBaseRelocEntry(reloc.Kind) {
					continue
				}
				siteRVA := sec.RVAWhenPlaced + uint64(block.Offset) + uint64(reloc.Offset)

				if !haveBlock || siteRVA > blockBase+0xFFF {
					flush()
					blockBase = siteRVA & relocBlockPageMask
					haveBlock = true
				}

				offset12 := uint16(siteRVA - blockBase)
				entries = append(entries, (uint16(FileRelocationKind(reloc.Kind))<<12)|offset12)
			}
		}
	}
	flush()

	return buf, nil
}

// orderedPlacedSections returns every logical Section sorted by
// RVAWhenPlaced ascending, the iteration order both .reloc encoding and
// patching require.
func (b *Builder) orderedPlacedSections() []*Section {
	out := make([]*Section, len(b.sections))
	copy(out, b.sections)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RVAWhenPlaced < out[j].RVAWhenPlaced
	})
	return out
}
