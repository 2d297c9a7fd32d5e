package linker

import "github.com/r2rgen/peimage/pkg/utils"

// PhysicalSection is one row of the output section table: the folded
// result of every logical section sharing a name, placed at a final RVA
// and file position. The envelope writer emits exactly one
// IMAGE_SECTION_HEADER per PhysicalSection.
type PhysicalSection struct {
	Name            string
	Characteristics uint32
	RVA             uint64
	FilePos         uint64
	Size            uint64
}

// orderedNames returns distinct section names in first-appearance
// order, the enumeration order both GetSections and Layout use.
func (b *Builder) orderedNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range b.sections {
		if !seen[s.Name] {
			seen[s.Name] = true
			names = append(names, s.Name)
		}
	}
	return names
}

func (b *Builder) sectionsNamed(name string) []*Section {
	var out []*Section
	for _, s := range b.sections {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Layout places every section: same-named logical sections fold into
// one physical section in insertion order, each padded up to its own
// combining alignment before its bytes are appended, and each physical
// section starts on the given section/file alignment boundaries.
//
// startRVA and startFileOffset are where the first physical section
// begins — immediately after the PE headers and section table, already
// aligned by the caller. Layout returns the concatenated bytes of every
// physical section in placement order (blob[0] is file offset
// startFileOffset) and freezes every member Section's RVAWhenPlaced and
// FilePosWhenPlaced.
func (b *Builder) Layout(startRVA, startFileOffset, sectionAlignment, fileAlignment uint64) ([]byte, error) {
	if err := b.requireConfiguring("Layout"); err != nil {
		return nil, err
	}

	var blob []byte
	curRVA := startRVA
	curFile := startFileOffset

	for _, name := range b.orderedNames() {
		baseRVA := utils.AlignTo(curRVA, sectionAlignment)
		baseFile := utils.AlignTo(curFile, fileAlignment)
		blob = append(blob, make([]byte, baseFile-curFile)...)

		var characteristics uint32
		localRVA := baseRVA
		for _, sec := range b.sectionsNamed(name) {
			padRVA := utils.AlignTo(localRVA, sec.CombiningAlignment) - localRVA
			blob = append(blob, make([]byte, padRVA)...)
			localRVA += padRVA

			sec.RVAWhenPlaced = localRVA
			sec.FilePosWhenPlaced = baseFile + (localRVA - baseRVA)

			blob = append(blob, sec.Bytes...)
			localRVA += sec.Size()
			characteristics |= sec.Characteristics
		}

		b.physical = append(b.physical, PhysicalSection{
			Name:            name,
			Characteristics: characteristics,
			RVA:             baseRVA,
			FilePos:         baseFile,
			Size:            localRVA - baseRVA,
		})

		curRVA = localRVA
		curFile = baseFile + (localRVA - baseRVA)
	}

	b.endRVA = curRVA
	b.endFileOffset = curFile
	b.st = stateLaidOut
	return blob, nil
}
