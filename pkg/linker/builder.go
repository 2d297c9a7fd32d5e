package linker

import (
	"github.com/r2rgen/peimage/pkg/pecoff"
	"github.com/r2rgen/peimage/pkg/utils"
)

// state is the builder's one-way lifecycle:
//
//	configuring -> laid out -> sealed -> done
//
// Any configuration call after layout begins is a fatal misuse.
type state int

const (
	stateConfiguring state = iota
	stateLaidOut
	stateSealed
	stateDone
)

// Args collects the single-shot settings the caller configures before
// layout.
type Args struct {
	Machine                 MachineType
	DllName                 string
	EntryPointSymbol        string
	ReadyToRunSymbol        string
	ReadyToRunSize          uint32
	ImageBase               uint64
	DeterministicTimestamps bool
}

// Builder owns every Section, the symbol table, the export list, and
// the single-shot configuration, and drives layout, auxiliary-section
// encoding, and patching in order.
type Builder struct {
	Args Args

	sections []*Section
	physical []PhysicalSection
	symbols  *SymbolTable
	exports  []ExportSymbol

	corHeader       *pecoff.CorHeader
	corHeaderSymbol string

	endRVA        uint64
	endFileOffset uint64

	st state
}

func NewBuilder() *Builder {
	return &Builder{
		Args: Args{
			Machine:                 MachineTypeAMD64,
			DllName:                 "a.dll",
			ImageBase:               0x180000000,
			DeterministicTimestamps: true,
		},
		symbols: NewSymbolTable(),
	}
}

func (b *Builder) requireConfiguring(op string) error {
	if b.st != stateConfiguring {
		return &MisuseError{Reason: "configuration call " + op + " after layout has begun"}
	}
	return nil
}

// AddSection appends a new logical section and returns its handle.
// Names need not be unique: duplicates fold into one physical output
// section at layout time.
func (b *Builder) AddSection(name string, characteristics uint32, alignment uint64) (SectionIndex, error) {
	if err := b.requireConfiguring("AddSection"); err != nil {
		return 0, err
	}
	if !utils.IsPowerOfTwo(alignment) {
		return 0, &MisuseError{Reason: "section alignment is not a power of two"}
	}
	idx := SectionIndex(len(b.sections))
	b.sections = append(b.sections, newSection(name, characteristics, alignment))
	return idx, nil
}

// FindSection performs a linear scan by name, returning the first
// match.
func (b *Builder) FindSection(name string) (SectionIndex, bool) {
	for i, s := range b.sections {
		if s.Name == name {
			return SectionIndex(i), true
		}
	}
	return 0, false
}

func (b *Builder) section(idx SectionIndex) (*Section, error) {
	if int(idx) < 0 || int(idx) >= len(b.sections) {
		return nil, &MisuseError{Reason: "section index out of range"}
	}
	return b.sections[idx], nil
}

// AddObjectData appends one code-generator block to a section: align,
// pad, append the bytes, register the block's defined symbols, and
// record its relocations.
func (b *Builder) AddObjectData(idx SectionIndex, data ObjectData) error {
	if err := b.requireConfiguring("AddObjectData"); err != nil {
		return err
	}
	sec, err := b.section(idx)
	if err != nil {
		return err
	}
	alignment := data.Alignment
	if alignment == 0 {
		alignment = 1
	}
	if !utils.IsPowerOfTwo(alignment) {
		return &MisuseError{Reason: "object data alignment is not a power of two"}
	}

	currentSize := sec.Size()
	alignedOffset := utils.AlignTo(currentSize, alignment)
	if alignedOffset+uint64(len(data.Bytes)) > uint64(^uint32(0)) {
		return &FormatOverflowError{Reason: "section exceeds 4 GiB"}
	}

	padding := alignedOffset - currentSize
	sec.Bytes = append(sec.Bytes, make([]byte, padding)...)
	sec.Bytes = append(sec.Bytes, data.Bytes...)

	for _, def := range data.Defines {
		target := SymbolTarget{Section: idx, Offset: uint32(alignedOffset) + def.Offset}
		if _, err := b.symbols.Define(def.Name, target); err != nil {
			return err
		}
	}

	if len(data.Relocations) > 0 {
		relocs := make([]Relocation, len(data.Relocations))
		copy(relocs, data.Relocations)
		for _, r := range relocs {
			if !b.Args.Machine.validRelocationKind(r.Kind) {
				return &MisuseError{Reason: r.Kind.String() + " relocation is not valid for " + b.Args.Machine.String()}
			}
		}
		sec.recordRelocations(uint32(alignedOffset), relocs)
	}

	return nil
}

// AddExportSymbol appends to the export list. Name and ordinal
// uniqueness is the caller's responsibility.
func (b *Builder) AddExportSymbol(name string, ordinal uint16, symbol string) error {
	if err := b.requireConfiguring("AddExportSymbol"); err != nil {
		return err
	}
	b.exports = append(b.exports, ExportSymbol{Name: name, Ordinal: ordinal, Symbol: symbol})
	return nil
}

// SetEntryPoint, SetReadyToRunHeader and SetDllName are single-shot
// setters; later calls overwrite earlier ones.
func (b *Builder) SetEntryPoint(symbol string) error {
	if err := b.requireConfiguring("SetEntryPoint"); err != nil {
		return err
	}
	b.Args.EntryPointSymbol = symbol
	return nil
}

func (b *Builder) SetReadyToRunHeader(symbol string, size uint32) error {
	if err := b.requireConfiguring("SetReadyToRunHeader"); err != nil {
		return err
	}
	b.Args.ReadyToRunSymbol = symbol
	b.Args.ReadyToRunSize = size
	return nil
}

func (b *Builder) SetDllName(name string) error {
	if err := b.requireConfiguring("SetDllName"); err != nil {
		return err
	}
	b.Args.DllName = name
	return nil
}

// SetCorHeader installs the COR header to be patched into the output.
// symbol must resolve to a placeholder region of at least CorHeaderSize
// bytes written by an earlier AddObjectData call. Finish flips h to
// ready-to-run flags, fills in its managed-native-header directory,
// re-serializes it over the placeholder, and points the COM descriptor
// directory entry at the same spot.
func (b *Builder) SetCorHeader(symbol string, h *pecoff.CorHeader) error {
	if err := b.requireConfiguring("SetCorHeader"); err != nil {
		return err
	}
	b.corHeader = h
	b.corHeaderSymbol = symbol
	return nil
}

// SectionDescriptor is the deduplicated (name, characteristics) pair
// GetSections yields.
type SectionDescriptor struct {
	Name            string
	Characteristics uint32
}

// GetSections yields one descriptor per distinct section name, in
// first-appearance order, plus a synthetic .edata entry when exports
// exist but the caller never added an .edata section. A caller-added
// .edata wins over the synthetic one.
func (b *Builder) GetSections() []SectionDescriptor {
	seen := make(map[string]bool)
	var out []SectionDescriptor
	for _, s := range b.sections {
		if seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		out = append(out, SectionDescriptor{Name: s.Name, Characteristics: s.Characteristics})
	}
	if len(b.exports) > 0 && !seen[".edata"] {
		out = append(out, SectionDescriptor{
			Name:            ".edata",
			Characteristics: pecoff.SectionInitializedData | pecoff.SectionMemRead,
		})
	}
	return out
}
