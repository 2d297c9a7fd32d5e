package linker

// DefinedSymbol names a symbol the code generator defines at a given
// byte offset within an ObjectData block.
type DefinedSymbol struct {
	Name   string
	Offset uint32
}

// ObjectData is the value the code generator hands to AddObjectData:
// raw bytes, the alignment they require within their section, the
// symbols they define, and the relocations they contain. AddObjectData
// copies Bytes into the section buffer immediately, so the caller may
// reuse the slice afterwards.
type ObjectData struct {
	Bytes       []byte
	Alignment   uint64
	Defines     []DefinedSymbol
	Relocations []Relocation
}
