package linker

// SymbolHandle is a dense integer id for a defined symbol. The builder
// only needs equality on a handle and the ability to look up the
// (section, offset) it resolved to.
type SymbolHandle int

// SymbolTarget is the frozen (section, offset) a symbol resolves to.
// Produced once, at AddObjectData time, and never mutated afterwards.
type SymbolTarget struct {
	Section SectionIndex
	Offset  uint32
}

// SymbolTable maps every symbol name the code generator has defined to
// its SymbolTarget. Duplicate registration and lookups of undefined
// symbols are both caller errors, reported at the earliest point that
// can observe them.
type SymbolTable struct {
	byName  map[string]SymbolHandle
	targets []SymbolTarget
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		byName: make(map[string]SymbolHandle),
	}
}

// Define registers name at target, returning its handle. Defining the
// same name twice is a MisuseError.
func (t *SymbolTable) Define(name string, target SymbolTarget) (SymbolHandle, error) {
	if _, ok := t.byName[name]; ok {
		return 0, &MisuseError{Reason: "duplicate symbol definition: " + name}
	}
	h := SymbolHandle(len(t.targets))
	t.byName[name] = h
	t.targets = append(t.targets, target)
	return h, nil
}

// Handle looks up name, returning ok=false if it was never defined.
func (t *SymbolTable) Handle(name string) (SymbolHandle, bool) {
	h, ok := t.byName[name]
	return h, ok
}

// Target returns the frozen (section, offset) for h.
func (t *SymbolTable) Target(h SymbolHandle) SymbolTarget {
	return t.targets[h]
}

// Resolve looks a name up and returns its target in one step. Every
// symbol referenced by a relocation must resolve by patch time, so an
// undefined name is a MisuseError.
func (t *SymbolTable) Resolve(name string) (SymbolTarget, error) {
	h, ok := t.byName[name]
	if !ok {
		return SymbolTarget{}, &MisuseError{Reason: "undefined symbol: " + name}
	}
	return t.targets[h], nil
}
