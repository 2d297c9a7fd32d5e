package linker

import "github.com/r2rgen/peimage/pkg/pecoff"

// MachineType is the target architecture the builder emits a COFF
// FileHeader for.
type MachineType uint16

const (
	MachineTypeI386  MachineType = MachineType(pecoff.MachineI386)
	MachineTypeAMD64 MachineType = MachineType(pecoff.MachineAMD64)
	MachineTypeARM   MachineType = MachineType(pecoff.MachineARM)
	MachineTypeARM64 MachineType = MachineType(pecoff.MachineARM64)
)

func (m MachineType) String() string {
	switch m {
	case MachineTypeI386:
		return "i386"
	case MachineTypeAMD64:
		return "amd64"
	case MachineTypeARM:
		return "arm"
	case MachineTypeARM64:
		return "arm64"
	}
	return "unknown"
}

// Is64Bit reports whether the optional header uses the PE32+ layout.
func (m MachineType) Is64Bit() bool {
	return m == MachineTypeAMD64 || m == MachineTypeARM64
}

// validRelocationKind reports whether a relocation kind is legal for
// this architecture — one dispatch table instead of a type per machine.
func (m MachineType) validRelocationKind(k RelocationKind) bool {
	switch m {
	case MachineTypeI386:
		return k == RelHighLow || k == RelRel32 || k == RelAbsolute
	case MachineTypeAMD64:
		return k == RelDir64 || k == RelRel32 || k == RelAbsolute
	case MachineTypeARM:
		return k == RelThumbMov32 || k == RelRel32 || k == RelAbsolute
	case MachineTypeARM64:
		switch k {
		case RelArm64PageBaseRel21, RelArm64PageOffset12L, RelArm64PageOffset12A, RelArm64Branch26, RelDir64, RelAbsolute:
			return true
		}
		return false
	}
	return false
}
