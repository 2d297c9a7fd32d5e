package linker

import (
	"encoding/binary"

	"github.com/r2rgen/peimage/pkg/pecoff"
)

// RelocationKind is the closed set of semantic relocation kinds the
// code generator may emit, modeled as a tagged enumeration rather than
// an interface per architecture.
type RelocationKind uint8

const (
	RelAbsolute RelocationKind = iota
	RelHighLow
	RelDir64
	RelRel32
	RelThumbMov32
	RelArm64PageBaseRel21
	RelArm64PageOffset12L
	RelArm64PageOffset12A
	RelArm64Branch26
)

func (k RelocationKind) String() string {
	switch k {
	case RelAbsolute:
		return "ABSOLUTE"
	case RelHighLow:
		return "HIGHLOW"
	case RelDir64:
		return "DIR64"
	case RelRel32:
		return "REL32"
	case RelThumbMov32:
		return "THUMB_MOV32"
	case RelArm64PageBaseRel21:
		return "ARM64_PAGEBASE_REL21"
	case RelArm64PageOffset12L:
		return "ARM64_PAGEOFFSET_12L"
	case RelArm64PageOffset12A:
		return "ARM64_PAGEOFFSET_12A"
	case RelArm64Branch26:
		return "ARM64_BRANCH26"
	}
	return "UNKNOWN"
}

// Relocation is one outbound reference: an intra-block offset, a
// semantic kind, and the name of the symbol it targets. The target is
// kept as a name rather than a pre-resolved SymbolTarget because a
// relocation may be recorded before its symbol is defined.
type Relocation struct {
	Offset uint32
	Kind   RelocationKind
	Target string
}

// FileRelocationKind maps a semantic kind to the IMAGE_REL_BASED_*
// value that decides whether a .reloc entry is emitted at all.
func FileRelocationKind(k RelocationKind) uint16 {
	switch k {
	case RelHighLow:
		return pecoff.RelBasedHighLow
	case RelDir64:
		return pecoff.RelBasedDir64
	case RelThumbMov32:
		return pecoff.RelBasedThumbMov32
	default:
		return pecoff.RelBasedAbsolute
	}
}

// NeedsBaseRelocEntry reports whether k must appear in .reloc.
// PC-relative and instruction-encoded forms are self-relative and stay
// out of the base relocation table.
func NeedsBaseRelocEntry(k RelocationKind) bool {
	return FileRelocationKind(k) != pecoff.RelBasedAbsolute
}

// applyRelocation computes the corrected bytes for one relocation site
// and writes them into site, which already holds the placeholder bytes
// (typically an addend) the code generator encoded at emission time.
// siteRVA and targetRVA are the final, laid-out addresses; imageBase is
// the image's preferred load address.
func applyRelocation(kind RelocationKind, siteRVA, targetRVA uint64, imageBase uint64, site []byte) error {
	switch kind {
	case RelAbsolute:
		return nil

	case RelHighLow:
		if len(site) < 4 {
			return &FormatOverflowError{Reason: "HIGHLOW relocation site shorter than 4 bytes"}
		}
		binary.LittleEndian.PutUint32(site, uint32(targetRVA+imageBase))
		return nil

	case RelDir64:
		if len(site) < 8 {
			return &FormatOverflowError{Reason: "DIR64 relocation site shorter than 8 bytes"}
		}
		binary.LittleEndian.PutUint64(site, targetRVA+imageBase)
		return nil

	case RelRel32:
		if len(site) < 4 {
			return &FormatOverflowError{Reason: "REL32 relocation site shorter than 4 bytes"}
		}
		addend := int64(int32(binary.LittleEndian.Uint32(site)))
		value := int64(targetRVA) - int64(siteRVA+4) + addend
		binary.LittleEndian.PutUint32(site, uint32(int32(value)))
		return nil

	case RelThumbMov32:
		if len(site) < 8 {
			return &FormatOverflowError{Reason: "THUMB_MOV32 site too short for MOVW/MOVT pair"}
		}
		return applyThumbMov32(site, uint32(targetRVA+imageBase))

	case RelArm64PageBaseRel21:
		if len(site) < 4 {
			return &FormatOverflowError{Reason: "ARM64 relocation site shorter than 4 bytes"}
		}
		return applyArm64PageBaseRel21(site, siteRVA, targetRVA)

	case RelArm64PageOffset12L:
		if len(site) < 4 {
			return &FormatOverflowError{Reason: "ARM64 relocation site shorter than 4 bytes"}
		}
		return applyArm64PageOffset12L(site, targetRVA)

	case RelArm64PageOffset12A:
		if len(site) < 4 {
			return &FormatOverflowError{Reason: "ARM64 relocation site shorter than 4 bytes"}
		}
		return applyArm64PageOffset12A(site, targetRVA)

	case RelArm64Branch26:
		if len(site) < 4 {
			return &FormatOverflowError{Reason: "ARM64 relocation site shorter than 4 bytes"}
		}
		return applyArm64Branch26(site, siteRVA, targetRVA)
	}

	return &MisuseError{Reason: "unknown relocation kind " + kind.String()}
}

// applyThumbMov32 splits a 32-bit VA across a Thumb-2 MOVW/MOVT
// instruction pair. Each instruction is a 4-byte wide encoding; the
// immediate is scattered across imm4:i:imm3:imm8 per the T3 encoding of
// MOVW and the T1 encoding of MOVT.
func applyThumbMov32(site []byte, va uint32) error {
	low := uint16(va)
	high := uint16(va >> 16)

	movwLo := binary.LittleEndian.Uint16(site[0:2])
	movwHi := binary.LittleEndian.Uint16(site[2:4])
	binary.LittleEndian.PutUint16(site[0:2], patchMovImmLo(movwLo, low))
	binary.LittleEndian.PutUint16(site[2:4], patchMovImmHi(movwHi, low))

	// MOVT immediately follows MOVW in the encoded pair
	movtLo := binary.LittleEndian.Uint16(site[4:6])
	movtHi := binary.LittleEndian.Uint16(site[6:8])
	binary.LittleEndian.PutUint16(site[4:6], patchMovImmLo(movtLo, high))
	binary.LittleEndian.PutUint16(site[6:8], patchMovImmHi(movtHi, high))
	return nil
}

// patchMovImmLo/Hi rewrite the imm4/i and imm3/imm8 fields of a Thumb-2
// MOVW/MOVT first/second halfword, leaving the opcode bits untouched.
func patchMovImmLo(instrLo uint16, imm uint16) uint16 {
	i := uint16((imm >> 11) & 1)
	imm4 := uint16((imm >> 12) & 0xF)
	return (instrLo &^ 0x040F) | (i << 10) | imm4
}

func patchMovImmHi(instrHi uint16, imm uint16) uint16 {
	imm3 := uint16((imm >> 8) & 0x7)
	imm8 := uint16(imm & 0xFF)
	return (instrHi &^ 0x70FF) | (imm3 << 12) | imm8
}

// applyArm64PageBaseRel21 patches an ADRP immediate with the signed
// page-relative displacement between the instruction's own page and the
// target's page (immlo in bits[30:29], immhi in bits[23:5]).
func applyArm64PageBaseRel21(site []byte, siteRVA, targetRVA uint64) error {
	instr := binary.LittleEndian.Uint32(site)
	delta := int64(targetRVA>>12) - int64(siteRVA>>12)
	imm21 := uint32(delta) & 0x1FFFFF
	immlo := imm21 & 0x3
	immhi := (imm21 >> 2) & 0x7FFFF
	instr = (instr &^ (0x3 << 29)) | (immlo << 29)
	instr = (instr &^ (0x7FFFF << 5)) | (immhi << 5)
	binary.LittleEndian.PutUint32(site, instr)
	return nil
}

// applyArm64PageOffset12L patches the 12-bit unsigned immediate of an
// LDR/STR (unsigned offset) instruction, scaled by the access size
// encoded in bits[31:30].
func applyArm64PageOffset12L(site []byte, targetRVA uint64) error {
	instr := binary.LittleEndian.Uint32(site)
	size := instr >> 30
	offset := uint32(targetRVA & 0xFFF)
	imm12 := offset >> size
	instr = (instr &^ (0xFFF << 10)) | (imm12 << 10)
	binary.LittleEndian.PutUint32(site, instr)
	return nil
}

// applyArm64PageOffset12A patches the 12-bit immediate of an ADD
// (immediate) instruction with the unscaled page offset.
func applyArm64PageOffset12A(site []byte, targetRVA uint64) error {
	instr := binary.LittleEndian.Uint32(site)
	imm12 := uint32(targetRVA & 0xFFF)
	instr = (instr &^ (0xFFF << 10)) | (imm12 << 10)
	binary.LittleEndian.PutUint32(site, instr)
	return nil
}

// applyArm64Branch26 patches an unconditional branch's 26-bit
// word-aligned signed displacement.
func applyArm64Branch26(site []byte, siteRVA, targetRVA uint64) error {
	instr := binary.LittleEndian.Uint32(site)
	delta := int64(targetRVA) - int64(siteRVA)
	if delta%4 != 0 {
		return &MisuseError{Reason: "ARM64 branch target not 4-byte aligned"}
	}
	imm26 := uint32(delta/4) & 0x3FFFFFF
	instr = (instr &^ 0x3FFFFFF) | imm26
	binary.LittleEndian.PutUint32(site, instr)
	return nil
}
