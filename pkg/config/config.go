// Package config supplies the build settings the r2rgen driver feeds
// into the linker: environment-variable knobs for the values a build
// pipeline overrides per machine, and a YAML manifest describing the
// sections, object-data blocks, and exports of one image.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/r2rgen/peimage/pkg/linker"
	"github.com/r2rgen/peimage/pkg/pecoff"
	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"
)

// Settings are the knobs read from the environment, with defaults
// suitable for a 64-bit DLL.
type Settings struct {
	ImageBase        uint64
	SectionAlignment uint64
	FileAlignment    uint64
	Deterministic    bool
}

// FromEnv reads R2RGEN_IMAGE_BASE, R2RGEN_SECTION_ALIGN,
// R2RGEN_FILE_ALIGN and R2RGEN_REAL_TIMESTAMPS. Numeric values accept a
// 0x prefix.
func FromEnv() (Settings, error) {
	s := Settings{
		ImageBase:        0x180000000,
		SectionAlignment: 0x1000,
		FileAlignment:    0x200,
		Deterministic:    true,
	}
	var err error
	if s.ImageBase, err = parseUint(env.Str("R2RGEN_IMAGE_BASE"), s.ImageBase); err != nil {
		return s, fmt.Errorf("R2RGEN_IMAGE_BASE: %w", err)
	}
	if s.SectionAlignment, err = parseUint(env.Str("R2RGEN_SECTION_ALIGN"), s.SectionAlignment); err != nil {
		return s, fmt.Errorf("R2RGEN_SECTION_ALIGN: %w", err)
	}
	if s.FileAlignment, err = parseUint(env.Str("R2RGEN_FILE_ALIGN"), s.FileAlignment); err != nil {
		return s, fmt.Errorf("R2RGEN_FILE_ALIGN: %w", err)
	}
	if env.Bool("R2RGEN_REAL_TIMESTAMPS") {
		s.Deterministic = false
	}
	return s, nil
}

func parseUint(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), baseOf(s), 64)
}

func baseOf(s string) int {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return 16
	}
	return 10
}

// Manifest is the YAML build description the driver consumes: the
// target machine, DLL-level settings, and the section/object/export
// lists to feed into the builder.
type Manifest struct {
	Machine    string           `yaml:"machine"`
	DllName    string           `yaml:"dll_name"`
	ImageBase  string           `yaml:"image_base"`
	EntryPoint string           `yaml:"entry_point"`
	Sections   []ManifestSection `yaml:"sections"`
	Objects    []ManifestObject  `yaml:"objects"`
	Exports    []ManifestExport  `yaml:"exports"`
}

type ManifestSection struct {
	Name            string   `yaml:"name"`
	Characteristics []string `yaml:"characteristics"`
	Alignment       uint64   `yaml:"alignment"`
}

type ManifestObject struct {
	Section     string             `yaml:"section"`
	Alignment   uint64             `yaml:"alignment"`
	Data        string             `yaml:"data"`
	Defines     []ManifestSymbol   `yaml:"defines"`
	Relocations []ManifestRelocation `yaml:"relocations"`
}

type ManifestSymbol struct {
	Name   string `yaml:"name"`
	Offset uint32 `yaml:"offset"`
}

type ManifestRelocation struct {
	Offset uint32 `yaml:"offset"`
	Kind   string `yaml:"kind"`
	Target string `yaml:"target"`
}

type ManifestExport struct {
	Name    string `yaml:"name"`
	Ordinal uint16 `yaml:"ordinal"`
	Symbol  string `yaml:"symbol"`
}

// LoadManifest reads and decodes one YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return &m, nil
}

// MachineType maps the manifest's machine string to a linker machine.
func (m *Manifest) MachineType() (linker.MachineType, error) {
	switch strings.ToLower(m.Machine) {
	case "", "amd64", "x64":
		return linker.MachineTypeAMD64, nil
	case "i386", "x86":
		return linker.MachineTypeI386, nil
	case "arm":
		return linker.MachineTypeARM, nil
	case "arm64":
		return linker.MachineTypeARM64, nil
	}
	return 0, fmt.Errorf("unknown machine %q", m.Machine)
}

// DataBytes decodes an object's hex-encoded payload.
func (o *ManifestObject) DataBytes() ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\t' {
			return -1
		}
		return r
	}, o.Data)
	return hex.DecodeString(cleaned)
}

// CharacteristicsValue folds a section's flag names into the
// IMAGE_SCN_* bitmask.
func (s *ManifestSection) CharacteristicsValue() (uint32, error) {
	var out uint32
	for _, name := range s.Characteristics {
		switch strings.ToLower(name) {
		case "code":
			out |= pecoff.SectionCode
		case "initialized_data":
			out |= pecoff.SectionInitializedData
		case "uninitialized_data":
			out |= pecoff.SectionUninitializedData
		case "execute":
			out |= pecoff.SectionMemExecute
		case "read":
			out |= pecoff.SectionMemRead
		case "write":
			out |= pecoff.SectionMemWrite
		case "discardable":
			out |= pecoff.SectionMemDiscardable
		default:
			return 0, fmt.Errorf("unknown section characteristic %q", name)
		}
	}
	return out, nil
}

// RelocationKind maps a manifest kind string to its linker kind.
func (r *ManifestRelocation) RelocationKind() (linker.RelocationKind, error) {
	switch strings.ToUpper(r.Kind) {
	case "ABSOLUTE":
		return linker.RelAbsolute, nil
	case "HIGHLOW":
		return linker.RelHighLow, nil
	case "DIR64":
		return linker.RelDir64, nil
	case "REL32":
		return linker.RelRel32, nil
	case "THUMB_MOV32":
		return linker.RelThumbMov32, nil
	case "ARM64_PAGEBASE_REL21":
		return linker.RelArm64PageBaseRel21, nil
	case "ARM64_PAGEOFFSET_12L":
		return linker.RelArm64PageOffset12L, nil
	case "ARM64_PAGEOFFSET_12A":
		return linker.RelArm64PageOffset12A, nil
	case "ARM64_BRANCH26":
		return linker.RelArm64Branch26, nil
	}
	return 0, fmt.Errorf("unknown relocation kind %q", r.Kind)
}

// ImageBaseValue returns the manifest's image base, or def when unset.
func (m *Manifest) ImageBaseValue(def uint64) (uint64, error) {
	return parseUint(m.ImageBase, def)
}
