package main

import (
	"fmt"
	"os"

	"github.com/r2rgen/peimage/pkg/config"
	"github.com/r2rgen/peimage/pkg/linker"
	"github.com/r2rgen/peimage/pkg/utils"
)

var version string

// functions handle errs themselves
func main() {
	if len(os.Args) < 3 {
		fmt.Printf("r2rgen %s\nusage: r2rgen <manifest.yaml> <output.dll>\n", version)
		os.Exit(1)
	}
	manifestPath := os.Args[1]
	outputPath := os.Args[2]

	settings, err := config.FromEnv()
	utils.MustNo(err)

	manifest, err := config.LoadManifest(manifestPath)
	utils.MustNo(err)

	b := linker.NewBuilder()

	b.Args.Machine, err = manifest.MachineType()
	utils.MustNo(err)
	b.Args.ImageBase, err = manifest.ImageBaseValue(settings.ImageBase)
	utils.MustNo(err)
	b.Args.DeterministicTimestamps = settings.Deterministic
	if manifest.DllName != "" {
		utils.MustNo(b.SetDllName(manifest.DllName))
	}
	if manifest.EntryPoint != "" {
		utils.MustNo(b.SetEntryPoint(manifest.EntryPoint))
	}

	// manifest sections first, in order, so folding follows the file
	indices := make(map[string]linker.SectionIndex)
	for _, ms := range manifest.Sections {
		chars, err := ms.CharacteristicsValue()
		utils.MustNo(err)
		idx, err := b.AddSection(ms.Name, chars, ms.Alignment)
		utils.MustNo(err)
		if _, ok := indices[ms.Name]; !ok {
			indices[ms.Name] = idx
		}
	}

	for _, mo := range manifest.Objects {
		idx, ok := indices[mo.Section]
		if !ok {
			utils.Fatal("object references unknown section " + mo.Section)
		}
		data, err := mo.DataBytes()
		utils.MustNo(err)

		od := linker.ObjectData{Bytes: data, Alignment: mo.Alignment}
		for _, def := range mo.Defines {
			od.Defines = append(od.Defines, linker.DefinedSymbol{Name: def.Name, Offset: def.Offset})
		}
		for _, rel := range mo.Relocations {
			kind, err := rel.RelocationKind()
			utils.MustNo(err)
			od.Relocations = append(od.Relocations, linker.Relocation{
				Offset: rel.Offset,
				Kind:   kind,
				Target: rel.Target,
			})
		}
		utils.MustNo(b.AddObjectData(idx, od))
	}

	for _, me := range manifest.Exports {
		utils.MustNo(b.AddExportSymbol(me.Name, me.Ordinal, me.Symbol))
	}

	res, err := b.Finish(settings.SectionAlignment, settings.FileAlignment)
	utils.MustNo(err)

	utils.MustNo(b.EmitFile(outputPath, res))

	fmt.Println("wrote", outputPath, len(res.Image), "bytes,", len(res.Sites), "relocations")
}
