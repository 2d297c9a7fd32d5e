package linker

import (
	"os"

	"github.com/r2rgen/peimage/pkg/pecoff"
)

// EmitFile writes an assembled image to path: the unpatched blob goes
// to a temporary file next to the destination, relocations are applied
// in place through the mapped file, and the result replaces any
// existing file at path atomically.
func (b *Builder) EmitFile(path string, res *BuildResult) error {
	if !pecoff.CheckDOSMagic(res.Image) || !pecoff.CheckPEMagic(res.Image, peHeaderOffset) {
		return &MisuseError{Reason: "assembled image is missing its PE signature"}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, res.Image, 0644); err != nil {
		return wrapIO("writing unpatched image", err)
	}
	if err := b.PatchInPlace(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := replaceFile(tmp, path); err != nil {
		os.Remove(tmp)
		return wrapIO("replacing output file", err)
	}
	return nil
}
