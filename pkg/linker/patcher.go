package linker

import (
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// RelocationSite is one patch to apply once final RVAs are known: where
// in the output (by file offset) the placeholder bytes live, what kind
// of relocation it is, and the symbol it resolves against.
type RelocationSite struct {
	FileOffset uint64
	SiteRVA    uint64
	Kind       RelocationKind
	TargetName string
}

// collectRelocationSites walks every section's recorded relocations in
// placement order and verifies each target symbol resolves, failing on
// the first undefined symbol.
func (b *Builder) collectRelocationSites() ([]RelocationSite, error) {
	var sites []RelocationSite
	for _, sec := range b.orderedPlacedSections() {
		for _, block := range sec.PendingRelocs {
			for _, reloc := range block.Relocs {
				if _, err := b.symbols.Resolve(reloc.Target); err != nil {
					return nil, err
				}
				sites = append(sites, RelocationSite{
					FileOffset: sec.FilePosWhenPlaced + uint64(block.Offset) + uint64(reloc.Offset),
					SiteRVA:    sec.RVAWhenPlaced + uint64(block.Offset) + uint64(reloc.Offset),
					Kind:       reloc.Kind,
					TargetName: reloc.Target,
				})
			}
		}
	}
	return sites, nil
}

// resolveTargetRVA resolves a symbol name to its final RVA.
func (b *Builder) resolveTargetRVA(name string) (uint64, error) {
	target, err := b.symbols.Resolve(name)
	if err != nil {
		return 0, err
	}
	sec, err := b.section(target.Section)
	if err != nil {
		return 0, err
	}
	return sec.RVAWhenPlaced + uint64(target.Offset), nil
}

// patchBytes applies every collected relocation site directly against
// buf, which must already contain the bytes at their final file
// positions (buf[0] is file offset 0).
func (b *Builder) patchBytes(buf []byte, sites []RelocationSite) error {
	for _, site := range sites {
		targetRVA, err := b.resolveTargetRVA(site.TargetName)
		if err != nil {
			return err
		}
		width := relocationWidth(site.Kind)
		if site.FileOffset+width > uint64(len(buf)) {
			return &FormatOverflowError{Reason: "relocation site falls outside the output buffer"}
		}
		if err := applyRelocation(site.Kind, site.SiteRVA, targetRVA, b.Args.ImageBase, buf[site.FileOffset:site.FileOffset+width]); err != nil {
			return err
		}
	}
	return nil
}

func relocationWidth(k RelocationKind) uint64 {
	switch k {
	case RelDir64, RelThumbMov32:
		return 8
	default:
		return 4
	}
}

// RelocateOutputFile reads the whole laid-out image from r, patches
// every relocation site in memory, and streams the result to w. The
// pre-patch blob must be fully buffered because relocation sites may
// land anywhere in the image.
func (b *Builder) RelocateOutputFile(r io.Reader, w io.Writer) error {
	if b.st != stateLaidOut && b.st != stateSealed {
		return &MisuseError{Reason: "RelocateOutputFile called before Layout"}
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return wrapIO("reading image for relocation", err)
	}
	sites, err := b.collectRelocationSites()
	if err != nil {
		return err
	}
	if err := b.patchBytes(buf, sites); err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return wrapIO("writing relocated image", err)
	}
	b.st = stateDone
	return nil
}

// PatchInPlace maps path read-write and patches every relocation site
// directly against the mapping, avoiding a second in-memory copy for
// large images.
func (b *Builder) PatchInPlace(path string) error {
	if b.st != stateLaidOut && b.st != stateSealed {
		return &MisuseError{Reason: "PatchInPlace called before Layout"}
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return wrapIO("opening image for in-place patch", err)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		return wrapIO("mapping image for in-place patch", err)
	}
	defer m.Unmap()

	sites, err := b.collectRelocationSites()
	if err != nil {
		return err
	}
	if err := b.patchBytes(m, sites); err != nil {
		return err
	}
	if err := m.Flush(); err != nil {
		return wrapIO("flushing in-place patch", err)
	}
	b.st = stateDone
	return nil
}
