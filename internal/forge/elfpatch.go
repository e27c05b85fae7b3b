package forge

import (
	"bytes"
	"debug/elf"
	"fmt"
	"path"
	"strings"
)

// ELF dependency rewriting works on the dynamic string table in place. A
// replacement string must fit inside the original one (NUL padded); growing
// .dynstr would mean relocating the section, which this tool refuses to do.

const (
	dtNeeded  = 1
	dtSoname  = 14
	dtRPath   = 15
	dtRunPath = 29
)

// patchELF rewrites the dynamic entries of one ELF binary. Dependency
// references pointing into the build tree become bare sonames, and the run
// path becomes the bundle-relative anchor so the loader finds the shipped
// copies.
func (p *Patcher) patchELF(binPath string, data []byte) ([]byte, PatchVerdict, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, PatchVerdict{}, &PatchError{Binary: binPath, Cause: err}
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, PatchVerdict{}, &PatchError{Binary: binPath, Cause: fmt.Errorf("only 64-bit ELF objects are supported")}
	}

	dynamic := f.Section(".dynamic")
	dynstr := f.Section(".dynstr")
	if dynamic == nil || dynstr == nil {
		// statically linked; nothing references anything
		return data, PatchVerdict{}, nil
	}
	if int(dynstr.Offset+dynstr.Size) > len(data) || int(dynamic.Offset+dynamic.Size) > len(data) {
		return nil, PatchVerdict{}, &PatchError{Binary: binPath, Cause: fmt.Errorf("section offsets exceed file size")}
	}

	out := make([]byte, len(data))
	copy(out, data)
	strTab := out[dynstr.Offset : dynstr.Offset+dynstr.Size]
	dynBytes := data[dynamic.Offset : dynamic.Offset+dynamic.Size]

	// collect the string-bearing entries up front, before any mutation
	var refs []dynStringRef
	bo := f.ByteOrder
	for off := 0; off+16 <= len(dynBytes); off += 16 {
		tag := int64(bo.Uint64(dynBytes[off : off+8]))
		val := bo.Uint64(dynBytes[off+8 : off+16])
		if tag == 0 { // DT_NULL terminates the table
			break
		}
		switch tag {
		case dtNeeded, dtSoname, dtRPath, dtRunPath:
			if val >= dynstr.Size {
				return nil, PatchVerdict{}, &PatchError{Binary: binPath, Cause: fmt.Errorf("dynamic entry string offset %d out of range", val)}
			}
			refs = append(refs, dynStringRef{tag: tag, val: val, declared: readCString(strTab[val:])})
		}
	}

	refOffsets := dynsymNameOffsets(f, data)
	for _, r := range refs {
		refOffsets = append(refOffsets, r.val)
	}

	var verdict PatchVerdict
	for _, r := range refs {
		entry := LoadEntry{Binary: binPath, Declared: r.declared, Kind: elfEntryKind(r.tag)}

		replacement, rewrite, err := p.classifyELFEntry(binPath, r.tag, r.declared)
		if err != nil {
			return nil, PatchVerdict{}, err
		}
		if !rewrite {
			verdict.Kept = append(verdict.Kept, entry)
			continue
		}
		if len(replacement) > len(r.declared) {
			return nil, PatchVerdict{}, &PatchError{
				Binary: binPath,
				Entry:  r.declared,
				Cause:  fmt.Errorf("replacement %q is longer than the original string; cannot rewrite in place", replacement),
			}
		}
		// suffix-merged string tables can alias another reference into this
		// string's extent; NUL-padding over it would corrupt that reference
		for _, o := range refOffsets {
			if o > r.val && o < r.val+uint64(len(r.declared)) {
				return nil, PatchVerdict{}, &PatchError{
					Binary: binPath,
					Entry:  r.declared,
					Cause:  fmt.Errorf("another string-table reference points into this string at offset %d; rewriting it in place would corrupt that reference", o),
				}
			}
		}
		writeCString(strTab[r.val:], replacement, len(r.declared))
		verdict.Rewritten = append(verdict.Rewritten, entry)
		verdict.Changed = true
	}
	if !verdict.Changed {
		return data, verdict, nil
	}
	return out, verdict, nil
}

// dynStringRef is one string-bearing dynamic entry, captured before the
// string table is mutated.
type dynStringRef struct {
	tag      int64
	val      uint64
	declared string
}

// dynsymNameOffsets returns the .dynstr offset of every dynamic symbol name,
// so the rewrite loop can refuse edits that would clobber one.
func dynsymNameOffsets(f *elf.File, data []byte) []uint64 {
	const symLen = 24
	sec := f.Section(".dynsym")
	if sec == nil || sec.Type != elf.SHT_DYNSYM || int(sec.Offset+sec.Size) > len(data) {
		return nil
	}
	raw := data[sec.Offset : sec.Offset+sec.Size]
	var offs []uint64
	for i := 0; i+symLen <= len(raw); i += symLen {
		if name := f.ByteOrder.Uint32(raw[i : i+4]); name != 0 {
			offs = append(offs, uint64(name))
		}
	}
	return offs
}

func elfEntryKind(tag int64) LoadEntryKind {
	switch tag {
	case dtSoname:
		return EntrySelfID
	case dtRPath, dtRunPath:
		return EntrySearchPath
	}
	return EntryDependency
}

// classifyELFEntry decides the fate of one dynamic entry.
func (p *Patcher) classifyELFEntry(binPath string, tag int64, entry string) (string, bool, error) {
	switch tag {
	case dtRPath, dtRunPath:
		if entry == p.RunPathAnchor || strings.HasPrefix(entry, "$ORIGIN") {
			return "", false, nil
		}
		return p.RunPathAnchor, true, nil
	case dtSoname:
		// install names are already bare
		return "", false, nil
	}

	// DT_NEEDED
	if !strings.Contains(entry, "/") {
		// bare soname, resolved through the run path
		return "", false, nil
	}
	if isPlatformEntry(entry) {
		return "", false, nil
	}
	base := path.Base(entry)
	if p.Bundled[base] {
		return base, true, nil
	}
	return "", false, &PatchError{
		Binary: binPath,
		Entry:  entry,
		Cause:  fmt.Errorf("references a host path that is not bundled"),
	}
}

func readCString(b []byte) string {
	end := 0
	for end < len(b) && b[end] != 0 {
		end++
	}
	return string(b[:end])
}

// writeCString overwrites an existing string of length oldLen in place,
// NUL padding the leftover bytes.
func writeCString(b []byte, s string, oldLen int) {
	copy(b, s)
	for i := len(s); i <= oldLen && i < len(b); i++ {
		b[i] = 0
	}
}
