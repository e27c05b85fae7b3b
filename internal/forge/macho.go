package forge

import (
	"encoding/binary"
	"fmt"
)

// Mach-O load command rewriting. The file is mutated only inside the load
// command region; segment contents and code signatures are never moved, so a
// binary whose references already point at the anchor round-trips
// byte-identical.

const (
	machoMagic64   = 0xfeedfacf
	machoFatMagic  = 0xcafebabe
	machoHeaderLen = 32

	lcReqDyld = 0x80000000

	lcIDDylib        = 0x0d
	lcLoadDylib      = 0x0c
	lcLoadWeakDylib  = 0x18 | lcReqDyld
	lcReexportDylib  = 0x1f | lcReqDyld
	lcLoadUpward     = 0x23 | lcReqDyld
	lcLazyLoadDylib  = 0x20
	lcRPath          = 0x1c | lcReqDyld
	lcSegment64      = 0x19
	lcCodeSignature  = 0x1d
	segment64HdrLen  = 72
	section64Len     = 80
	sectionOffsetOff = 48
)

func isMachO(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(data) == machoMagic64 ||
		binary.BigEndian.Uint32(data) == machoFatMagic
}

// pathBearingCommand reports whether a load command carries a rewritable
// path. The install name (LC_ID_DYLIB) follows the same classification as
// dependency references.
func pathBearingCommand(cmd uint32) bool {
	switch cmd {
	case lcIDDylib, lcLoadDylib, lcLoadWeakDylib, lcReexportDylib, lcLoadUpward, lcLazyLoadDylib, lcRPath:
		return true
	}
	return false
}

func machoEntryKind(cmd uint32) LoadEntryKind {
	switch cmd {
	case lcIDDylib:
		return EntrySelfID
	case lcRPath:
		return EntrySearchPath
	}
	return EntryDependency
}

type loadCommand struct {
	cmd     uint32
	cmdsize uint32
	raw     []byte // full original bytes, kept verbatim unless rewritten
}

type machoFile struct {
	ncmds      uint32
	sizeofcmds uint32
	cmds       []loadCommand
	// ceiling is the file offset of the first section contents; the load
	// command region must never grow past it.
	ceiling uint32
}

func parseMachO(data []byte) (*machoFile, error) {
	if len(data) < machoHeaderLen {
		return nil, fmt.Errorf("truncated Mach-O header")
	}
	if binary.LittleEndian.Uint32(data) != machoMagic64 {
		return nil, fmt.Errorf("not a little-endian 64-bit Mach-O")
	}

	m := &machoFile{
		ncmds:      binary.LittleEndian.Uint32(data[16:20]),
		sizeofcmds: binary.LittleEndian.Uint32(data[20:24]),
		ceiling:    uint32(len(data)),
	}
	end := machoHeaderLen + int(m.sizeofcmds)
	if end > len(data) {
		return nil, fmt.Errorf("load commands exceed file size")
	}

	off := machoHeaderLen
	for i := uint32(0); i < m.ncmds; i++ {
		if off+8 > end {
			return nil, fmt.Errorf("load command %d out of bounds", i)
		}
		cmd := binary.LittleEndian.Uint32(data[off : off+4])
		cmdsize := binary.LittleEndian.Uint32(data[off+4 : off+8])
		if cmdsize < 8 || cmdsize%4 != 0 || off+int(cmdsize) > end {
			return nil, fmt.Errorf("load command %d has invalid size %d", i, cmdsize)
		}
		raw := make([]byte, cmdsize)
		copy(raw, data[off:off+int(cmdsize)])
		m.cmds = append(m.cmds, loadCommand{cmd: cmd, cmdsize: cmdsize, raw: raw})

		if cmd == lcSegment64 {
			m.noteSectionOffsets(raw)
		}
		off += int(cmdsize)
	}
	return m, nil
}

// noteSectionOffsets lowers the growth ceiling to the first file-backed byte
// a segment maps: its sections' file offsets, and the segment's own fileoff
// for segments carrying data without sections (link-edit payloads).
func (m *machoFile) noteSectionOffsets(raw []byte) {
	if len(raw) < segment64HdrLen {
		return
	}
	fileoff := binary.LittleEndian.Uint64(raw[40:48])
	filesize := binary.LittleEndian.Uint64(raw[48:56])
	if fileoff != 0 && filesize != 0 && fileoff < uint64(m.ceiling) {
		m.ceiling = uint32(fileoff)
	}
	nsects := binary.LittleEndian.Uint32(raw[64:68])
	for i := uint32(0); i < nsects; i++ {
		base := segment64HdrLen + int(i)*section64Len
		if base+section64Len > len(raw) {
			return
		}
		offset := binary.LittleEndian.Uint32(raw[base+sectionOffsetOff : base+sectionOffsetOff+4])
		if offset != 0 && offset < m.ceiling {
			m.ceiling = offset
		}
	}
}

// commandPath extracts the C string a path-bearing command points at.
func commandPath(lc loadCommand) (string, uint32, error) {
	if len(lc.raw) < 12 {
		return "", 0, fmt.Errorf("command 0x%x too short for a path", lc.cmd)
	}
	nameOff := binary.LittleEndian.Uint32(lc.raw[8:12])
	if nameOff < 12 || int(nameOff) >= len(lc.raw) {
		return "", 0, fmt.Errorf("command 0x%x has invalid path offset %d", lc.cmd, nameOff)
	}
	strBytes := lc.raw[nameOff:]
	end := 0
	for end < len(strBytes) && strBytes[end] != 0 {
		end++
	}
	return string(strBytes[:end]), nameOff, nil
}

// rewriteCommandPath returns a command carrying newPath. The command keeps
// its original size when the path fits; otherwise it grows to the next
// 8-byte boundary and the caller must re-check the region ceiling.
func rewriteCommandPath(lc loadCommand, nameOff uint32, newPath string) loadCommand {
	needed := int(nameOff) + len(newPath) + 1
	size := lc.cmdsize
	if needed > int(size) {
		size = uint32((needed + 7) &^ 7)
	}
	raw := make([]byte, size)
	copy(raw, lc.raw[:nameOff])
	binary.LittleEndian.PutUint32(raw[4:8], size)
	copy(raw[nameOff:], newPath)
	return loadCommand{cmd: lc.cmd, cmdsize: size, raw: raw}
}

// patchMachOThin rewrites one architecture slice. The output slice has the
// same length as the input; growth happens only inside the zero padding
// between the load commands and the first section.
func (p *Patcher) patchMachOThin(binPath string, data []byte) ([]byte, PatchVerdict, error) {
	m, err := parseMachO(data)
	if err != nil {
		return nil, PatchVerdict{}, &PatchError{Binary: binPath, Cause: err}
	}

	var verdict PatchVerdict
	changed := false
	for i, lc := range m.cmds {
		if lc.cmd == lcCodeSignature {
			verdict.CodeSigned = true
			continue
		}
		if !pathBearingCommand(lc.cmd) {
			continue
		}
		path, nameOff, err := commandPath(lc)
		if err != nil {
			return nil, PatchVerdict{}, &PatchError{Binary: binPath, Cause: err}
		}
		entry := LoadEntry{Binary: binPath, Declared: path, Kind: machoEntryKind(lc.cmd)}

		var replacement string
		var rewrite bool
		if lc.cmd == lcRPath {
			// run-path entries pointing into the build tree are retargeted
			// at the bundle anchor; relative entries are left alone
			if path == "" || path == p.RunPathAnchor || path[0] != '/' {
				verdict.Kept = append(verdict.Kept, entry)
				continue
			}
			replacement, rewrite = p.RunPathAnchor, true
		} else {
			replacement, rewrite, err = p.classify(binPath, path)
			if err != nil {
				return nil, PatchVerdict{}, err
			}
		}
		if !rewrite {
			verdict.Kept = append(verdict.Kept, entry)
			continue
		}

		m.cmds[i] = rewriteCommandPath(lc, nameOff, replacement)
		verdict.Rewritten = append(verdict.Rewritten, entry)
		changed = true
	}

	if !changed {
		return data, verdict, nil
	}
	verdict.Changed = true

	var newSize uint32
	for _, lc := range m.cmds {
		newSize += lc.cmdsize
	}
	if machoHeaderLen+newSize > m.ceiling {
		return nil, PatchVerdict{}, &PatchError{
			Binary: binPath,
			Cause:  fmt.Errorf("rewritten load commands (%d bytes) do not fit before the first section at %d", newSize, m.ceiling),
		}
	}

	out := make([]byte, len(data))
	copy(out, data)
	binary.LittleEndian.PutUint32(out[20:24], newSize)
	off := machoHeaderLen
	for _, lc := range m.cmds {
		copy(out[off:], lc.raw)
		off += int(lc.cmdsize)
	}
	// zero the slack so repeated runs of the rewriter are byte-stable
	for i := off; i < int(m.ceiling); i++ {
		out[i] = 0
	}

	if _, err := parseMachO(out); err != nil {
		return nil, PatchVerdict{}, &PatchError{Binary: binPath, Cause: fmt.Errorf("self-check after rewrite failed: %w", err)}
	}
	return out, verdict, nil
}

// patchMachO handles both thin binaries and fat (universal) files. Each fat
// slice is patched independently; slice offsets and sizes never move.
func (p *Patcher) patchMachO(binaryPath string, data []byte) ([]byte, PatchVerdict, error) {
	if binary.LittleEndian.Uint32(data) == machoMagic64 {
		return p.patchMachOThin(binaryPath, data)
	}

	// fat header is big-endian
	if len(data) < 8 {
		return nil, PatchVerdict{}, &PatchError{Binary: binaryPath, Cause: fmt.Errorf("truncated fat header")}
	}
	narch := binary.BigEndian.Uint32(data[4:8])
	out := make([]byte, len(data))
	copy(out, data)

	var verdict PatchVerdict
	for i := uint32(0); i < narch; i++ {
		base := 8 + int(i)*20
		if base+20 > len(data) {
			return nil, PatchVerdict{}, &PatchError{Binary: binaryPath, Cause: fmt.Errorf("fat arch %d out of bounds", i)}
		}
		offset := binary.BigEndian.Uint32(data[base+8 : base+12])
		size := binary.BigEndian.Uint32(data[base+12 : base+16])
		if int(offset)+int(size) > len(data) {
			return nil, PatchVerdict{}, &PatchError{Binary: binaryPath, Cause: fmt.Errorf("fat slice %d exceeds file size", i)}
		}

		slice := make([]byte, size)
		copy(slice, data[offset:offset+size])
		patched, sliceVerdict, err := p.patchMachOThin(binaryPath, slice)
		if err != nil {
			return nil, PatchVerdict{}, err
		}
		copy(out[offset:], patched)
		verdict.Rewritten = append(verdict.Rewritten, sliceVerdict.Rewritten...)
		verdict.Kept = append(verdict.Kept, sliceVerdict.Kept...)
		verdict.CodeSigned = verdict.CodeSigned || sliceVerdict.CodeSigned
		verdict.Changed = verdict.Changed || sliceVerdict.Changed
	}
	return out, verdict, nil
}
