package forge

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// test fixture helpers building minimal but structurally valid Mach-O images

func dylibCmd(cmd uint32, path string) []byte {
	const nameOff = 24
	size := (nameOff + len(path) + 1 + 7) &^ 7
	raw := make([]byte, size)
	binary.LittleEndian.PutUint32(raw[0:4], cmd)
	binary.LittleEndian.PutUint32(raw[4:8], uint32(size))
	binary.LittleEndian.PutUint32(raw[8:12], nameOff)
	copy(raw[nameOff:], path)
	return raw
}

func rpathCmd(path string) []byte {
	const nameOff = 12
	size := (nameOff + len(path) + 1 + 7) &^ 7
	raw := make([]byte, size)
	binary.LittleEndian.PutUint32(raw[0:4], lcRPath)
	binary.LittleEndian.PutUint32(raw[4:8], uint32(size))
	binary.LittleEndian.PutUint32(raw[8:12], nameOff)
	copy(raw[nameOff:], path)
	return raw
}

func segmentCmd(sectionFileOffset uint32) []byte {
	size := segment64HdrLen + section64Len
	raw := make([]byte, size)
	binary.LittleEndian.PutUint32(raw[0:4], lcSegment64)
	binary.LittleEndian.PutUint32(raw[4:8], uint32(size))
	binary.LittleEndian.PutUint32(raw[64:68], 1) // nsects
	binary.LittleEndian.PutUint32(raw[segment64HdrLen+sectionOffsetOff:], sectionFileOffset)
	return raw
}

// buildThinMachO lays out header + commands, padding the file out to
// sectionOffset plus some section content.
func buildThinMachO(t *testing.T, sectionOffset uint32, cmds ...[]byte) []byte {
	t.Helper()
	var sizeofcmds int
	for _, c := range cmds {
		sizeofcmds += len(c)
	}
	require.LessOrEqual(t, machoHeaderLen+sizeofcmds, int(sectionOffset), "fixture commands overflow the section offset")

	data := make([]byte, int(sectionOffset)+64)
	binary.LittleEndian.PutUint32(data[0:4], machoMagic64)
	binary.LittleEndian.PutUint32(data[16:20], uint32(len(cmds)))
	binary.LittleEndian.PutUint32(data[20:24], uint32(sizeofcmds))

	off := machoHeaderLen
	for _, c := range cmds {
		copy(data[off:], c)
		off += len(c)
	}
	// recognizable section content, must survive patching untouched
	copy(data[sectionOffset:], "SECTIONDATA")
	return data
}

func machoPaths(t *testing.T, data []byte) []string {
	t.Helper()
	m, err := parseMachO(data)
	require.NoError(t, err)
	var paths []string
	for _, lc := range m.cmds {
		if !pathBearingCommand(lc.cmd) {
			continue
		}
		p, _, err := commandPath(lc)
		require.NoError(t, err)
		paths = append(paths, p)
	}
	return paths
}

func testPatcher(bundled ...string) *Patcher {
	set := make(map[string]bool)
	for _, name := range bundled {
		set[name] = true
	}
	return &Patcher{
		LibraryAnchor: "@executable_path/Plugins",
		RunPathAnchor: "@executable_path/Plugins",
		Bundled:       set,
	}
}

func TestPatchMachORewritesBundledReferences(t *testing.T) {
	data := buildThinMachO(t, 1024,
		segmentCmd(1024),
		dylibCmd(lcIDDylib, "/opt/build/out/libcairo.dylib"),
		dylibCmd(lcLoadDylib, "/opt/build/out/libpixman.dylib"),
		dylibCmd(lcLoadDylib, "/usr/lib/libSystem.B.dylib"),
	)
	p := testPatcher("libcairo.dylib", "libpixman.dylib")

	out, verdict, err := p.patchMachO("libcairo.dylib", data)
	require.NoError(t, err)
	assert.True(t, verdict.Changed)
	require.Len(t, verdict.Rewritten, 2)
	assert.Contains(t, verdict.KeptPaths(), "/usr/lib/libSystem.B.dylib")
	assert.Equal(t, EntrySelfID, verdict.Rewritten[0].Kind)
	assert.Equal(t, EntryDependency, verdict.Rewritten[1].Kind)
	assert.False(t, verdict.CodeSigned)

	assert.Equal(t, []string{
		"@executable_path/Plugins/libcairo.dylib",
		"@executable_path/Plugins/libpixman.dylib",
		"/usr/lib/libSystem.B.dylib",
	}, machoPaths(t, out))

	// same file length, section contents untouched
	assert.Len(t, out, len(data))
	assert.Equal(t, "SECTIONDATA", string(out[1024:1024+11]))
}

func TestPatchMachOIdempotent(t *testing.T) {
	data := buildThinMachO(t, 1024,
		segmentCmd(1024),
		dylibCmd(lcLoadDylib, "/opt/build/out/libcairo.dylib"),
		dylibCmd(lcLoadDylib, "/usr/lib/libSystem.B.dylib"),
	)
	p := testPatcher("libcairo.dylib")

	once, verdict, err := p.patchMachO("bin", data)
	require.NoError(t, err)
	require.True(t, verdict.Changed)

	twice, verdict, err := p.patchMachO("bin", once)
	require.NoError(t, err)
	assert.False(t, verdict.Changed)
	assert.Equal(t, once, twice)
}

func TestPatchMachOAlreadyAnchoredIsUntouched(t *testing.T) {
	data := buildThinMachO(t, 1024,
		segmentCmd(1024),
		dylibCmd(lcLoadDylib, "@executable_path/Plugins/libcairo.dylib"),
	)
	p := testPatcher("libcairo.dylib")

	out, verdict, err := p.patchMachO("bin", data)
	require.NoError(t, err)
	assert.False(t, verdict.Changed)
	assert.Equal(t, data, out)
}

func TestPatchMachOWeakAndReexportVariants(t *testing.T) {
	data := buildThinMachO(t, 1024,
		segmentCmd(1024),
		dylibCmd(lcLoadWeakDylib, "/opt/out/libgleam.dylib"),
		dylibCmd(lcReexportDylib, "/opt/out/libboxer.dylib"),
	)
	p := testPatcher("libgleam.dylib", "libboxer.dylib")

	out, verdict, err := p.patchMachO("bin", data)
	require.NoError(t, err)
	assert.Len(t, verdict.Rewritten, 2)
	assert.Equal(t, []string{
		"@executable_path/Plugins/libgleam.dylib",
		"@executable_path/Plugins/libboxer.dylib",
	}, machoPaths(t, out))
}

func TestPatchMachORPathRetargeted(t *testing.T) {
	data := buildThinMachO(t, 1024,
		segmentCmd(1024),
		rpathCmd("/home/builder/target/release"),
	)
	p := testPatcher()

	out, verdict, err := p.patchMachO("bin", data)
	require.NoError(t, err)
	assert.True(t, verdict.Changed)
	assert.Equal(t, []string{"@executable_path/Plugins"}, machoPaths(t, out))
}

func TestPatchMachOReportsCodeSignature(t *testing.T) {
	sig := make([]byte, 16)
	binary.LittleEndian.PutUint32(sig[0:4], lcCodeSignature)
	binary.LittleEndian.PutUint32(sig[4:8], 16)

	data := buildThinMachO(t, 1024,
		segmentCmd(1024),
		dylibCmd(lcLoadDylib, "/opt/out/libcairo.dylib"),
		sig,
	)
	p := testPatcher("libcairo.dylib")

	_, verdict, err := p.patchMachO("bin", data)
	require.NoError(t, err)
	assert.True(t, verdict.CodeSigned)
	assert.True(t, verdict.Changed)
}

func TestPatchMachOUnresolvedHostPathFails(t *testing.T) {
	data := buildThinMachO(t, 1024,
		segmentCmd(1024),
		dylibCmd(lcLoadDylib, "/opt/homebrew/lib/libmystery.dylib"),
	)
	p := testPatcher("libcairo.dylib")

	_, _, err := p.patchMachO("bin", data)
	require.Error(t, err)
	var patchErr *PatchError
	require.ErrorAs(t, err, &patchErr)
	assert.Equal(t, "/opt/homebrew/lib/libmystery.dylib", patchErr.Entry)
}

func TestPatchMachOGrowthCeiling(t *testing.T) {
	// command region ends right at the section start, so a growing rewrite
	// has no slack to expand into
	cmds := [][]byte{
		segmentCmd(0), // placeholder, fixed below
		dylibCmd(lcLoadDylib, "/o/libx.dylib"),
	}
	tight := uint32(machoHeaderLen + len(cmds[0]) + len(cmds[1]))
	cmds[0] = segmentCmd(tight)
	data := buildThinMachO(t, tight, cmds...)

	p := testPatcher("libx.dylib")
	_, _, err := p.patchMachO("bin", data)
	require.Error(t, err)
	var patchErr *PatchError
	require.ErrorAs(t, err, &patchErr)
	assert.Contains(t, patchErr.Cause.Error(), "do not fit")
}

// segmentCmdZeroSections models a sectionless data-carrying segment like
// __LINKEDIT, whose fileoff alone must bound load-command growth.
func segmentCmdZeroSections(fileoff, filesize uint64) []byte {
	raw := make([]byte, segment64HdrLen)
	binary.LittleEndian.PutUint32(raw[0:4], lcSegment64)
	binary.LittleEndian.PutUint32(raw[4:8], segment64HdrLen)
	binary.LittleEndian.PutUint64(raw[40:48], fileoff)
	binary.LittleEndian.PutUint64(raw[48:56], filesize)
	return raw
}

func TestPatchMachOGrowthCeilingFromSegmentFileOffset(t *testing.T) {
	cmds := [][]byte{
		segmentCmdZeroSections(0, 0), // placeholder, fixed below
		dylibCmd(lcLoadDylib, "/o/libx.dylib"),
	}
	tight := uint64(machoHeaderLen + len(cmds[0]) + len(cmds[1]))
	cmds[0] = segmentCmdZeroSections(tight, 64)
	data := buildThinMachO(t, uint32(tight), cmds...)

	p := testPatcher("libx.dylib")
	_, _, err := p.patchMachO("bin", data)
	require.Error(t, err)
	var patchErr *PatchError
	require.ErrorAs(t, err, &patchErr)
	assert.Contains(t, patchErr.Cause.Error(), "do not fit")
}

func TestPatchMachOFatPatchesEverySlice(t *testing.T) {
	slice := buildThinMachO(t, 512,
		segmentCmd(512),
		dylibCmd(lcLoadDylib, "/opt/out/libcairo.dylib"),
	)

	// fat header: magic, narch, then one fat_arch per slice
	nslices := 2
	headerLen := 8 + nslices*20
	data := make([]byte, headerLen+len(slice)*nslices)
	binary.BigEndian.PutUint32(data[0:4], machoFatMagic)
	binary.BigEndian.PutUint32(data[4:8], uint32(nslices))
	for i := 0; i < nslices; i++ {
		base := 8 + i*20
		offset := headerLen + i*len(slice)
		binary.BigEndian.PutUint32(data[base:base+4], uint32(0x0100000c+i)) // cputype
		binary.BigEndian.PutUint32(data[base+8:base+12], uint32(offset))
		binary.BigEndian.PutUint32(data[base+12:base+16], uint32(len(slice)))
		copy(data[offset:], slice)
	}

	p := testPatcher("libcairo.dylib")
	out, verdict, err := p.patchMachO("bin", data)
	require.NoError(t, err)
	assert.True(t, verdict.Changed)
	assert.Len(t, verdict.Rewritten, 2)
	assert.Len(t, out, len(data))

	for i := 0; i < nslices; i++ {
		offset := headerLen + i*len(slice)
		paths := machoPaths(t, out[offset:offset+len(slice)])
		assert.Equal(t, []string{"@executable_path/Plugins/libcairo.dylib"}, paths)
	}
}

func TestParseMachORejectsGarbage(t *testing.T) {
	_, err := parseMachO([]byte{1, 2, 3})
	assert.Error(t, err)

	data := buildThinMachO(t, 256, dylibCmd(lcLoadDylib, "/x/liba.dylib"))
	binary.LittleEndian.PutUint32(data[20:24], uint32(len(data)+100)) // sizeofcmds beyond EOF
	_, err = parseMachO(data)
	assert.Error(t, err)
}
