package forge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleLayoutDarwin(t *testing.T) {
	s := testSession(t)
	s.Triple = TripleMacARM

	l := NewBundleLayout(s)
	assert.Equal(t, filepath.Join(s.BundleDir(), "TestApp.app"), l.AppDir)
	assert.Equal(t, filepath.Join(l.AppDir, "Contents", "MacOS"), l.BinDir)
	assert.Equal(t, filepath.Join(l.AppDir, "Contents", "MacOS", "Plugins"), l.LibDir)
	assert.Equal(t, "@executable_path/Plugins", l.LibraryAnchor)
	assert.Equal(t, filepath.Join(l.BinDir, "TestApp"), l.ExecutablePath(s))
}

func TestBundleLayoutLinux(t *testing.T) {
	s := testSession(t)

	l := NewBundleLayout(s)
	assert.Equal(t, filepath.Join(l.AppDir, "bin"), l.BinDir)
	assert.Equal(t, filepath.Join(l.AppDir, "lib"), l.LibDir)
	assert.Equal(t, "$ORIGIN/../lib", l.LibraryAnchor)
}

func TestBundleLayoutWindows(t *testing.T) {
	s := testSession(t)
	s.Triple = TripleWindows

	l := NewBundleLayout(s)
	// one flat bin directory, no anchors
	assert.Equal(t, l.BinDir, l.LibDir)
	assert.Empty(t, l.LibraryAnchor)
	assert.Equal(t, filepath.Join(l.BinDir, "TestApp.exe"), l.ExecutablePath(s))
}

// assembleFixture builds a linux session with one bundled library and one
// system library, plus an executable referencing the bundled one through a
// build-tree path.
func assembleFixture(t *testing.T) (*Session, map[string]ResolvedArtifact, string) {
	t.Helper()
	s := testSession(t)

	libStr, libOffs := dynstrTable("libcairo.so", "libz.so.1")
	libData := buildTestELF(t, libStr, []dynEntry{
		{dtSoname, libOffs["libcairo.so"]},
		{dtNeeded, libOffs["libz.so.1"]},
	})
	libPath := filepath.Join(t.TempDir(), "libcairo.so")
	require.NoError(t, os.WriteFile(libPath, libData, 0o755))

	exeStr, exeOffs := dynstrTable(
		"/opt/build/output/libcairo.so",
		"/home/builder/target/x86_64-unknown-linux-gnu/release/build",
	)
	exeData := buildTestELF(t, exeStr, []dynEntry{
		{dtNeeded, exeOffs["/opt/build/output/libcairo.so"]},
		{dtRunPath, exeOffs["/home/builder/target/x86_64-unknown-linux-gnu/release/build"]},
	})
	exePath := filepath.Join(t.TempDir(), "TestApp")
	require.NoError(t, os.WriteFile(exePath, exeData, 0o755))

	artifacts := map[string]ResolvedArtifact{
		"cairo": {Name: "cairo", Triple: s.Triple, Paths: []string{libPath}, CacheKey: "cafe"},
		"fontconfig": {Name: "fontconfig", Triple: s.Triple, System: true,
			Paths: []string{"/usr/lib/libfontconfig.so"}, CacheKey: "feed"},
	}
	return s, artifacts, exePath
}

func TestAssembleBuildsRelocatedTree(t *testing.T) {
	s, artifacts, exePath := assembleFixture(t)

	a := NewAssembler(s)
	require.NoError(t, a.Assemble(artifacts, exePath))

	l := a.Layout
	assert.FileExists(t, filepath.Join(l.BinDir, "TestApp"))
	assert.FileExists(t, filepath.Join(l.LibDir, "libcairo.so"))
	// system libraries are recorded, never copied
	assert.NoFileExists(t, filepath.Join(l.LibDir, "libfontconfig.so"))

	// the bundled executable was relocated
	exeBytes, err := os.ReadFile(filepath.Join(l.BinDir, "TestApp"))
	require.NoError(t, err)
	assert.Equal(t, []string{"libcairo.so"}, dynStrings(t, exeBytes, 1))
	assert.Equal(t, []string{"$ORIGIN/../lib"}, dynStrings(t, exeBytes, 29))

	assert.FileExists(t, filepath.Join(l.ResourcesDir, "testapp.desktop"))

	var info struct {
		App       string `json:"app"`
		Target    string `json:"target"`
		Libraries []struct {
			Name   string `json:"name"`
			System bool   `json:"system"`
		} `json:"libraries"`
	}
	data, err := os.ReadFile(filepath.Join(l.ResourcesDir, "build-info.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, "TestApp", info.App)
	assert.Equal(t, string(TripleLinux), info.Target)
	require.Len(t, info.Libraries, 2)
	assert.Equal(t, "cairo", info.Libraries[0].Name)
	assert.Equal(t, "fontconfig", info.Libraries[1].Name)
	assert.True(t, info.Libraries[1].System)
}

func TestAssembleCopiesResourceTree(t *testing.T) {
	s, artifacts, exePath := assembleFixture(t)

	resources := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(resources, "icons"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resources, "icons", "app.png"), []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(resources, "README"), []byte("docs"), 0o644))
	s.ResourcesDir = resources

	a := NewAssembler(s)
	require.NoError(t, a.Assemble(artifacts, exePath))

	assert.FileExists(t, filepath.Join(a.Layout.ResourcesDir, "icons", "app.png"))
	assert.FileExists(t, filepath.Join(a.Layout.ResourcesDir, "README"))
}

func TestAssembleIsRepeatable(t *testing.T) {
	s, artifacts, exePath := assembleFixture(t)
	a := NewAssembler(s)

	require.NoError(t, a.Assemble(artifacts, exePath))
	require.NoError(t, a.Assemble(artifacts, exePath))
	assert.FileExists(t, filepath.Join(a.Layout.BinDir, "TestApp"))
}

func TestAssemblePatchFailureRemovesTree(t *testing.T) {
	s, artifacts, _ := assembleFixture(t)

	// executable referencing a host path nothing bundles
	exeStr, exeOffs := dynstrTable("/opt/vendor/libmystery.so")
	exeData := buildTestELF(t, exeStr, []dynEntry{{dtNeeded, exeOffs["/opt/vendor/libmystery.so"]}})
	exePath := filepath.Join(t.TempDir(), "TestApp")
	require.NoError(t, os.WriteFile(exePath, exeData, 0o755))

	a := NewAssembler(s)
	err := a.Assemble(artifacts, exePath)
	require.Error(t, err)
	var patchErr *PatchError
	require.ErrorAs(t, err, &patchErr)

	// nothing half-relocated survives
	assert.NoDirExists(t, a.Layout.AppDir)
}

func TestWriteInfoPlist(t *testing.T) {
	s := testSession(t)
	s.Triple = TripleMacIntel
	path := filepath.Join(t.TempDir(), "Info.plist")

	require.NoError(t, writeInfoPlist(path, s))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<string>TestApp</string>")
	assert.Contains(t, string(data), "<string>com.example.testapp</string>")
	assert.Contains(t, string(data), "<string>1.0.0</string>")
}
