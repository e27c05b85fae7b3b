package forge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BundleLayout maps the platform's bundle conventions onto concrete
// directories. Mac gets a .app tree with libraries under Plugins next to the
// executable; Linux a bin/lib split resolved through $ORIGIN; Windows one
// flat bin directory, which is the whole relocation story there.
type BundleLayout struct {
	AppDir       string
	BinDir       string
	LibDir       string
	ResourcesDir string

	LibraryAnchor string
	RunPathAnchor string
}

func NewBundleLayout(s *Session) *BundleLayout {
	switch s.Triple.OS() {
	case "darwin":
		app := filepath.Join(s.BundleDir(), s.AppName+".app")
		return &BundleLayout{
			AppDir:        app,
			BinDir:        filepath.Join(app, "Contents", "MacOS"),
			LibDir:        filepath.Join(app, "Contents", "MacOS", "Plugins"),
			ResourcesDir:  filepath.Join(app, "Contents", "Resources"),
			LibraryAnchor: "@executable_path/Plugins",
			RunPathAnchor: "@executable_path/Plugins",
		}
	case "windows":
		app := filepath.Join(s.BundleDir(), s.AppName)
		return &BundleLayout{
			AppDir:       app,
			BinDir:       filepath.Join(app, "bin"),
			LibDir:       filepath.Join(app, "bin"),
			ResourcesDir: filepath.Join(app, "share"),
		}
	default:
		app := filepath.Join(s.BundleDir(), s.AppName)
		return &BundleLayout{
			AppDir:        app,
			BinDir:        filepath.Join(app, "bin"),
			LibDir:        filepath.Join(app, "lib"),
			ResourcesDir:  filepath.Join(app, "share"),
			LibraryAnchor: "$ORIGIN/../lib",
			RunPathAnchor: "$ORIGIN/../lib",
		}
	}
}

// ExecutablePath is where the bundled executable lands.
func (l *BundleLayout) ExecutablePath(s *Session) string {
	name := s.ExecutableName
	if s.Triple.IsWindows() && !strings.HasSuffix(name, ".exe") {
		name += ".exe"
	}
	return filepath.Join(l.BinDir, name)
}

// Assembler turns resolved artifacts plus the compiled executable into a
// finished, relocated bundle tree.
type Assembler struct {
	Session *Session
	Layout  *BundleLayout
}

func NewAssembler(s *Session) *Assembler {
	return &Assembler{Session: s, Layout: NewBundleLayout(s)}
}

// Assemble builds the bundle from scratch: any previous tree is discarded,
// files are copied in, then every copied binary is patched. A patch failure
// removes the whole tree so a half-relocated bundle can never ship.
func (a *Assembler) Assemble(artifacts map[string]ResolvedArtifact, executable string) error {
	l := a.Layout
	s := a.Session

	if err := os.RemoveAll(l.AppDir); err != nil {
		return &AssemblyError{Artifact: l.AppDir, Cause: err}
	}
	for _, dir := range []string{l.BinDir, l.LibDir, l.ResourcesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &AssemblyError{Artifact: dir, Cause: err}
		}
	}

	exePath := l.ExecutablePath(s)
	if err := copyFile(executable, exePath); err != nil {
		return &AssemblyError{Artifact: executable, Cause: fmt.Errorf("failed to place executable: %w", err)}
	}
	if err := os.Chmod(exePath, 0o755); err != nil {
		return &AssemblyError{Artifact: exePath, Cause: err}
	}

	// copy shipped libraries and collect the bundled-name set the patcher
	// classifies against; system-provided artifacts are recorded, not copied
	bundled := map[string]bool{filepath.Base(exePath): true}
	var shipped []string
	for _, name := range sortedArtifactNames(artifacts) {
		art := artifacts[name]
		if art.System {
			cPrintf(colNote, "Not bundling system library %s (%s)\n", name, art.Paths[0])
			continue
		}
		for _, src := range art.Paths {
			dst := filepath.Join(l.LibDir, filepath.Base(src))
			if err := copyFile(src, dst); err != nil {
				return &AssemblyError{Artifact: src, Cause: err}
			}
			bundled[filepath.Base(src)] = true
			shipped = append(shipped, dst)
		}
	}

	patcher := &Patcher{
		LibraryAnchor: l.LibraryAnchor,
		RunPathAnchor: l.RunPathAnchor,
		Bundled:       bundled,
	}
	for _, target := range append([]string{exePath}, shipped...) {
		verdict, err := patcher.PatchBinary(target)
		if err != nil {
			// never leave a partially relocated tree behind
			_ = os.RemoveAll(l.AppDir)
			return err
		}
		if verdict.Changed {
			debugf("Patched %s: rewrote %d references\n", target, len(verdict.Rewritten))
		}
		if verdict.Changed && verdict.CodeSigned {
			colArrow.Print("-> ")
			colWarn.Printf("Patching invalidated the code signature of %s; re-sign before distribution\n", filepath.Base(target))
		}
	}

	if s.ResourcesDir != "" {
		if err := copyTree(s.ResourcesDir, l.ResourcesDir); err != nil {
			_ = os.RemoveAll(l.AppDir)
			return &AssemblyError{Artifact: s.ResourcesDir, Cause: err}
		}
	}

	if err := a.writeManifests(artifacts); err != nil {
		_ = os.RemoveAll(l.AppDir)
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Bundle assembled at %s\n", l.AppDir)
	return nil
}

func sortedArtifactNames(artifacts map[string]ResolvedArtifact) []string {
	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// writeManifests emits the platform metadata files plus the build record.
func (a *Assembler) writeManifests(artifacts map[string]ResolvedArtifact) error {
	s := a.Session
	l := a.Layout

	switch s.Triple.OS() {
	case "darwin":
		plist := filepath.Join(l.AppDir, "Contents", "Info.plist")
		if err := writeInfoPlist(plist, s); err != nil {
			return &AssemblyError{Artifact: plist, Cause: err}
		}
	case "linux":
		desktop := filepath.Join(l.ResourcesDir, strings.ToLower(s.AppName)+".desktop")
		if err := writeDesktopEntry(desktop, s); err != nil {
			return &AssemblyError{Artifact: desktop, Cause: err}
		}
	}

	infoPath := filepath.Join(l.ResourcesDir, "build-info.json")
	if err := writeBuildInfo(infoPath, s, artifacts); err != nil {
		return &AssemblyError{Artifact: infoPath, Cause: err}
	}
	return nil
}
