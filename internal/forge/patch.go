package forge

import (
	"debug/pe"
	"fmt"
	"os"
	"path"
	"strings"
)

// Patcher rewrites dependency references inside copied binaries so they
// resolve relative to the bundle instead of the build host. Inputs are the
// bundle's set of shipped library file names; anything else is either a
// platform library (left alone) or an error.
type Patcher struct {
	// LibraryAnchor is the prefix rewritten references get, e.g.
	// "@executable_path/Plugins" on mac.
	LibraryAnchor string
	// RunPathAnchor is the run-path search entry, e.g. "$ORIGIN/../lib".
	RunPathAnchor string
	// Bundled maps shipped library file names (base names) to true.
	Bundled map[string]bool
}

// LoadEntryKind classifies a dependent-library reference inside a binary.
type LoadEntryKind int

const (
	// EntrySelfID is the binary's own install name.
	EntrySelfID LoadEntryKind = iota
	// EntryDependency is a reference to another library.
	EntryDependency
	// EntrySearchPath is a run-path hint the loader searches.
	EntrySearchPath
)

func (k LoadEntryKind) String() string {
	switch k {
	case EntrySelfID:
		return "self-id"
	case EntryDependency:
		return "dependency"
	case EntrySearchPath:
		return "search-path"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// LoadEntry is one dependent-library reference as embedded in a binary.
// Entries are mutated in place by the patcher, never added or removed.
type LoadEntry struct {
	Binary   string
	Declared string
	Kind     LoadEntryKind
}

// PatchVerdict summarizes what happened to one binary.
type PatchVerdict struct {
	Rewritten []LoadEntry // entries rewritten to the anchor
	Kept      []LoadEntry // entries left untouched
	// CodeSigned reports an attached code signature, which patching
	// invalidated; re-signing is the caller's responsibility.
	CodeSigned bool
	Changed    bool
}

// KeptPaths returns the declared paths of untouched entries, in table order.
func (v PatchVerdict) KeptPaths() []string {
	paths := make([]string, len(v.Kept))
	for i, e := range v.Kept {
		paths[i] = e.Declared
	}
	return paths
}

// RewrittenPaths returns the original declared paths of rewritten entries.
func (v PatchVerdict) RewrittenPaths() []string {
	paths := make([]string, len(v.Rewritten))
	for i, e := range v.Rewritten {
		paths[i] = e.Declared
	}
	return paths
}

// systemPrefixes are install locations that always resolve on the end user's
// machine and are never bundled.
var systemPrefixes = []string{"/usr/lib", "/System"}

func isPlatformEntry(entry string) bool {
	for _, p := range systemPrefixes {
		if strings.HasPrefix(entry, p) {
			return true
		}
	}
	return false
}

// classify decides the fate of a single dependency reference. ok=false with
// empty replacement means leave the entry alone.
func (p *Patcher) classify(binary, entry string) (string, bool, error) {
	if isPlatformEntry(entry) {
		return "", false, nil
	}
	base := path.Base(entry)
	if p.Bundled[base] {
		target := p.LibraryAnchor + "/" + base
		if entry == target {
			return "", false, nil
		}
		return target, true, nil
	}
	// Absolute references outside the platform set that we do not ship
	// would break on the end user's machine.
	if strings.HasPrefix(entry, "/") {
		return "", false, &PatchError{
			Binary: binary,
			Entry:  entry,
			Cause:  fmt.Errorf("references a host path that is not bundled"),
		}
	}
	// Bare sonames resolve through the run path; nothing to rewrite.
	return "", false, nil
}

// PatchBinary rewrites one binary in place. The object format is sniffed
// from the file header, never from the extension.
func (p *Patcher) PatchBinary(filePath string) (PatchVerdict, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return PatchVerdict{}, err
	}
	if len(data) < 4 {
		return PatchVerdict{}, &PatchError{Binary: filePath, Cause: fmt.Errorf("file too small to be an object")}
	}

	var verdict PatchVerdict
	var patched []byte

	switch {
	case isMachO(data):
		patched, verdict, err = p.patchMachO(filePath, data)
	case isELF(data):
		patched, verdict, err = p.patchELF(filePath, data)
	case isPE(data):
		verdict, err = p.verifyPE(filePath)
	default:
		return PatchVerdict{}, &PatchError{Binary: filePath, Cause: fmt.Errorf("unrecognized object format")}
	}
	if err != nil {
		return PatchVerdict{}, err
	}

	if verdict.Changed {
		info, err := os.Stat(filePath)
		if err != nil {
			return PatchVerdict{}, err
		}
		if err := os.WriteFile(filePath, patched, info.Mode()); err != nil {
			return PatchVerdict{}, err
		}
	}
	return verdict, nil
}

func isELF(data []byte) bool {
	return data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F'
}

func isPE(data []byte) bool {
	return data[0] == 'M' && data[1] == 'Z'
}

// verifyPE checks a Windows binary's imports without modifying it. PE has no
// embedded search paths; the loader finds DLLs next to the executable, so
// bundling into one directory is the whole relocation story. Imports that
// are neither bundled nor Windows system DLLs are reported.
func (p *Patcher) verifyPE(filePath string) (PatchVerdict, error) {
	f, err := pe.Open(filePath)
	if err != nil {
		return PatchVerdict{}, &PatchError{Binary: filePath, Cause: err}
	}
	defer f.Close()

	symbols, err := f.ImportedSymbols()
	if err != nil {
		return PatchVerdict{}, &PatchError{Binary: filePath, Cause: err}
	}

	seen := make(map[string]bool)
	var verdict PatchVerdict
	for _, sym := range symbols {
		// symbols read "Name:DLL.dll"
		idx := strings.LastIndex(sym, ":")
		if idx < 0 {
			continue
		}
		dll := strings.ToLower(sym[idx+1:])
		if seen[dll] {
			continue
		}
		seen[dll] = true

		switch {
		case p.Bundled[dll], isWindowsSystemDLL(dll):
			verdict.Kept = append(verdict.Kept, LoadEntry{Binary: filePath, Declared: dll, Kind: EntryDependency})
		default:
			return PatchVerdict{}, &PatchError{
				Binary: filePath,
				Entry:  dll,
				Cause:  fmt.Errorf("imports a DLL that is neither bundled nor a system library"),
			}
		}
	}
	return verdict, nil
}

// isWindowsSystemDLL matches the OS-provided import set.
func isWindowsSystemDLL(dll string) bool {
	if windowsSystemDLLs[dll] {
		return true
	}
	// api sets: api-ms-win-*.dll, ext-ms-*.dll
	return strings.HasPrefix(dll, "api-ms-win-") || strings.HasPrefix(dll, "ext-ms-")
}

var windowsSystemDLLs = map[string]bool{
	"kernel32.dll": true,
	"user32.dll":   true,
	"gdi32.dll":    true,
	"advapi32.dll": true,
	"shell32.dll":  true,
	"ole32.dll":    true,
	"oleaut32.dll": true,
	"ws2_32.dll":   true,
	"crypt32.dll":  true,
	"secur32.dll":  true,
	"bcrypt.dll":   true,
	"ntdll.dll":    true,
	"msvcrt.dll":   true,
	"ucrtbase.dll": true,
	"shlwapi.dll":  true,
	"version.dll":  true,
	"winmm.dll":    true,
	"imm32.dll":    true,
	"setupapi.dll": true,
	"userenv.dll":  true,
	"dwmapi.dll":   true,
	"uxtheme.dll":  true,
	"opengl32.dll": true,
	"d3d11.dll":    true,
	"dxgi.dll":     true,
	"winhttp.dll":  true,
	"iphlpapi.dll": true,
	"psapi.dll":    true,
	"comdlg32.dll": true,
	"comctl32.dll": true,
}
