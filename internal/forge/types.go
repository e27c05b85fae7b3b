package forge

import (
	"fmt"
	"strings"
	"time"
)

// Triple is a target platform triple, e.g. "x86_64-apple-darwin".
type Triple string

const (
	TripleMacIntel Triple = "x86_64-apple-darwin"
	TripleMacARM   Triple = "aarch64-apple-darwin"
	TripleWindows  Triple = "x86_64-pc-windows-msvc"
	TripleLinux    Triple = "x86_64-unknown-linux-gnu"
)

var knownTriples = []Triple{TripleMacIntel, TripleMacARM, TripleWindows, TripleLinux}

// ParseTriple validates a triple string against the supported set.
func ParseTriple(s string) (Triple, error) {
	for _, t := range knownTriples {
		if string(t) == s {
			return t, nil
		}
	}
	var names []string
	for _, t := range knownTriples {
		names = append(names, string(t))
	}
	return "", configErrorf(nil, "unsupported target %q (supported: %s)", s, strings.Join(names, ", "))
}

// OS returns "darwin", "windows" or "linux" for the triple.
func (t Triple) OS() string {
	switch {
	case strings.Contains(string(t), "darwin"):
		return "darwin"
	case strings.Contains(string(t), "windows"):
		return "windows"
	default:
		return "linux"
	}
}

func (t Triple) IsDarwin() bool  { return t.OS() == "darwin" }
func (t Triple) IsWindows() bool { return t.OS() == "windows" }
func (t Triple) IsLinux() bool   { return t.OS() == "linux" }

// Arch returns the architecture component of the triple.
func (t Triple) Arch() string {
	if idx := strings.Index(string(t), "-"); idx > 0 {
		return string(t)[:idx]
	}
	return string(t)
}

// SharedLibraryName returns the platform file name of a shared library.
func (t Triple) SharedLibraryName(name string) string {
	switch t.OS() {
	case "darwin":
		return "lib" + name + ".dylib"
	case "windows":
		return name + ".dll"
	default:
		return "lib" + name + ".so"
	}
}

// BuildStrategy selects how a library turns into an artifact.
type BuildStrategy int

const (
	StrategySource BuildStrategy = iota
	StrategyPrebuilt
	StrategySystem
)

func (s BuildStrategy) String() string {
	switch s {
	case StrategySource:
		return "source"
	case StrategyPrebuilt:
		return "prebuilt"
	case StrategySystem:
		return "system"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// SourceLocation is either a repository at a revision or a plain download
// URL, never both. Use GitLocation or TarLocation to construct one.
type SourceLocation struct {
	RepoURL     string
	Revision    string
	DownloadURL string
	// Checksum is the expected blake3 hex digest of the download, when known.
	Checksum string
}

func GitLocation(repoURL, revision string) SourceLocation {
	return SourceLocation{RepoURL: repoURL, Revision: revision}
}

func TarLocation(downloadURL string) SourceLocation {
	return SourceLocation{DownloadURL: downloadURL}
}

func (l SourceLocation) IsGit() bool { return l.RepoURL != "" }

// LibraryDescriptor describes one native library: where its source or
// artifact comes from, how it is built, and what it depends on. Descriptors
// are immutable once resolved for a session; the registry hands out copies.
type LibraryDescriptor struct {
	Name     string
	Source   SourceLocation
	Strategy BuildStrategy
	Version  string // default version; the pin file strictly overrides it
	Depends  []string
}

// ResolvedArtifact is the product of building (or cache-loading) one library
// for one triple. The orchestrator owns these until bundling.
type ResolvedArtifact struct {
	Name     string
	Triple   Triple
	Paths    []string // ordered; one or more object/library files
	Duration time.Duration
	CacheKey string
	System   bool // located on the host, not bundled
}
