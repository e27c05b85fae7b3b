package forge

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Ledger holds the version pins loaded from the pin file: one
// `name=version` entry per line, `#` comments allowed. A pin strictly
// overrides the descriptor's default version; a pin for a name the registry
// does not know is a warning, not an error.
type Ledger struct {
	pins map[string]string
}

// NewLedger returns an empty ledger (no pin file given).
func NewLedger() *Ledger {
	return &Ledger{pins: make(map[string]string)}
}

// LoadLedger parses the pin file. A malformed entry is a configuration
// error reported before any build starts.
func LoadLedger(path string) (*Ledger, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, configErrorf(err, "cannot read version-pin file %s", path)
	}
	defer file.Close()

	l := NewLedger()
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, configErrorf(ErrMalformedPin, "%s:%d: expected name=version, got %q", path, lineNo, line)
		}
		name := strings.TrimSpace(parts[0])
		version := strings.TrimSpace(parts[1])
		if name == "" || version == "" {
			return nil, configErrorf(ErrMalformedPin, "%s:%d: expected name=version, got %q", path, lineNo, line)
		}
		l.pins[name] = version
	}
	if err := scanner.Err(); err != nil {
		return nil, configErrorf(err, "cannot read version-pin file %s", path)
	}
	return l, nil
}

// Version returns the pinned version for name, if any.
func (l *Ledger) Version(name string) (string, bool) {
	v, ok := l.pins[name]
	return v, ok
}

// Overlay applies the pin (when present) onto a descriptor and substitutes
// version/triple placeholders into its source location. The returned
// descriptor is what the session builds against.
func (l *Ledger) Overlay(d LibraryDescriptor, triple Triple) LibraryDescriptor {
	if pinned, ok := l.pins[d.Name]; ok {
		d.Version = pinned
	}
	expand := func(s string) string {
		s = strings.ReplaceAll(s, "{version}", d.Version)
		s = strings.ReplaceAll(s, "{triple}", string(triple))
		return s
	}
	d.Source.RepoURL = expand(d.Source.RepoURL)
	d.Source.Revision = expand(d.Source.Revision)
	d.Source.DownloadURL = expand(d.Source.DownloadURL)
	return d
}

// WarnUnknown reports pins that name libraries missing from the registry and
// returns them sorted. Such pins are ignored (non-fatal).
func (l *Ledger) WarnUnknown(reg *Registry) []string {
	var unknown []string
	for name := range l.pins {
		if _, err := reg.Lookup(name); err != nil {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		colWarn.Println(fmt.Sprintf("Warning: version pin for unknown library %q ignored", name))
	}
	return unknown
}
