package forge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePinFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "versions.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadLedgerParsesPins(t *testing.T) {
	path := writePinFile(t, `
# pinned library versions
zlib=1.2.13

skia = 1.2.3
`)

	ledger, err := LoadLedger(path)
	require.NoError(t, err)

	v, ok := ledger.Version("zlib")
	require.True(t, ok)
	assert.Equal(t, "1.2.13", v)

	v, ok = ledger.Version("skia")
	require.True(t, ok)
	assert.Equal(t, "1.2.3", v)

	_, ok = ledger.Version("cairo")
	assert.False(t, ok)
}

func TestLoadLedgerRejectsMalformedEntry(t *testing.T) {
	path := writePinFile(t, "zlib=1.2.13\njust-a-name\n")

	_, err := LoadLedger(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedPin)
	assert.Contains(t, err.Error(), ":2:")
	assert.Contains(t, err.Error(), "just-a-name")
}

func TestLoadLedgerRejectsEmptyVersion(t *testing.T) {
	path := writePinFile(t, "zlib=\n")

	_, err := LoadLedger(path)
	assert.ErrorIs(t, err, ErrMalformedPin)
}

func TestLoadLedgerMissingFile(t *testing.T) {
	_, err := LoadLedger(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestWarnUnknownReportsPinsMissingFromRegistry(t *testing.T) {
	reg := testRegistry(LibraryDescriptor{Name: "zlib", Version: "1.2.11"})
	ledger := &Ledger{pins: map[string]string{
		"zlib":    "1.2.13",
		"mystery": "9.9",
		"orphan":  "0.1",
	}}

	assert.Equal(t, []string{"mystery", "orphan"}, ledger.WarnUnknown(reg))
	assert.Empty(t, NewLedger().WarnUnknown(reg))
}

func TestOverlayPinOverridesDefaultVersion(t *testing.T) {
	ledger := &Ledger{pins: map[string]string{"zlib": "1.3.0"}}
	d := LibraryDescriptor{
		Name:    "zlib",
		Version: "1.2.11",
		Source:  GitLocation("https://example.com/zlib.git", "v{version}"),
	}

	resolved := ledger.Overlay(d, TripleLinux)
	assert.Equal(t, "1.3.0", resolved.Version)
	assert.Equal(t, "v1.3.0", resolved.Source.Revision)
}

func TestOverlayExpandsTriplePlaceholder(t *testing.T) {
	ledger := &Ledger{pins: map[string]string{"skia": "1.2.3"}}
	d := LibraryDescriptor{
		Name:   "skia",
		Source: TarLocation("https://example.com/v{version}/libskia-{triple}.zip"),
	}

	resolved := ledger.Overlay(d, TripleMacARM)
	assert.Equal(t, "https://example.com/v1.2.3/libskia-aarch64-apple-darwin.zip", resolved.Source.DownloadURL)
}

func TestOverlayWithoutPinKeepsDefault(t *testing.T) {
	d := LibraryDescriptor{Name: "pixman", Version: "0.40.0",
		Source: TarLocation("https://example.com/pixman-{version}.tar.gz")}

	resolved := NewLedger().Overlay(d, TripleLinux)
	assert.Equal(t, "0.40.0", resolved.Version)
	assert.Equal(t, "https://example.com/pixman-0.40.0.tar.gz", resolved.Source.DownloadURL)
}
