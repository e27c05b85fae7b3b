package forge

import (
	"sort"
)

// Registry is the static mapping from library name to its build-strategy
// descriptor. The entries mirror the VM's third-party set: graphics stack
// built from source snapshots, large prebuilt artifacts fetched per triple,
// and a couple of host-provided libraries.
type Registry struct {
	libraries map[string]LibraryDescriptor
}

// NewRegistry returns the built-in descriptor set.
func NewRegistry() *Registry {
	r := &Registry{libraries: make(map[string]LibraryDescriptor)}

	for _, d := range builtinLibraries {
		r.libraries[d.Name] = d
	}
	return r
}

// Lookup returns a copy of the descriptor for name. Unknown names are a
// configuration error, reported before any build starts.
func (r *Registry) Lookup(name string) (LibraryDescriptor, error) {
	d, ok := r.libraries[name]
	if !ok {
		return LibraryDescriptor{}, configErrorf(ErrUnknownLibrary, "library %q is not in the registry", name)
	}
	// copy the dependency slice so callers cannot mutate the registry
	deps := make([]string, len(d.Depends))
	copy(deps, d.Depends)
	d.Depends = deps
	return d, nil
}

// Names returns all registered library names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.libraries))
	for name := range r.libraries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinLibraries is the full third-party set. Version fields are defaults;
// the version ledger strictly overrides them. URLs may carry a {version}
// placeholder substituted after the overlay.
var builtinLibraries = []LibraryDescriptor{
	{
		Name:     "zlib",
		Source:   GitLocation("https://github.com/madler/zlib.git", "v{version}"),
		Strategy: StrategySource,
		Version:  "1.2.11",
	},
	{
		Name:     "png",
		Source:   GitLocation("https://github.com/glennrp/libpng.git", "v{version}"),
		Strategy: StrategySource,
		Version:  "1.6.37",
		Depends:  []string{"zlib"},
	},
	{
		Name:     "pixman",
		Source:   TarLocation("https://www.cairographics.org/releases/pixman-{version}.tar.gz"),
		Strategy: StrategySource,
		Version:  "0.40.0",
	},
	{
		Name:     "freetype",
		Source:   TarLocation("https://download.savannah.gnu.org/releases/freetype/freetype-{version}.tar.xz"),
		Strategy: StrategySource,
		Version:  "2.10.4",
		Depends:  []string{"png", "zlib"},
	},
	{
		Name:     "cairo",
		Source:   TarLocation("https://cairographics.org/snapshots/cairo-{version}.tar.xz"),
		Strategy: StrategySource,
		Version:  "1.17.4",
		Depends:  []string{"pixman", "freetype", "png"},
	},
	{
		Name:     "crypto",
		Source:   GitLocation("https://github.com/openssl/openssl.git", "OpenSSL_{version}"),
		Strategy: StrategySource,
		Version:  "1_1_1k",
	},
	{
		Name:     "ssl",
		Source:   GitLocation("https://github.com/openssl/openssl.git", "OpenSSL_{version}"),
		Strategy: StrategySource,
		Version:  "1_1_1k",
		Depends:  []string{"crypto"},
	},
	{
		Name:     "ssh2",
		Source:   GitLocation("https://github.com/libssh2/libssh2.git", "libssh2-{version}"),
		Strategy: StrategySource,
		Version:  "1.9.0",
		Depends:  []string{"crypto", "ssl"},
	},
	{
		Name:     "git",
		Source:   GitLocation("https://github.com/libgit2/libgit2.git", "v{version}"),
		Strategy: StrategySource,
		Version:  "1.1.1",
		Depends:  []string{"ssh2"},
	},
	{
		Name:     "sdl2",
		Source:   TarLocation("https://libsdl.org/release/SDL2-{version}-{triple}.tar.gz"),
		Strategy: StrategyPrebuilt,
		Version:  "2.0.14",
	},
	{
		Name:     "skia",
		Source:   TarLocation("https://github.com/feenkcom/libskia/releases/download/v{version}/libskia-{triple}.zip"),
		Strategy: StrategyPrebuilt,
	},
	{
		Name:     "boxer",
		Source:   GitLocation("https://github.com/feenkcom/gtoolkit-boxer.git", "v{version}"),
		Strategy: StrategySource,
	},
	{
		Name:     "winit",
		Source:   GitLocation("https://github.com/feenkcom/libwinit.git", "v{version}"),
		Strategy: StrategySource,
	},
	{
		Name:     "glutin",
		Source:   GitLocation("https://github.com/feenkcom/libglutin.git", "v{version}"),
		Strategy: StrategySource,
	},
	{
		Name:     "gleam",
		Source:   GitLocation("https://github.com/feenkcom/libgleam.git", "v{version}"),
		Strategy: StrategySource,
	},
	{
		Name:     "pixels",
		Source:   GitLocation("https://github.com/feenkcom/libpixels.git", "v{version}"),
		Strategy: StrategySource,
	},
	{
		Name:     "clipboard",
		Source:   GitLocation("https://github.com/feenkcom/libclipboard.git", "v{version}"),
		Strategy: StrategySource,
	},
	{
		Name:     "process",
		Source:   GitLocation("https://github.com/feenkcom/libprocess.git", "v{version}"),
		Strategy: StrategySource,
	},
	{
		Name:     "fontconfig",
		Strategy: StrategySystem,
	},
	{
		Name:     "test-library",
		Source:   GitLocation("https://github.com/feenkcom/libtest.git", "main"),
		Strategy: StrategySource,
	},
}
