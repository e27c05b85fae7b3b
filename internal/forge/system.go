package forge

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// locateSystem resolves a host-provided library through pkg-config and
// records its path in the cache entry's marker file. System libraries are
// never copied into the bundle; the bundler only records them.
func locateSystem(ctx context.Context, req BuildRequest) error {
	d := req.Desc
	s := req.Session

	pkgConfig, err := LookTool("pkg-config")
	if err != nil {
		return fmt.Errorf("cannot locate system library %s: %w", d.Name, err)
	}

	exe := NewExecutor(ctx, req.LogWriter)

	probe := exe.Command(pkgConfig, "--exists", d.Name)
	if err := exe.Run(probe); err != nil {
		return fmt.Errorf("system library %s is not installed on this host (pkg-config knows no such package)", d.Name)
	}

	var out bytes.Buffer
	libdirCmd := exe.Command(pkgConfig, "--variable=libdir", d.Name)
	libdirCmd.Stdout = &out
	if err := exe.Run(libdirCmd); err != nil {
		return fmt.Errorf("pkg-config could not report the libdir of %s: %w", d.Name, err)
	}
	libdir := strings.TrimSpace(out.String())

	libPath := filepath.Join(libdir, s.Triple.SharedLibraryName(d.Name))
	if !exists(libPath) {
		return fmt.Errorf("system library %s is registered but %s does not exist", d.Name, libPath)
	}

	if err := checkArchitecture(libPath, s.Triple); err != nil {
		return err
	}

	marker := filepath.Join(req.OutputDir, systemMarker)
	return os.WriteFile(marker, []byte(libPath+"\n"), 0o644)
}

// checkArchitecture distinguishes a library that is present but built for a
// different architecture from one that is missing outright. The check reads
// only the object header.
func checkArchitecture(path string, triple Triple) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, 20)
	if _, err := f.Read(head); err != nil {
		return fmt.Errorf("cannot read header of %s: %w", path, err)
	}

	switch {
	case bytes.HasPrefix(head, []byte{0x7f, 'E', 'L', 'F'}):
		if !triple.IsLinux() {
			return fmt.Errorf("system library %s is an ELF object but the target is %s", path, triple)
		}
		machine := binary.LittleEndian.Uint16(head[18:20])
		if want := elfMachineFor(triple.Arch()); want != 0 && machine != want {
			return fmt.Errorf("system library %s is built for a different architecture (ELF machine 0x%x, target %s)", path, machine, triple.Arch())
		}
	case binary.LittleEndian.Uint32(head) == 0xfeedfacf || binary.BigEndian.Uint32(head) == 0xcafebabe:
		if !triple.IsDarwin() {
			return fmt.Errorf("system library %s is a Mach-O object but the target is %s", path, triple)
		}
	case head[0] == 'M' && head[1] == 'Z':
		if !triple.IsWindows() {
			return fmt.Errorf("system library %s is a PE object but the target is %s", path, triple)
		}
	}
	return nil
}

func elfMachineFor(arch string) uint16 {
	switch arch {
	case "x86_64":
		return 0x3e
	case "aarch64":
		return 0xb7
	}
	return 0
}
