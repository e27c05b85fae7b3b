package forge

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// archiveKind is the sniffed container type of a downloaded artifact.
type archiveKind int

const (
	archiveUnknown archiveKind = iota
	archiveTarGz
	archiveTarBz2
	archiveTarXz
	archiveTarZst
	archiveTar
	archiveZip
)

// sniffArchive inspects a file's magic bytes. Extension alone is not
// trusted for downloaded artifacts.
func sniffArchive(path string) (archiveKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return archiveUnknown, err
	}
	defer f.Close()

	head := make([]byte, 6)
	n, err := io.ReadFull(f, head)
	if err != nil && n < 4 {
		return archiveUnknown, fmt.Errorf("%s is empty or truncated", path)
	}

	switch {
	case head[0] == 0x1f && head[1] == 0x8b:
		return archiveTarGz, nil
	case head[0] == 'B' && head[1] == 'Z' && head[2] == 'h':
		return archiveTarBz2, nil
	case head[0] == 0xfd && head[1] == '7' && head[2] == 'z' && head[3] == 'X' && head[4] == 'Z':
		return archiveTarXz, nil
	case head[0] == 0x28 && head[1] == 0xb5 && head[2] == 0x2f && head[3] == 0xfd:
		return archiveTarZst, nil
	case head[0] == 'P' && head[1] == 'K':
		return archiveZip, nil
	}
	// plain tar has "ustar" at offset 257
	if _, err := f.Seek(257, io.SeekStart); err == nil {
		ustar := make([]byte, 5)
		if _, err := io.ReadFull(f, ustar); err == nil && string(ustar) == "ustar" {
			return archiveTar, nil
		}
	}
	return archiveUnknown, nil
}

func unzip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		fpath := filepath.Join(dest, f.Name)

		// Security check: prevent zip-slip path traversal.
		if !strings.HasPrefix(fpath, dest+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, os.ModePerm); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
			return err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}
		_, err = io.Copy(outFile, rc)

		// Close inside the loop to avoid holding too many descriptors.
		outFile.Close()
		rc.Close()

		if err != nil {
			return err
		}
	}
	return nil
}

// extractArchive unpacks any supported archive into dest, stripping a single
// top-level directory when the whole archive lives under one (the usual
// upstream tarball shape).
func extractArchive(src, dest string) error {
	kind, err := sniffArchive(src)
	if err != nil {
		return err
	}
	if kind == archiveZip {
		return unzip(src, dest)
	}
	if kind == archiveUnknown {
		return fmt.Errorf("unsupported archive format: %s", src)
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", src, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch kind {
	case archiveTarGz:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", src, err)
		}
		defer gz.Close()
		r = gz
	case archiveTarBz2:
		r = bzip2.NewReader(f)
	case archiveTarXz:
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", src, err)
		}
		r = xzr
	case archiveTarZst:
		zst, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", src, err)
		}
		defer zst.Close()
		r = zst
	case archiveTar:
		// no compression
	}

	return untar(r, dest, src)
}

// untar extracts a tar stream, detecting and stripping a shared top-level
// prefix and handling PAX headers.
func untar(r io.Reader, dest, label string) error {
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)

	var prefix string
	var sawEntry bool
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", label, err)
		}

		// Skip PAX headers (global or per-file)
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("error skipping extended header data in %s: %w", label, err)
			}
			continue
		}

		// Set the strip prefix on the first content entry.
		if !sawEntry && (hdr.Typeflag == tar.TypeDir || hdr.Typeflag == tar.TypeReg) {
			sawEntry = true
			if slashIdx := strings.Index(hdr.Name, "/"); slashIdx != -1 {
				prefix = hdr.Name[:slashIdx+1]
				debugf("Detected tar prefix for stripping: %s\n", prefix)
			}
		}

		targetName := hdr.Name
		if prefix != "" {
			if !strings.HasPrefix(targetName, prefix) {
				// mixed top levels; keep everything as-is from here on
				prefix = ""
			} else {
				targetName = strings.TrimPrefix(targetName, prefix)
			}
		}
		if targetName == "" {
			continue
		}

		targetPath := filepath.Join(absDest, targetName)
		if !strings.HasPrefix(targetPath, absDest+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path in archive: %s", hdr.Name)
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
		case tar.TypeReg:
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
		case tar.TypeSymlink:
			_ = os.Remove(targetPath)
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", targetPath, err)
			}
		default:
			debugf("Skipping tar entry %s (type %d)\n", hdr.Name, hdr.Typeflag)
		}
	}
	return nil
}

// tarDirectory streams dir (rooted at base inside the archive) into w.
func tarDirectory(w io.Writer, dir, base string) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(filepath.Join(base, rel))

		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// CompressBundle packs an assembled bundle into a distributable .tar.gz.
func CompressBundle(bundleDir, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := pgzip.NewWriter(out)
	if err := tarDirectory(gz, bundleDir, filepath.Base(bundleDir)); err != nil {
		gz.Close()
		return fmt.Errorf("failed to compress bundle %s: %w", bundleDir, err)
	}
	return gz.Close()
}

// packCacheEntry packs a committed cache entry into a .tar.zst for mirror
// transport.
func packCacheEntry(entryDir, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	if err := tarDirectory(zw, entryDir, ""); err != nil {
		zw.Close()
		return fmt.Errorf("failed to pack cache entry %s: %w", entryDir, err)
	}
	return zw.Close()
}
