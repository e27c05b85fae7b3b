package forge

import (
	"context"
	"fmt"
	"os"
)

// fetchPrebuilt downloads a per-triple prebuilt artifact and unpacks it into
// the output directory. When a mirror is configured it is probed first; the
// upstream URL is the fallback, so a cold mirror never blocks a build.
func fetchPrebuilt(ctx context.Context, req BuildRequest) error {
	d := req.Desc
	if d.Source.DownloadURL == "" {
		return fmt.Errorf("library %s has a prebuilt strategy but no download URL", d.Name)
	}
	if d.Version == "" {
		return fmt.Errorf("library %s has no version: prebuilt artifacts require a pin", d.Name)
	}

	var archive string
	if req.Mirror != nil {
		path, err := req.Mirror.FetchPrebuilt(ctx, req.Session, d)
		if err != nil {
			debugf("Mirror miss for %s: %v\n", d.Name, err)
		} else {
			archive = path
		}
	}
	if archive == "" {
		path, err := fetchToStore(ctx, req.Session.DownloadDir(), d.Source.DownloadURL, d.Version)
		if err != nil {
			return err
		}
		archive = path
	}

	if err := verifyPrebuilt(archive, d.Source.Checksum); err != nil {
		// a corrupt store entry would otherwise poison every later run
		_ = os.Remove(archive)
		return fmt.Errorf("prebuilt artifact for %s is unusable: %w", d.Name, err)
	}

	if err := extractArchive(archive, req.OutputDir); err != nil {
		return fmt.Errorf("failed to unpack prebuilt %s: %w", d.Name, err)
	}
	return nil
}

// verifyPrebuilt rejects empty or non-archive downloads (a 200 with an HTML
// error page is the classic failure shape) and checks the blake3 digest
// against the descriptor's pin when one is declared.
func verifyPrebuilt(path, wantDigest string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("downloaded file is empty")
	}
	kind, err := sniffArchive(path)
	if err != nil {
		return err
	}
	if kind == archiveUnknown {
		return fmt.Errorf("downloaded file is not a recognized archive")
	}

	digest, err := hashFile(path)
	if err != nil {
		return err
	}
	debugf("blake3 %s  %s\n", digest, path)
	if wantDigest != "" && digest != wantDigest {
		return fmt.Errorf("checksum mismatch: got %s, want %s", digest, wantDigest)
	}
	return nil
}
