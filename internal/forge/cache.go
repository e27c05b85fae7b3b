package forge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// systemMarker is the file a system-provided library's cache entry carries
// instead of artifact files; it records the resolved host path.
const systemMarker = "system.path"

// Cache is the on-disk artifact cache, laid out as
// (target-triple)/(profile)/(library-name)-(version)/ under Root. Presence
// of a complete, non-empty entry directory is the cache-hit signal; entries
// are staged in a ".partial" sibling and renamed into place so a crash never
// leaves a half-entry that reads as a hit.
type Cache struct {
	Root string
}

func NewCache(root string) *Cache {
	return &Cache{Root: root}
}

// Key returns the durable cache key of a (library, version, triple, profile)
// tuple.
func (c *Cache) Key(name, version string, triple Triple, profile string) string {
	return hashString(fmt.Sprintf("%s|%s|%s|%s", name, version, triple, profile))
}

// EntryDir returns the directory an entry lives in.
func (c *Cache) EntryDir(name, version string, triple Triple, profile string) string {
	entry := name
	if version != "" {
		entry = fmt.Sprintf("%s-%s", name, version)
	}
	return filepath.Join(c.Root, string(triple), profile, entry)
}

// Hit reports whether dir is a complete, non-empty cache entry.
func (c *Cache) Hit(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return false
	}
	return true
}

// StageDir returns the staging directory builds write into before Commit.
// Any stale leftover from a crashed run is removed first.
func (c *Cache) StageDir(finalDir string) (string, error) {
	stage := finalDir + ".partial"
	if err := os.RemoveAll(stage); err != nil {
		return "", err
	}
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return "", err
	}
	return stage, nil
}

// Commit atomically promotes a staged entry to its final directory.
func (c *Cache) Commit(stage, finalDir string) error {
	if err := os.RemoveAll(finalDir); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return err
	}
	return os.Rename(stage, finalDir)
}

// ArtifactPaths lists the artifact files of a committed entry, sorted. A
// system-provided entry resolves through its marker file instead.
func (c *Cache) ArtifactPaths(dir string) ([]string, bool, error) {
	marker := filepath.Join(dir, systemMarker)
	if data, err := os.ReadFile(marker); err == nil {
		path := strings.TrimSpace(string(data))
		if path == "" {
			return nil, true, fmt.Errorf("empty system marker in %s", dir)
		}
		return []string{path}, true, nil
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, false, fmt.Errorf("cache entry %s is empty", dir)
	}
	return paths, false, nil
}
