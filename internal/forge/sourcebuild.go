package forge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// buildFromSource obtains a library's sources, drives its native build system
// in a private build tree, and copies the produced shared libraries into the
// request's output directory.
func buildFromSource(ctx context.Context, req BuildRequest) error {
	d := req.Desc
	if d.Source.RepoURL == "" && d.Source.DownloadURL == "" {
		return fmt.Errorf("library %s has a source strategy but no source location", d.Name)
	}

	srcDir, err := obtainSource(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to obtain sources for %s: %w", d.Name, err)
	}

	buildDir := filepath.Join(req.Session.BuildDir(), d.Name)
	if err := os.RemoveAll(buildDir); err != nil {
		return err
	}
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return err
	}

	exe := NewExecutor(ctx, req.LogWriter)
	exe.Env = buildEnv(req.Session)
	exe.ApplyIdlePriority = req.Session.IdleBuild

	if err := driveBuildSystem(exe, req, srcDir, buildDir); err != nil {
		return err
	}

	return collectArtifacts(req, srcDir, buildDir)
}

// buildEnv is the extra environment every source build runs with.
func buildEnv(s *Session) []string {
	env := []string{
		"FORGE_TRIPLE=" + string(s.Triple),
		"FORGE_PROFILE=" + s.Profile,
	}
	if s.VMMaker != "" {
		env = append(env, "VM_MAKER="+s.VMMaker)
	}
	return env
}

// obtainSource materializes the library's sources under the shared sources
// directory and returns the checkout path. Git sources are cloned at the
// pinned revision; tarball sources go through the download store first.
func obtainSource(ctx context.Context, req BuildRequest) (string, error) {
	d := req.Desc
	s := req.Session

	if d.Source.IsGit() {
		key := hashString(d.Source.RepoURL + "@" + d.Source.Revision)[:16]
		srcDir := filepath.Join(s.SourcesDir(), fmt.Sprintf("%s-%s", d.Name, key))
		if _, err := os.Stat(filepath.Join(srcDir, ".git")); err == nil {
			debugf("Sources for %s already checked out at %s\n", d.Name, srcDir)
			return srcDir, nil
		}
		if err := os.MkdirAll(s.SourcesDir(), 0o755); err != nil {
			return "", err
		}

		exe := NewExecutor(ctx, req.LogWriter)
		gitPath, err := LookTool("git")
		if err != nil {
			return "", err
		}

		_ = os.RemoveAll(srcDir)
		clone := exe.Command(gitPath, "clone", "--depth", "1", "--branch", d.Source.Revision, d.Source.RepoURL, srcDir)
		if err := exe.Run(clone); err != nil {
			// revision may be a commit hash rather than a ref; fall back to
			// a full clone plus checkout
			_ = os.RemoveAll(srcDir)
			full := exe.Command(gitPath, "clone", d.Source.RepoURL, srcDir)
			if err := exe.Run(full); err != nil {
				return "", err
			}
			checkout := exe.Command(gitPath, "checkout", d.Source.Revision)
			checkout.Dir = srcDir
			if err := exe.Run(checkout); err != nil {
				return "", err
			}
		}
		return srcDir, nil
	}

	archive, err := fetchToStore(ctx, s.DownloadDir(), d.Source.DownloadURL, d.Version)
	if err != nil {
		return "", err
	}
	srcDir := filepath.Join(s.SourcesDir(), fmt.Sprintf("%s-%s", d.Name, hashString(d.Source.DownloadURL+d.Version)[:16]))
	if _, err := os.Stat(srcDir); err == nil {
		return srcDir, nil
	}
	tmp := srcDir + ".partial"
	_ = os.RemoveAll(tmp)
	if err := extractArchive(archive, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return "", err
	}
	if err := os.Rename(tmp, srcDir); err != nil {
		return "", err
	}
	return srcDir, nil
}

// driveBuildSystem picks the library's build system by probing the checkout
// and runs it to completion.
func driveBuildSystem(exe *Executor, req BuildRequest, srcDir, buildDir string) error {
	s := req.Session
	jobs := strconv.Itoa(s.Jobs)

	switch {
	case exists(filepath.Join(srcDir, "Cargo.toml")):
		cargo, err := LookTool("cargo")
		if err != nil {
			return err
		}
		args := []string{"build", "--target", string(s.Triple), "--target-dir", buildDir}
		if s.Profile == "release" {
			args = append(args, "--release")
		}
		cmd := exe.Command(cargo, args...)
		cmd.Dir = srcDir
		return exe.Run(cmd)

	case exists(filepath.Join(srcDir, "CMakeLists.txt")):
		cmake, err := LookTool("cmake")
		if err != nil {
			return err
		}
		buildType := "Debug"
		if s.Profile == "release" {
			buildType = "Release"
		}
		configure := exe.Command(cmake,
			"-S", srcDir,
			"-B", buildDir,
			"-DBUILD_SHARED_LIBS=ON",
			"-DCMAKE_BUILD_TYPE="+buildType,
		)
		if err := exe.Run(configure); err != nil {
			return err
		}
		build := exe.Command(cmake, "--build", buildDir, "--parallel", jobs)
		return exe.Run(build)

	case exists(filepath.Join(srcDir, "configure")) || exists(filepath.Join(srcDir, "Configure")):
		make_, err := LookTool("make")
		if err != nil {
			return err
		}
		script := "./configure"
		if !exists(filepath.Join(srcDir, "configure")) {
			script = "./Configure"
		}
		// autotools builds in-tree against the source checkout
		configure := exe.Command(script, "--prefix="+buildDir)
		configure.Dir = srcDir
		if err := exe.Run(configure); err != nil {
			return err
		}
		build := exe.Command(make_, "-j", jobs)
		build.Dir = srcDir
		if err := exe.Run(build); err != nil {
			return err
		}
		install := exe.Command(make_, "install")
		install.Dir = srcDir
		return exe.Run(install)
	}

	return fmt.Errorf("no recognized build system in %s", srcDir)
}

// collectArtifacts finds the shared libraries the build produced and copies
// them into the output directory. Matching is by platform naming convention
// for the library's own name; a build that produced nothing is an error.
func collectArtifacts(req BuildRequest, srcDir, buildDir string) error {
	d := req.Desc
	triple := req.Session.Triple
	wanted := artifactMatcher(d.Name, triple)

	var found []string
	for _, root := range []string{buildDir, srcDir} {
		err := filepath.WalkDir(root, func(path string, de os.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable subtree, keep scanning
			}
			if de.Type().IsRegular() && wanted(de.Name()) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(found) > 0 {
			break
		}
	}
	if len(found) == 0 {
		return fmt.Errorf("build of %s produced no %s artifact", d.Name, triple.SharedLibraryName(d.Name))
	}

	for _, path := range found {
		if err := copyFile(path, filepath.Join(req.OutputDir, filepath.Base(path))); err != nil {
			return err
		}
	}
	return nil
}

// artifactMatcher matches shared-library file names belonging to a library,
// including versioned variants like libz.so.1.2.11.
func artifactMatcher(name string, triple Triple) func(string) bool {
	exact := triple.SharedLibraryName(name)
	var prefix, ext string
	switch triple.OS() {
	case "darwin":
		prefix, ext = "lib"+name, ".dylib"
	case "windows":
		prefix, ext = name, ".dll"
	default:
		prefix, ext = "lib"+name, ".so"
	}
	return func(file string) bool {
		if file == exact {
			return true
		}
		if !strings.HasPrefix(file, prefix) {
			return false
		}
		rest := strings.TrimPrefix(file, prefix)
		// allow "libz.so.1", "libpng16.so", "libcairo.2.dylib"
		return strings.Contains(rest, ext)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
