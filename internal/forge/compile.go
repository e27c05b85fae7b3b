package forge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// CompileExecutable produces the application executable and returns its
// path. When FORGE_VMMAKER names an externally built executable it is
// adopted as-is; otherwise the executable crate in the working directory is
// built for the session's target.
func CompileExecutable(ctx context.Context, s *Session) (string, error) {
	out := s.ExecutableOutputPath()
	if err := os.MkdirAll(s.CompilationDir(), 0o755); err != nil {
		return "", err
	}

	if s.VMMaker != "" {
		if !exists(s.VMMaker) {
			return "", configErrorf(nil, "FORGE_VMMAKER points at %s, which does not exist", s.VMMaker)
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Adopting externally built executable %s\n", s.VMMaker)
		if err := copyFile(s.VMMaker, out); err != nil {
			return "", err
		}
		return out, os.Chmod(out, 0o755)
	}

	cargo, err := LookTool("cargo")
	if err != nil {
		return "", configErrorf(err, "no FORGE_VMMAKER given and the executable cannot be compiled")
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Compiling %s for %s (%s)\n", s.ExecutableName, s.Triple, s.Profile)

	exe := NewExecutor(ctx, nil)
	args := []string{"build", "--target", string(s.Triple), "--target-dir", s.TargetDir}
	if s.Profile == "release" {
		args = append(args, "--release")
	}
	if err := exe.Run(exe.Command(cargo, args...)); err != nil {
		return "", fmt.Errorf("compilation failed: %w", err)
	}

	// cargo's per-target layout matches the session's compilation dir
	if !exists(out) {
		return "", fmt.Errorf("compilation finished but %s was not produced", out)
	}
	return out, nil
}

func executableFileName(s *Session) string {
	if s.Triple.IsWindows() {
		return s.ExecutableName + ".exe"
	}
	return s.ExecutableName
}

// ExecutableOutputPath is where CompileExecutable places the binary.
func (s *Session) ExecutableOutputPath() string {
	return filepath.Join(s.CompilationDir(), executableFileName(s))
}
