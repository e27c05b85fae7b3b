package forge

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// ConfigFile is the default configuration path, overridable for tests.
var ConfigFile = "/etc/vmforge.conf"

// Config holds raw KEY=value configuration.
type Config struct {
	Values map[string]string
}

// LoadConfig reads the configuration file (missing file is fine) and merges
// FORGE_* environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	mergeEnvOverrides(cfg)
	return cfg, nil
}

// Merge FORGE_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "FORGE_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

// Session is one resolved build session: everything the orchestrator,
// patcher and assembler need, fixed up front.
type Session struct {
	AppName        string
	ExecutableName string
	Identifier     string
	Author         string
	AppVersion     string

	Triple  Triple
	Profile string // "release" or "debug"

	Libraries []string // requested library names
	PinFile   string   // path to the version-pin file, may be empty

	Jobs      int
	IdleBuild bool   // run external build tools under idle priority
	TargetDir string // root of build output, default "target"
	CacheDir  string // artifact cache root
	VMMaker   string // optional externally-provided VM-maker executable

	// ResourcesDir is an optional tree copied verbatim into the bundle's
	// resources directory.
	ResourcesDir string
}

// NewSession resolves configuration values into a Session. Flags parsed by
// main are expected to already be merged into cfg.Values.
func NewSession(cfg *Config) (*Session, error) {
	s := &Session{
		AppName:    cfg.Values["FORGE_APP_NAME"],
		Identifier: cfg.Values["FORGE_IDENTIFIER"],
		Author:     cfg.Values["FORGE_AUTHOR"],
		AppVersion: cfg.Values["FORGE_APP_VERSION"],
		PinFile:    cfg.Values["FORGE_LIBRARIES_VERSIONS"],
		VMMaker:    cfg.Values["FORGE_VMMAKER"],
	}
	s.ResourcesDir = cfg.Values["FORGE_RESOURCES"]
	s.IdleBuild = cfg.Values["FORGE_IDLE"] == "1" || strings.EqualFold(cfg.Values["FORGE_IDLE"], "true")

	if s.AppName == "" {
		return nil, &ConfigError{Reason: "FORGE_APP_NAME (or --app-name) is required"}
	}
	if s.Identifier == "" {
		s.Identifier = "com.example." + strings.ToLower(s.AppName)
	}
	if s.AppVersion == "" {
		s.AppVersion = "0.0.0"
	}
	s.ExecutableName = cfg.Values["FORGE_EXECUTABLE_NAME"]
	if s.ExecutableName == "" {
		s.ExecutableName = s.AppName
	}

	target := cfg.Values["FORGE_TARGET"]
	if target == "" {
		target = hostTriple()
	}
	triple, err := ParseTriple(target)
	if err != nil {
		return nil, err
	}
	s.Triple = triple

	s.Profile = "debug"
	if cfg.Values["FORGE_RELEASE"] == "1" || strings.EqualFold(cfg.Values["FORGE_RELEASE"], "true") {
		s.Profile = "release"
	}

	if libs := cfg.Values["FORGE_LIBRARIES"]; libs != "" {
		for _, name := range strings.Split(libs, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				s.Libraries = append(s.Libraries, name)
			}
		}
	}

	s.Jobs = runtime.GOMAXPROCS(0)
	if v := cfg.Values["FORGE_JOBS"]; v != "" {
		jobs, err := strconv.Atoi(v)
		if err != nil || jobs < 1 {
			return nil, configErrorf(nil, "FORGE_JOBS must be a positive integer, got %q", v)
		}
		s.Jobs = jobs
	}

	s.TargetDir = cfg.Values["FORGE_TARGET_DIR"]
	if s.TargetDir == "" {
		s.TargetDir = "target"
	}
	s.CacheDir = cfg.Values["FORGE_CACHE_DIR"]
	if s.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		s.CacheDir = filepath.Join(home, ".cache", "vmforge")
	}

	return s, nil
}

// hostTriple maps the running platform onto a triple string.
func hostTriple() string {
	switch runtime.GOOS {
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return string(TripleMacARM)
		}
		return string(TripleMacIntel)
	case "windows":
		return string(TripleWindows)
	default:
		return string(TripleLinux)
	}
}

// CompilationDir is (target-triple)/(profile) under the target dir.
func (s *Session) CompilationDir() string {
	return filepath.Join(s.TargetDir, string(s.Triple), s.Profile)
}

// BundleDir is where the assembled bundle tree is placed.
func (s *Session) BundleDir() string {
	return filepath.Join(s.CompilationDir(), "bundle")
}

// SourcesDir holds per-library checked-out sources.
func (s *Session) SourcesDir() string {
	return filepath.Join(s.CacheDir, "sources")
}

// DownloadDir is the shared download store, keyed by content hash.
func (s *Session) DownloadDir() string {
	return filepath.Join(s.CacheDir, "downloads")
}

// BuildDir holds per-library private build trees.
func (s *Session) BuildDir() string {
	return filepath.Join(s.CompilationDir(), "build")
}

func (s *Session) String() string {
	return fmt.Sprintf("%s %s (%s/%s)", s.AppName, s.AppVersion, s.Triple, s.Profile)
}
