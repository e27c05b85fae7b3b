package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"vmforge/internal/forge"
)

func usage() {
	fmt.Println(`Usage: vmforge <command> [options]

Commands:
  compile   build the libraries and the application executable
  bundle    assemble the relocated bundle from already-built artifacts
  build     compile, then bundle
  upload    upload cached artifacts to the configured mirror
  list      list the libraries the registry knows
  version   print the version stamp

Options:
  --app-name <name>         application name (required for compile/bundle/build)
  --executable-name <name>  executable file name, defaults to the app name
  --identifier <id>         bundle identifier, e.g. com.example.app
  --author <author>         bundle author
  --app-version <version>   application version string
  --target <triple>         target triple, defaults to the host
  --release                 build the release profile
  --libraries <a,b,c>       libraries to build and bundle
  --versions-file <path>    version-pin file
  --jobs <n>                parallel build jobs
  --idle                    run external build tools under idle priority
  --target-dir <path>       build output root, default "target"
  --cache-dir <path>        artifact cache root
  --resources <path>        directory tree copied into the bundle resources
  --vmmaker <path>          externally built executable to adopt
  --verbose, -v             verbose output
  --debug                   debug output`)
}

// flagKeys maps command line options onto their configuration keys, so a
// flag, a config file line and a FORGE_* environment variable are all the
// same setting.
var flagKeys = map[string]string{
	"--app-name":        "FORGE_APP_NAME",
	"--executable-name": "FORGE_EXECUTABLE_NAME",
	"--identifier":      "FORGE_IDENTIFIER",
	"--author":          "FORGE_AUTHOR",
	"--app-version":     "FORGE_APP_VERSION",
	"--target":          "FORGE_TARGET",
	"--libraries":       "FORGE_LIBRARIES",
	"--versions-file":   "FORGE_LIBRARIES_VERSIONS",
	"--jobs":            "FORGE_JOBS",
	"--target-dir":      "FORGE_TARGET_DIR",
	"--cache-dir":       "FORGE_CACHE_DIR",
	"--resources":       "FORGE_RESOURCES",
	"--vmmaker":         "FORGE_VMMAKER",
}

// applyFlags merges command line options into the configuration and returns
// the leftover positional arguments.
func applyFlags(cfg *forge.Config, args []string) ([]string, error) {
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--release":
			cfg.Values["FORGE_RELEASE"] = "1"
			continue
		case "--idle":
			cfg.Values["FORGE_IDLE"] = "1"
			continue
		case "--verbose", "-v":
			forge.Verbose = true
			continue
		case "--debug":
			forge.Debug = true
			continue
		}

		if key, ok := flagKeys[arg]; ok {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			i++
			cfg.Values[key] = args[i]
			continue
		}
		if name, value, found := strings.Cut(arg, "="); found {
			if key, ok := flagKeys[name]; ok {
				cfg.Values[key] = value
				continue
			}
		}
		if strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unknown option %s", arg)
		}
		rest = append(rest, arg)
	}
	return rest, nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			fmt.Printf("\n[INFO] Received %v. Cancelling gracefully...\n", sig)
			cancel()
			select {
			case <-sigs:
				fmt.Println("\n[FATAL] Second interrupt received. Forcing immediate exit.")
				os.Exit(130)
			case <-time.After(30 * time.Second):
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	command := os.Args[1]

	cfg, err := forge.LoadConfig(forge.ConfigFile)
	if err != nil {
		fatal(err)
	}
	if _, err := applyFlags(cfg, os.Args[2:]); err != nil {
		fatal(err)
	}

	switch command {
	case "version":
		forge.PrintVersion()

	case "list":
		reg := forge.NewRegistry()
		for _, name := range reg.Names() {
			d, _ := reg.Lookup(name)
			if d.Version != "" {
				fmt.Printf("%-15s %-10s %s\n", name, d.Strategy, d.Version)
			} else {
				fmt.Printf("%-15s %-10s\n", name, d.Strategy)
			}
		}

	case "compile":
		session, err := forge.NewSession(cfg)
		if err != nil {
			fatal(err)
		}
		if _, err := runCompile(ctx, cfg, session); err != nil {
			fatal(err)
		}

	case "bundle":
		session, err := forge.NewSession(cfg)
		if err != nil {
			fatal(err)
		}
		orch, err := newOrchestrator(cfg, session)
		if err != nil {
			fatal(err)
		}
		artifacts, err := orch.LoadCached()
		if err != nil {
			fatal(err)
		}
		executable := session.ExecutableOutputPath()
		if _, err := os.Stat(executable); err != nil {
			fatal(fmt.Errorf("no compiled executable at %s (run `vmforge compile` first, or use `vmforge build`)", executable))
		}
		if err := runAssemble(session, artifacts, executable); err != nil {
			fatal(err)
		}

	case "build":
		session, err := forge.NewSession(cfg)
		if err != nil {
			fatal(err)
		}
		pipeline, err := runCompile(ctx, cfg, session)
		if err != nil {
			fatal(err)
		}
		if err := runAssemble(session, pipeline.artifacts, pipeline.executable); err != nil {
			fatal(err)
		}

	case "upload":
		session, err := forge.NewSession(cfg)
		if err != nil {
			fatal(err)
		}
		mirror, err := forge.NewMirrorClient(cfg)
		if err != nil {
			fatal(err)
		}
		if mirror == nil {
			fatal(fmt.Errorf("no mirror configured (FORGE_MIRROR_BUCKET is empty)"))
		}
		if err := mirror.UploadCacheEntries(ctx, session); err != nil {
			fatal(err)
		}

	default:
		fmt.Println("Unknown command:", command)
		usage()
		os.Exit(1)
	}
}

// newOrchestrator wires the registry, the pin ledger and the optional mirror
// into an orchestrator for the session.
func newOrchestrator(cfg *forge.Config, session *forge.Session) (*forge.Orchestrator, error) {
	ledger := forge.NewLedger()
	if session.PinFile != "" {
		loaded, err := forge.LoadLedger(session.PinFile)
		if err != nil {
			return nil, err
		}
		ledger = loaded
	}

	mirror, err := forge.NewMirrorClient(cfg)
	if err != nil {
		return nil, err
	}

	orch := forge.NewOrchestrator(session, forge.NewRegistry(), ledger)
	orch.Mirror = mirror
	return orch, nil
}

type compileOutput struct {
	artifacts  map[string]forge.ResolvedArtifact
	executable string
}

// runCompile builds the library set and the application executable.
func runCompile(ctx context.Context, cfg *forge.Config, session *forge.Session) (compileOutput, error) {
	orch, err := newOrchestrator(cfg, session)
	if err != nil {
		return compileOutput{}, err
	}

	artifacts, err := orch.Run(ctx)
	if err != nil {
		var sessionErr *forge.SessionError
		if errors.As(err, &sessionErr) {
			sessionErr.Report()
			os.Exit(1)
		}
		return compileOutput{}, err
	}

	executable, err := forge.CompileExecutable(ctx, session)
	if err != nil {
		return compileOutput{}, err
	}
	return compileOutput{artifacts: artifacts, executable: executable}, nil
}

// runAssemble lays out the bundle, patches every shipped binary, then packs
// the tree into a distributable archive next to it.
func runAssemble(session *forge.Session, artifacts map[string]forge.ResolvedArtifact, executable string) error {
	asm := forge.NewAssembler(session)
	if err := asm.Assemble(artifacts, executable); err != nil {
		return err
	}

	archive := fmt.Sprintf("%s-%s.tar.gz", session.AppName, session.Triple)
	outPath := filepath.Join(session.BundleDir(), archive)
	return forge.CompressBundle(asm.Layout.AppDir, outPath)
}
