package forge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Orchestrator runs a build plan stage by stage. Within a stage, libraries
// build in parallel up to the session's job limit; a stage must fully settle
// before the next one starts, so a library never builds before its
// dependencies are resolved.
type Orchestrator struct {
	Session  *Session
	Registry *Registry
	Ledger   *Ledger
	Cache    *Cache
	Mirror   *MirrorClient

	// builder is the strategy dispatch; replaceable in tests.
	builder func(ctx context.Context, req BuildRequest) error
}

func NewOrchestrator(s *Session, reg *Registry, ledger *Ledger) *Orchestrator {
	return &Orchestrator{
		Session:  s,
		Registry: reg,
		Ledger:   ledger,
		Cache:    NewCache(filepath.Join(s.CacheDir, "artifacts")),
		builder:  buildLibrary,
	}
}

type buildResult struct {
	name     string
	artifact ResolvedArtifact
	err      error
}

// Run resolves, plans and builds the session's requested libraries. It
// returns every resolved artifact keyed by name. A failing library fails
// only its own dependents; independent libraries still build, and the
// combined outcome is reported as one SessionError.
func (o *Orchestrator) Run(ctx context.Context) (map[string]ResolvedArtifact, error) {
	descs, err := expandRequest(o.Registry, o.Ledger, o.Session.Triple, o.Session.Libraries)
	if err != nil {
		return nil, err
	}
	o.Ledger.WarnUnknown(o.Registry)

	plan, err := ComputePlan(descs)
	if err != nil {
		return nil, err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Building %d libraries in %d stages for %s\n",
		plan.TotalCount(), len(plan.Stages), o.Session.Triple)
	if Verbose {
		for i, stage := range plan.Stages {
			fmt.Printf("  stage %d: %v\n", i+1, stage)
		}
	}

	completed := make(map[string]ResolvedArtifact)
	failed := make(map[string]error)
	blocked := make(map[string]string)

	logDir := filepath.Join(o.Session.CompilationDir(), "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	for _, stage := range plan.Stages {
		runnable := make([]string, 0, len(stage))
		for _, name := range stage {
			if reason, isBlocked := blockedReason(descs[name], failed, blocked); isBlocked {
				blocked[name] = reason
				cPrintf(colWarn, "Skipping %s: %s\n", name, reason)
				continue
			}
			runnable = append(runnable, name)
		}
		if len(runnable) == 0 {
			continue
		}

		results := make(chan buildResult, len(runnable))
		sem := make(chan struct{}, o.Session.Jobs)
		var wg sync.WaitGroup

		for _, name := range runnable {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				artifact, err := o.buildOne(ctx, descs[name], logDir)
				results <- buildResult{name: name, artifact: artifact, err: err}
			}(name)
		}
		wg.Wait()
		close(results)

		for res := range results {
			if res.err != nil {
				failed[res.name] = &BuildError{Library: res.name, Cause: res.err}
				cPrintf(colError, "Build of %s failed: %v\n", res.name, res.err)
				continue
			}
			completed[res.name] = res.artifact
		}
	}

	if len(failed) > 0 || len(blocked) > 0 {
		return completed, &SessionError{Failed: failed, Blocked: blocked}
	}
	return completed, nil
}

// LoadCached resolves the session's libraries strictly from the artifact
// cache, building nothing. Used when bundling against a previous compile;
// every library must already have a committed cache entry.
func (o *Orchestrator) LoadCached() (map[string]ResolvedArtifact, error) {
	descs, err := expandRequest(o.Registry, o.Ledger, o.Session.Triple, o.Session.Libraries)
	if err != nil {
		return nil, err
	}
	o.Ledger.WarnUnknown(o.Registry)

	resolved := make(map[string]ResolvedArtifact, len(descs))
	var missing []string
	for name, d := range descs {
		entryDir := o.Cache.EntryDir(d.Name, d.Version, o.Session.Triple, o.Session.Profile)
		if !o.Cache.Hit(entryDir) {
			missing = append(missing, name)
			continue
		}
		paths, system, err := o.Cache.ArtifactPaths(entryDir)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		resolved[name] = ResolvedArtifact{
			Name:     d.Name,
			Triple:   o.Session.Triple,
			Paths:    paths,
			CacheKey: o.Cache.Key(d.Name, d.Version, o.Session.Triple, o.Session.Profile),
			System:   system,
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, configErrorf(nil, "no cached artifacts for %v; run the compile step first", missing)
	}
	return resolved, nil
}

// blockedReason reports whether a library cannot run because a dependency
// already failed or was itself blocked.
func blockedReason(d LibraryDescriptor, failed map[string]error, blocked map[string]string) (string, bool) {
	deps := append([]string(nil), d.Depends...)
	sort.Strings(deps)
	for _, dep := range deps {
		if _, ok := failed[dep]; ok {
			return fmt.Sprintf("dependency %s failed", dep), true
		}
		if _, ok := blocked[dep]; ok {
			return fmt.Sprintf("dependency %s was blocked", dep), true
		}
	}
	return "", false
}

// buildOne resolves a single library, through the cache when possible. On a
// cache hit no executor runs at all; on a miss the strategy builds into a
// staging directory which is committed only on success.
func (o *Orchestrator) buildOne(ctx context.Context, d LibraryDescriptor, logDir string) (ResolvedArtifact, error) {
	start := time.Now()
	key := o.Cache.Key(d.Name, d.Version, o.Session.Triple, o.Session.Profile)
	entryDir := o.Cache.EntryDir(d.Name, d.Version, o.Session.Triple, o.Session.Profile)

	if o.Cache.Hit(entryDir) {
		paths, system, err := o.Cache.ArtifactPaths(entryDir)
		if err == nil {
			debugf("Cache hit for %s at %s\n", d.Name, entryDir)
			return ResolvedArtifact{
				Name:     d.Name,
				Triple:   o.Session.Triple,
				Paths:    paths,
				Duration: time.Since(start),
				CacheKey: key,
				System:   system,
			}, nil
		}
		cPrintf(colWarn, "Cache entry for %s is unusable (%v), rebuilding\n", d.Name, err)
		_ = os.RemoveAll(entryDir)
	}

	logFile, err := os.Create(filepath.Join(logDir, d.Name+".log"))
	if err != nil {
		return ResolvedArtifact{}, err
	}
	defer logFile.Close()

	colArrow.Print("-> ")
	colSuccess.Printf("Building %s (%s)\n", d.Name, d.Strategy)

	stage, err := o.Cache.StageDir(entryDir)
	if err != nil {
		return ResolvedArtifact{}, err
	}

	req := BuildRequest{
		Session:   o.Session,
		Mirror:    o.Mirror,
		Desc:      d,
		OutputDir: stage,
		LogWriter: logFile,
	}
	if err := o.builder(ctx, req); err != nil {
		_ = os.RemoveAll(stage)
		return ResolvedArtifact{}, fmt.Errorf("%w (log: %s)", err, logFile.Name())
	}

	if err := o.Cache.Commit(stage, entryDir); err != nil {
		return ResolvedArtifact{}, err
	}

	paths, system, err := o.Cache.ArtifactPaths(entryDir)
	if err != nil {
		return ResolvedArtifact{}, err
	}
	return ResolvedArtifact{
		Name:     d.Name,
		Triple:   o.Session.Triple,
		Paths:    paths,
		Duration: time.Since(start),
		CacheKey: key,
		System:   system,
	}, nil
}
