package forge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel causes used to classify configuration problems.
var (
	ErrUnknownLibrary  = errors.New("unknown library")
	ErrDependencyCycle = errors.New("dependency cycle")
	ErrMalformedPin    = errors.New("malformed version pin")
)

// ConfigError is an operator-fixable problem detected before any build work
// starts: an unknown library name, a dependency cycle, a malformed pin entry.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(cause error, format string, a ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, a...), Err: cause}
}

// BuildError is a per-library executor failure: network, missing tool,
// non-zero external build exit, missing expected artifact. It never aborts
// unrelated libraries; the orchestrator aggregates them into a SessionError.
type BuildError struct {
	Library string
	Cause   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build of %s failed: %v", e.Library, e.Cause)
}

func (e *BuildError) Unwrap() error { return e.Cause }

// PatchError aborts the whole bundling step. A half-patched bundle is worse
// than no bundle.
type PatchError struct {
	Binary string
	Entry  string
	Cause  error
}

func (e *PatchError) Error() string {
	msg := fmt.Sprintf("cannot patch %s", e.Binary)
	if e.Entry != "" {
		msg += fmt.Sprintf(" (entry %q)", e.Entry)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PatchError) Unwrap() error { return e.Cause }

// AssemblyError names the artifact a copy or manifest render failed on.
type AssemblyError struct {
	Artifact string
	Cause    error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assembly failed on %s: %v", e.Artifact, e.Cause)
}

func (e *AssemblyError) Unwrap() error { return e.Cause }

// SessionError carries the complete set of failed and blocked libraries of
// one build session so the operator sees every problem in a single pass.
type SessionError struct {
	Failed  map[string]error
	Blocked map[string]string // library -> the failed dependency it waited on
}

func (e *SessionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "build session incomplete: %d failed, %d blocked", len(e.Failed), len(e.Blocked))

	var failed []string
	for name := range e.Failed {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		fmt.Fprintf(&b, "\n  - %-20s: %v", name, e.Failed[name])
	}

	var blocked []string
	for name := range e.Blocked {
		blocked = append(blocked, name)
	}
	sort.Strings(blocked)
	for _, name := range blocked {
		fmt.Fprintf(&b, "\n  - %-20s: blocked by %s", name, e.Blocked[name])
	}
	return b.String()
}

// Report prints the failure report, separating operator-fixable causes from
// environment causes the way the CLI surfaces them.
func (e *SessionError) Report() {
	colArrow.Print("-> ")
	colError.Println("Failed or Blocked Libraries:")

	var failed []string
	for name := range e.Failed {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		fmt.Printf("  - %-20s: %v\n", name, e.Failed[name])
	}

	var blocked []string
	for name := range e.Blocked {
		blocked = append(blocked, name)
	}
	sort.Strings(blocked)
	for _, name := range blocked {
		fmt.Printf("  - %-20s: dependency failed: %s\n", name, e.Blocked[name])
	}
}
