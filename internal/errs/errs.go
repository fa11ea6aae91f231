// Package errs defines the error kinds shared by the cache, VCS, sync and
// render layers. Callers match kinds with errors.Is; the underlying cause
// stays in the chain next to the kind.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a missing branch, tree, revision, pad or changed-file entry.
	ErrNotFound = errors.New("not found")
	// ErrRemoteAPI indicates a network or auth failure against the VCS host or pad service.
	ErrRemoteAPI = errors.New("remote api error")
	// ErrCache indicates the cache service is unavailable or rejected a write.
	ErrCache = errors.New("cache error")
	// ErrToolchain indicates the render or image tool exited unsuccessfully.
	ErrToolchain = errors.New("toolchain error")
	// ErrFilesystem indicates local artifact storage failed.
	ErrFilesystem = errors.New("filesystem error")
	// ErrMissingArtifact indicates a pipeline stage found its input artifact absent
	// even though the producing stage reported success.
	ErrMissingArtifact = errors.New("missing artifact")
)

// Wrap joins a kind with a cause so that both match errors.Is.
func Wrap(kind error, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, cause)
}

// ToolchainError carries the diagnostic stream of a failed external tool.
type ToolchainError struct {
	Tool       string
	Diagnostic string
	Err        error
}

func (e *ToolchainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Diagnostic != "" {
		return fmt.Sprintf("%s failed: %s", e.Tool, e.Diagnostic)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolchainError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrToolchain}
	}
	return []error{ErrToolchain, e.Err}
}

// Kind reports the first known kind found in err's chain, or nil.
func Kind(err error) error {
	for _, kind := range []error{ErrNotFound, ErrMissingArtifact, ErrToolchain, ErrCache, ErrFilesystem, ErrRemoteAPI} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
