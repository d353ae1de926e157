// Package sandbox keeps one warm execution environment per worldline and
// mediates python execution through it. The actual container/runtime
// implementation sits behind the Runner interface.
package sandbox

import (
	"context"
	"time"
)

// ArtifactFile is a file the sandbox produced during an execution.
type ArtifactFile struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Type      string `json:"type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// ExecResult is the outcome of one code execution. Error is a user-level
// failure (the code raised, the process died); transport failures surface
// as Go errors instead.
type ExecResult struct {
	Stdout    string
	Stderr    string
	Error     string
	Artifacts []ArtifactFile
	Duration  time.Duration
}

// Instance is one live sandbox.
type Instance interface {
	ID() string
	Exec(ctx context.Context, code string, timeout time.Duration) (ExecResult, error)
	Stop(ctx context.Context) error
}

// Runner provisions sandbox instances. Implementations live outside this
// module (container runtimes, remote executors); tests use fakes.
type Runner interface {
	Start(ctx context.Context, worldlineID, workspaceDir string) (Instance, error)
}
