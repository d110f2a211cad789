// Package sandbox defines the isolated execution environment a run drives:
// command execution with streamed output, file reads and writes relative to
// the sandbox workspace, and a network address per exposed port.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Connect for an unknown sandbox ID.
	ErrNotFound = errors.New("sandbox not found")
	// ErrPathEscape is returned for paths that resolve outside the workspace.
	ErrPathEscape = errors.New("path escapes sandbox workspace")
)

// CommandOptions configures a single command execution. The callbacks receive
// output chunks as they are produced and may be invoked from different
// goroutines.
type CommandOptions struct {
	OnStdout func(chunk string)
	OnStderr func(chunk string)
	Timeout  time.Duration
}

// CommandResult is the outcome of a command that ran to completion or timed
// out. A non-zero exit code is a result, not an error.
type CommandResult struct {
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	TimedOut bool          `json:"timedOut,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Sandbox is a handle to one isolated environment.
type Sandbox interface {
	ID() string
	// Host returns the externally reachable host for a port, without scheme.
	Host(port int) string
	RunCommand(ctx context.Context, command string, opts CommandOptions) (*CommandResult, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
}

// Provider creates sandboxes and reconnects to existing ones by ID.
type Provider interface {
	Create(ctx context.Context, template string) (Sandbox, error)
	Connect(ctx context.Context, id string) (Sandbox, error)
}
