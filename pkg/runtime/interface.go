// Package runtime drives the container runtime hosting the managed engine.
package runtime

import (
	"context"
	"io"
)

// ExecResult is the captured result of a short command run inside a container.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Runtime controls the engine container and the topology around it.
// Every method may fail with errors.KindRuntimeUnavailable; callers treat that
// as retryable within their own wait budgets.
type Runtime interface {
	// IsRunning reports whether the named container is up
	IsRunning(ctx context.Context, name string) (bool, error)

	// IsReady reports whether the engine in the named container accepts connections
	IsReady(ctx context.Context, name string) (bool, error)

	// Exec runs a command inside the container and captures its output
	Exec(ctx context.Context, name string, cmd []string) (ExecResult, error)

	// ExecStreaming runs a command inside the container, feeding stdin when
	// non-nil and copying stdout to the sink. Stderr is discarded.
	ExecStreaming(ctx context.Context, name string, cmd []string, stdin io.Reader, stdout io.Writer) (int, error)

	// RecentLogs returns the last lines of the container's log output
	RecentLogs(ctx context.Context, name string, lines int) (string, error)

	// StopTopology stops every service in the topology
	StopTopology(ctx context.Context) error

	// StartTopology starts every service in the topology, detached
	StartTopology(ctx context.Context) error

	// RunEphemeral runs a one-shot container for the service with its volumes mounted
	RunEphemeral(ctx context.Context, service string, cmd []string) error

	// Close releases runtime resources
	Close() error
}
