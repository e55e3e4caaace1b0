// Package containerrt defines the abstract container-runtime contract that
// the executor and stage-copy engine depend on, independent of any
// concrete SDK. Concrete adapters live in subpackages: dockerapi wraps
// github.com/docker/docker/client against a real daemon; rtfake provides an
// in-memory double for tests.
package containerrt

import (
	"context"
	"io"
)

// State is the subset of container inspect data the core needs.
type State struct {
	Running bool
	Image   string
}

// ExecConfig describes a command to run inside a container via Exec.
type ExecConfig struct {
	Cmd    []string
	Env    []string
	Detach bool
}

// ExecResult is the completion outcome of a started exec.
type ExecResult struct {
	ExitCode int
}

// ExecHandle represents a started exec. Start returns a single
// stdout/stderr-multiplexed stream; callers demultiplex it with Demux.
// Wait blocks until the process exits and must only be called after the
// stream returned by Start has been fully drained, since most runtimes do
// not report a final exit code until the output pipe is closed.
type ExecHandle interface {
	Start(ctx context.Context) (io.ReadCloser, error)
	Wait(ctx context.Context) (ExecResult, error)
}

// Client is the full runtime-client contract required by the core. Every
// method may suspend on network I/O; callers interleave cancellation
// checks around calls rather than inside them.
type Client interface {
	Inspect(ctx context.Context, container string) (State, error)
	StartContainerFromImage(ctx context.Context, image string, entrypoint []string) (string, error)
	PutArchive(ctx context.Context, container string, destPath string, tar io.Reader) error
	GetArchive(ctx context.Context, container string, srcPath string) (io.ReadCloser, error)
	Exec(ctx context.Context, container string, cfg ExecConfig) (ExecHandle, error)
	Kill(ctx context.Context, container string) error
	Start(ctx context.Context, container string) error
	Remove(ctx context.Context, container string, force bool) error
}
