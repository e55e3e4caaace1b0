// Package execgroup implements the per-container action-group executor:
// uploading changed files, deleting removed ones, running a group's
// commands over an exec stream, and restarting the container when a
// restart-eligible group ran.
package execgroup

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/balena-io-modules/livepush/internal/containerrt"
	"github.com/balena-io-modules/livepush/internal/ctxlog"
	"github.com/balena-io-modules/livepush/internal/events"
	"github.com/balena-io-modules/livepush/internal/recipe"
	"github.com/balena-io-modules/livepush/internal/stagecopy"
)

// Executor runs a single stage's action groups against one container.
type Executor struct {
	StageIdx    int
	ContainerID string
	ContextRoot string
	Client      containerrt.Client
	Bus         *events.Bus
	StageCopy   *stagecopy.Engine
	BuildArgs   map[string]string
	SkipRestart bool
	Cancel      *atomic.Bool

	dirCacheMu sync.Mutex
	dirCache   map[string]bool
}

// New builds an Executor for one stage's container.
func New(stageIdx int, containerID string, client containerrt.Client, bus *events.Bus, contextRoot string, cancel *atomic.Bool) *Executor {
	return &Executor{
		StageIdx:    stageIdx,
		ContainerID: containerID,
		ContextRoot: contextRoot,
		Client:      client,
		Bus:         bus,
		StageCopy:   stagecopy.New(client),
		Cancel:      cancel,
		dirCache:    make(map[string]bool),
	}
}

// SetBuildArguments installs the environment passed to every subsequent
// exec's command.
func (e *Executor) SetBuildArguments(args map[string]string) {
	e.BuildArgs = args
}

// CheckRunning reports whether the container's runtime state is running.
func (e *Executor) CheckRunning(ctx context.Context) (bool, error) {
	state, err := e.Client.Inspect(ctx, e.ContainerID)
	if err != nil {
		return false, &containerrt.RuntimeError{Op: "inspect", ContainerID: e.ContainerID, Err: err}
	}
	return state.Running, nil
}

// containerIsRunning inspects an arbitrary container id (typically another
// stage's, when resolving a stage copy's source) without consulting this
// executor's own memoized state, returning false (not an error) if the
// container no longer exists — e.g. after CleanupIntermediateContainers.
func (e *Executor) containerIsRunning(ctx context.Context, containerID string) (bool, error) {
	state, err := e.Client.Inspect(ctx, containerID)
	if err != nil {
		return false, nil
	}
	return state.Running, nil
}

// PathIsDirectory is a memoized `test -d` against the container; the cache
// is container-local and not reset between runs for the lifetime of the
// Executor.
func (e *Executor) PathIsDirectory(ctx context.Context, p string) (bool, error) {
	e.dirCacheMu.Lock()
	if v, ok := e.dirCache[p]; ok {
		e.dirCacheMu.Unlock()
		return v, nil
	}
	e.dirCacheMu.Unlock()

	handle, err := e.Client.Exec(ctx, e.ContainerID, containerrt.ExecConfig{Cmd: []string{"/bin/sh", "-c", "test -d " + shellQuote(p)}})
	if err != nil {
		return false, err
	}
	stream, err := handle.Start(ctx)
	if err != nil {
		return false, err
	}
	defer stream.Close()
	if err := containerrt.Demux(stream, func(containerrt.Chunk) {}); err != nil {
		return false, err
	}
	res, err := handle.Wait(ctx)
	if err != nil {
		return false, err
	}
	isDir := res.ExitCode == 0

	e.dirCacheMu.Lock()
	e.dirCache[p] = isDir
	e.dirCacheMu.Unlock()
	return isDir, nil
}

// StageContainers maps a stage index to its container id, so an executor
// running stage groups can resolve a StageCopy's source container.
type StageContainers map[int]string

// ExecuteActionGroups runs groups in order against the executor's
// container.
func (e *Executor) ExecuteActionGroups(ctx context.Context, groups []*recipe.ActionGroup, addedOrUpdated, deleted map[string]struct{}, stageContainers StageContainers) error {
	logger := ctxlog.FromContext(ctx).With("stage", e.StageIdx, "container", e.ContainerID)

	running, err := e.CheckRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		return &ContainerNotRunningError{ContainerID: e.ContainerID}
	}
	logger.Debug("executing action groups", "groups", len(groups))

	ran := false
	restartRequested := false

	for _, group := range groups {
		if e.Cancel != nil && e.Cancel.Load() {
			return nil
		}

		if group.Kind == recipe.StageGroupKind {
			for _, sc := range group.StageCopies {
				sourceContainer, ok := stageContainers[sc.SourceStage]
				if !ok {
					return &InternalInconsistencyError{Message: fmt.Sprintf("no container for stage %d", sc.SourceStage)}
				}
				if sourceRunning, err := e.containerIsRunning(ctx, sourceContainer); err != nil || !sourceRunning {
					return &ContainerNotRunningError{ContainerID: sourceContainer}
				}
				if err := e.StageCopy.Run(ctx, sourceContainer, e.ContainerID, stagecopy.Copy{Source: sc.Source, Dest: sc.Dest}); err != nil {
					return err
				}
			}
		} else {
			if err := e.applyLocalCopies(ctx, group, addedOrUpdated, deleted); err != nil {
				return err
			}
		}

		ran = true
		if group.Restart {
			restartRequested = true
		}

		halted, err := e.runCommands(ctx, group.Commands)
		if err != nil {
			return err
		}
		if halted {
			break
		}
		if e.Cancel != nil && e.Cancel.Load() {
			return nil
		}
	}

	if ran && !e.SkipRestart && restartRequested {
		if err := e.Client.Kill(ctx, e.ContainerID); err != nil {
			return &containerrt.RuntimeError{Op: "kill", ContainerID: e.ContainerID, Err: err}
		}
		if err := e.Client.Start(ctx, e.ContainerID); err != nil {
			return &containerrt.RuntimeError{Op: "start", ContainerID: e.ContainerID, Err: err}
		}
		logger.Info("container restarted")
		e.Bus.PublishContainerRestart(e.ContainerID)
	}
	return nil
}

// applyLocalCopies resolves the toAdd/toDelete sets for group and applies
// them: one tar upload rooted at "/" for every added/updated file the
// group's copies match, then an `rm -f` per deleted path.
func (e *Executor) applyLocalCopies(ctx context.Context, group *recipe.ActionGroup, addedOrUpdated, deleted map[string]struct{}) error {
	toAdd, err := e.resolveDestinations(ctx, group.LocalCopies, addedOrUpdated)
	if err != nil {
		return err
	}
	toDelete, err := e.resolveDestinations(ctx, group.LocalCopies, deleted)
	if err != nil {
		return err
	}

	if len(toAdd) > 0 {
		archive, err := e.buildUploadArchive(toAdd)
		if err != nil {
			return err
		}
		if err := e.Client.PutArchive(ctx, e.ContainerID, "/", archive); err != nil {
			return err
		}
	}

	for _, d := range toDelete {
		handle, err := e.Client.Exec(ctx, e.ContainerID, containerrt.ExecConfig{Cmd: []string{"/bin/sh", "-c", "rm -f " + shellQuote(d.destPath)}})
		if err != nil {
			return err
		}
		stream, err := handle.Start(ctx)
		if err != nil {
			return err
		}
		err = containerrt.Demux(stream, func(containerrt.Chunk) {})
		stream.Close()
		if err != nil {
			return err
		}
		if _, err := handle.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// destination is one resolved host-path -> container-path mapping.
type destination struct {
	hostPath string
	destPath string
}

// resolveDestinations computes, for every changed file matching one of
// copies, its in-container destination.
func (e *Executor) resolveDestinations(ctx context.Context, copies []recipe.LocalCopy, changed map[string]struct{}) ([]destination, error) {
	var out []destination
	for f := range changed {
		normalized := strings.ReplaceAll(f, "\\", "/")
		for _, c := range copies {
			if !recipe.MatchesCopySource(normalized, c.Source) {
				continue
			}
			destIsDir, err := e.destinationIsDirectory(ctx, c.Dest)
			if err != nil {
				return nil, err
			}

			hostSource, err := securejoin.SecureJoin(e.ContextRoot, filepath.FromSlash(c.Source))
			if err != nil {
				return nil, fmt.Errorf("execgroup: resolve copy source %q under %s: %w", c.Source, e.ContextRoot, err)
			}
			sourceIsFile := fileExists(hostSource) && c.Source != normalized && !isGlobPattern(c.Source)

			var destPath string
			switch {
			case destIsDir && sourceIsFile:
				rel := relPosix(c.Source, normalized)
				destPath = path.Join(c.Dest, rel)
			case destIsDir:
				destPath = path.Join(c.Dest, normalized)
			default:
				destPath = c.Dest
			}

			hostPath, err := securejoin.SecureJoin(e.ContextRoot, filepath.FromSlash(normalized))
			if err != nil {
				return nil, fmt.Errorf("execgroup: resolve changed file %q under %s: %w", normalized, e.ContextRoot, err)
			}
			out = append(out, destination{
				hostPath: hostPath,
				destPath: destPath,
			})
		}
	}
	return out, nil
}

func (e *Executor) destinationIsDirectory(ctx context.Context, dest string) (bool, error) {
	if strings.HasSuffix(dest, "/") {
		return true, nil
	}
	return e.PathIsDirectory(ctx, dest)
}

func (e *Executor) buildUploadArchive(dests []destination) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, d := range dests {
		data, err := os.ReadFile(d.hostPath)
		if err != nil {
			return nil, fmt.Errorf("execgroup: read %s: %w", d.hostPath, err)
		}
		info, err := os.Stat(d.hostPath)
		if err != nil {
			return nil, err
		}
		name := strings.TrimPrefix(path.Clean(d.destPath), "/")
		if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: int64(info.Mode().Perm())}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// runCommands executes group commands in order over the exec stream. It
// returns halted=true if a non-zero exit stopped the run early; that is
// not an error, only observable via events.
func (e *Executor) runCommands(ctx context.Context, commands []string) (bool, error) {
	for _, cmd := range commands {
		if e.Cancel != nil && e.Cancel.Load() {
			return true, nil
		}

		e.Bus.PublishCommandExecute(e.StageIdx, cmd)

		handle, err := e.Client.Exec(ctx, e.ContainerID, containerrt.ExecConfig{
			Cmd: []string{"/bin/sh", "-c", reexpand(cmd)},
			Env: envSlice(e.BuildArgs),
		})
		if err != nil {
			return false, err
		}
		stream, err := handle.Start(ctx)
		if err != nil {
			return false, err
		}
		demuxErr := containerrt.Demux(stream, func(c containerrt.Chunk) {
			e.Bus.PublishCommandOutput(e.StageIdx, c.Data, c.IsStderr)
		})
		stream.Close()
		if demuxErr != nil {
			return false, demuxErr
		}

		res, err := handle.Wait(ctx)
		if err != nil {
			return false, err
		}
		e.Bus.PublishCommandReturn(e.StageIdx, res.ExitCode, cmd)

		if res.ExitCode != 0 {
			return true, nil
		}
	}
	return false, nil
}

func envSlice(args map[string]string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, 0, len(args))
	for k, v := range args {
		out = append(out, k+"="+v)
	}
	return out
}

// reexpand is the identity transform: commands are already literal shell
// text from the recipe, so wrapping them in `/bin/sh -c` is sufficient to
// preserve glob tokens and operators (&&, |, >) exactly as the author
// wrote them.
func reexpand(cmd string) string {
	return cmd
}

func shellQuote(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func isGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func relPosix(base, target string) string {
	base = strings.TrimSuffix(path.Clean(base), "/")
	rel := strings.TrimPrefix(target, base+"/")
	if rel == target {
		return path.Base(target)
	}
	return rel
}

