// Package stagecopy implements the stage-copy engine: moving a path from
// one container's filesystem into another's, rewriting archive entry names
// to the destination layout along the way.
package stagecopy

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/moby/go-archive"

	"github.com/balena-io-modules/livepush/internal/containerrt"
)

// Copy is one source/destination pair to move between containers, matching
// recipe.StageCopy's shape without importing the recipe package (stagecopy
// is a leaf below it).
type Copy struct {
	Source string
	Dest   string
}

// Engine moves Copy entries between containers via an abstract
// containerrt.Client.
type Engine struct {
	Client containerrt.Client
}

// New builds a stage-copy engine bound to a runtime client.
func New(client containerrt.Client) *Engine {
	return &Engine{Client: client}
}

// Run performs one stage copy from sourceContainer to destContainer: it
// first probes whether the source path is a directory, then takes the
// directory or file path accordingly.
func (e *Engine) Run(ctx context.Context, sourceContainer, destContainer string, c Copy) error {
	isDir, err := e.pathIsDirectory(ctx, sourceContainer, c.Source)
	if err != nil {
		return fmt.Errorf("stagecopy: probe %s: %w", c.Source, err)
	}
	if isDir {
		return e.copyDirectory(ctx, sourceContainer, destContainer, c)
	}
	return e.copyFile(ctx, sourceContainer, destContainer, c)
}

func (e *Engine) pathIsDirectory(ctx context.Context, container, p string) (bool, error) {
	res, err := e.runAndCollect(ctx, container, []string{"/bin/sh", "-c", "test -d " + shellQuote(p)})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// copyDirectory fetches an archive of c.Source from the source container,
// rebases its entry names onto c.Dest via the archive package's own
// rebase helper (the same primitive the Docker CLI's `docker cp` uses),
// drops the link/device entries the rebase helper passes through
// unfiltered, and streams the result to the destination container's root.
func (e *Engine) copyDirectory(ctx context.Context, sourceContainer, destContainer string, c Copy) error {
	destIsDir, err := e.pathIsDirectory(ctx, destContainer, c.Dest)
	if err != nil {
		return fmt.Errorf("stagecopy: probe destination %s: %w", c.Dest, err)
	}
	if !destIsDir && !strings.HasSuffix(c.Dest, "/") {
		return fmt.Errorf("stagecopy: directory copy into non-directory destination %q", c.Dest)
	}

	rc, err := e.Client.GetArchive(ctx, sourceContainer, c.Source)
	if err != nil {
		return fmt.Errorf("stagecopy: get archive %s: %w", c.Source, err)
	}
	defer rc.Close()

	sourceBase := path.Base(path.Clean(c.Source))
	rebased := archive.RebaseArchiveEntries(rc, sourceBase, strings.TrimPrefix(path.Clean(c.Dest), "/"))
	defer rebased.Close()

	filtered, err := dropUnsupportedEntries(rebased)
	if err != nil {
		return fmt.Errorf("stagecopy: filter archive: %w", err)
	}

	if err := e.Client.PutArchive(ctx, destContainer, "/", filtered); err != nil {
		return fmt.Errorf("stagecopy: put archive: %w", err)
	}
	return nil
}

// dropUnsupportedEntries removes link and device entries from a tar
// stream; a broken link or device node crashes a plain tar-extraction
// ingest on the destination side, so they are skipped rather than carried
// over.
func dropUnsupportedEntries(r io.Reader) (io.Reader, error) {
	tr := tar.NewReader(r)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeDir {
			continue
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return nil, err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// copyFile reads c.Source via `cat` and its mode via `stat -c %a`, then
// produces a one-entry archive addressed at c.Dest (or
// c.Dest/basename(c.Source) when c.Dest names a directory) and streams it
// to the destination container.
func (e *Engine) copyFile(ctx context.Context, sourceContainer, destContainer string, c Copy) error {
	content, err := e.runAndCapture(ctx, sourceContainer, []string{"/bin/sh", "-c", "cat " + shellQuote(c.Source)})
	if err != nil {
		return fmt.Errorf("stagecopy: read %s: %w", c.Source, err)
	}

	modeOut, err := e.runAndCapture(ctx, sourceContainer, []string{"/bin/sh", "-c", "stat -c %a " + shellQuote(c.Source)})
	if err != nil {
		return fmt.Errorf("stagecopy: stat %s: %w", c.Source, err)
	}
	mode, err := strconv.ParseInt(strings.TrimSpace(string(modeOut)), 8, 32)
	if err != nil {
		mode = 0o644
	}

	dest := c.Dest
	if strings.HasSuffix(dest, "/") {
		dest = path.Join(dest, path.Base(c.Source))
	}
	if !path.IsAbs(dest) {
		return fmt.Errorf("stagecopy: resolved destination %q is not absolute", dest)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	name := strings.TrimPrefix(dest, "/")
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: mode}); err != nil {
		return err
	}
	if _, err := tw.Write(content); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	if err := e.Client.PutArchive(ctx, destContainer, "/", &buf); err != nil {
		return fmt.Errorf("stagecopy: put archive: %w", err)
	}
	return nil
}

func (e *Engine) runAndCollect(ctx context.Context, container string, cmd []string) (containerrt.ExecResult, error) {
	handle, err := e.Client.Exec(ctx, container, containerrt.ExecConfig{Cmd: cmd})
	if err != nil {
		return containerrt.ExecResult{}, err
	}
	stream, err := handle.Start(ctx)
	if err != nil {
		return containerrt.ExecResult{}, err
	}
	defer stream.Close()
	if err := containerrt.Demux(stream, func(containerrt.Chunk) {}); err != nil {
		return containerrt.ExecResult{}, err
	}
	return handle.Wait(ctx)
}

func (e *Engine) runAndCapture(ctx context.Context, container string, cmd []string) ([]byte, error) {
	handle, err := e.Client.Exec(ctx, container, containerrt.ExecConfig{Cmd: cmd})
	if err != nil {
		return nil, err
	}
	stream, err := handle.Start(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var out bytes.Buffer
	if err := containerrt.Demux(stream, func(c containerrt.Chunk) {
		if !c.IsStderr {
			out.Write(c.Data)
		}
	}); err != nil {
		return nil, err
	}
	res, err := handle.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("command %q exited %d", strings.Join(cmd, " "), res.ExitCode)
	}
	return out.Bytes(), nil
}

// shellQuote wraps p in single quotes, escaping any embedded single quote,
// so exec'd probe/read commands see the literal path regardless of
// special characters.
func shellQuote(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

