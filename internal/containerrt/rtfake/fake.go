// Package rtfake provides an in-memory containerrt.Client double for tests,
// simulating just enough of a POSIX container filesystem and shell for the
// executor, stage-copy engine, and orchestrator to exercise against without
// a real Docker daemon.
package rtfake

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/balena-io-modules/livepush/internal/containerrt"
)

// file is one entry in a fake container's filesystem.
type file struct {
	data  []byte
	mode  int64
	isDir bool
}

// Container is one fake container's mutable state.
type Container struct {
	mu        sync.Mutex
	id       string
	image    string
	running  bool
	killed   int
	started  int
	removed  bool
	files    map[string]*file
	commands []string // every command string executed, in order, for assertions
}

// Commands returns the commands executed against this container, in order.
func (c *Container) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Removed reports whether Remove was called on this container.
func (c *Container) Removed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

// Started returns how many times Start was called.
func (c *Container) Started() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Killed returns how many times Kill was called.
func (c *Container) Killed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

// ReadFile returns the content of a path written by a prior PutArchive, for
// test assertions.
func (c *Container) ReadFile(p string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[path.Clean(p)]
	if !ok || f.isDir {
		return nil, false
	}
	return f.data, true
}

// Client is an in-memory containerrt.Client.
type Client struct {
	mu         sync.Mutex
	containers map[string]*Container
	nextID     int
}

// New creates an empty fake runtime client.
func New() *Client {
	return &Client{containers: make(map[string]*Container)}
}

// Seed registers a pre-existing running container (e.g. the user's
// already-running terminal container) under a caller-chosen id, with an
// empty filesystem; tests populate it through PutArchive.
func (c *Client) Seed(id string, running bool) *Container {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct := &Container{id: id, running: running, files: make(map[string]*file)}
	c.containers[id] = ct
	return ct
}

func (c *Client) get(id string) (*Container, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.containers[id]
	if !ok {
		return nil, fmt.Errorf("rtfake: unknown container %q", id)
	}
	return ct, nil
}

func (c *Client) Inspect(ctx context.Context, container string) (containerrt.State, error) {
	ct, err := c.get(container)
	if err != nil {
		return containerrt.State{}, err
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if !ct.running {
		return containerrt.State{Running: false}, nil
	}
	return containerrt.State{Running: true, Image: ct.image}, nil
}

func (c *Client) StartContainerFromImage(ctx context.Context, image string, entrypoint []string) (string, error) {
	c.mu.Lock()
	c.nextID++
	id := fmt.Sprintf("helper-%d", c.nextID)
	ct := &Container{id: id, image: image, running: true, files: make(map[string]*file)}
	c.containers[id] = ct
	c.mu.Unlock()
	return id, nil
}

func (c *Client) PutArchive(ctx context.Context, container, destPath string, r io.Reader) error {
	ct, err := c.get(container)
	if err != nil {
		return err
	}
	tr := tar.NewReader(r)
	ct.mu.Lock()
	defer ct.mu.Unlock()
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		full := path.Join(destPath, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			ct.files[path.Clean(full)] = &file{isDir: true, mode: hdr.Mode}
		default:
			data, err := io.ReadAll(tr)
			if err != nil {
				return err
			}
			ct.ensureParentDirs(full)
			ct.files[path.Clean(full)] = &file{data: data, mode: hdr.Mode}
		}
	}
	return nil
}

func (ct *Container) ensureParentDirs(p string) {
	dir := path.Dir(p)
	for dir != "/" && dir != "." {
		clean := path.Clean(dir)
		if _, ok := ct.files[clean]; !ok {
			ct.files[clean] = &file{isDir: true, mode: 0o755}
		}
		dir = path.Dir(dir)
	}
}

func (c *Client) GetArchive(ctx context.Context, container, srcPath string) (io.ReadCloser, error) {
	ct, err := c.get(container)
	if err != nil {
		return nil, err
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()

	srcPath = path.Clean(srcPath)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if f, ok := ct.files[srcPath]; ok && !f.isDir {
		if err := tw.WriteHeader(&tar.Header{Name: path.Base(srcPath), Size: int64(len(f.data)), Mode: f.mode}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, err
		}
	} else {
		var names []string
		for name := range ct.files {
			if name == srcPath || strings.HasPrefix(name, srcPath+"/") {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		base := path.Base(srcPath)
		for _, name := range names {
			f := ct.files[name]
			rel := strings.TrimPrefix(name, srcPath)
			entryName := path.Join(base, rel)
			typ := byte(tar.TypeReg)
			size := int64(len(f.data))
			if f.isDir {
				typ = tar.TypeDir
				size = 0
			}
			if err := tw.WriteHeader(&tar.Header{Name: entryName, Size: size, Mode: f.mode, Typeflag: typ}); err != nil {
				return nil, err
			}
			if !f.isDir {
				if _, err := tw.Write(f.data); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (c *Client) Exec(ctx context.Context, container string, cfg containerrt.ExecConfig) (containerrt.ExecHandle, error) {
	ct, err := c.get(container)
	if err != nil {
		return nil, err
	}
	return &execHandle{ct: ct, cfg: cfg}, nil
}

func (c *Client) Kill(ctx context.Context, container string) error {
	ct, err := c.get(container)
	if err != nil {
		return err
	}
	ct.mu.Lock()
	ct.killed++
	ct.running = false
	ct.mu.Unlock()
	return nil
}

func (c *Client) Start(ctx context.Context, container string) error {
	ct, err := c.get(container)
	if err != nil {
		return err
	}
	ct.mu.Lock()
	ct.started++
	ct.running = true
	ct.mu.Unlock()
	return nil
}

func (c *Client) Remove(ctx context.Context, container string, force bool) error {
	ct, err := c.get(container)
	if err != nil {
		return err
	}
	ct.mu.Lock()
	ct.removed = true
	ct.mu.Unlock()
	c.mu.Lock()
	delete(c.containers, container)
	c.mu.Unlock()
	return nil
}

// execHandle simulates the tiny subset of shell commands the executor and
// stage-copy engine actually issue: `test -d`, `rm -f`, `cat`, and
// `stat -c %a`. A command containing `exit-with-nonzero` exits 1 (a test
// hook). Anything else is recorded (for assertion via Commands) and exits 0
// without side effects — this fake is not a shell interpreter.
type execHandle struct {
	ct     *Container
	cfg    containerrt.ExecConfig
	result containerrt.ExecResult
	output []byte
}

func (h *execHandle) Start(ctx context.Context) (io.ReadCloser, error) {
	h.ct.mu.Lock()
	h.ct.commands = append(h.ct.commands, strings.Join(h.cfg.Cmd, " "))
	h.ct.mu.Unlock()

	shellCmd := ""
	if len(h.cfg.Cmd) == 3 && h.cfg.Cmd[0] == "/bin/sh" && h.cfg.Cmd[1] == "-c" {
		shellCmd = h.cfg.Cmd[2]
	}

	var stdout, stderr string
	exit := 0

	switch {
	case strings.HasPrefix(shellCmd, "test -d "):
		p := unquotePath(strings.TrimPrefix(shellCmd, "test -d "))
		h.ct.mu.Lock()
		f, ok := h.ct.files[p]
		h.ct.mu.Unlock()
		if !ok || !f.isDir {
			exit = 1
		}
	case strings.HasPrefix(shellCmd, "rm -f "):
		p := unquotePath(strings.TrimPrefix(shellCmd, "rm -f "))
		h.ct.mu.Lock()
		delete(h.ct.files, p)
		h.ct.mu.Unlock()
	case strings.HasPrefix(shellCmd, "cat "):
		p := unquotePath(strings.TrimPrefix(shellCmd, "cat "))
		h.ct.mu.Lock()
		f, ok := h.ct.files[p]
		h.ct.mu.Unlock()
		if !ok {
			exit = 1
			stderr = "cat: " + p + ": No such file or directory\n"
		} else {
			stdout = string(f.data)
		}
	case strings.HasPrefix(shellCmd, "stat -c %a "):
		p := unquotePath(strings.TrimPrefix(shellCmd, "stat -c %a "))
		h.ct.mu.Lock()
		f, ok := h.ct.files[p]
		h.ct.mu.Unlock()
		if !ok {
			exit = 1
		} else {
			stdout = strconv.FormatInt(f.mode&0o777, 8) + "\n"
		}
	case strings.Contains(shellCmd, "exit-with-nonzero"):
		// Test hook: lets callers exercise the halt-on-nonzero-exit path
		// without the fake needing a real shell's `exit` builtin.
		exit = 1
	default:
		// Unknown command: treat as a successful no-op so higher-level
		// tests can assert on Commands() without the fake needing to
		// understand the command's semantics.
	}

	h.result = containerrt.ExecResult{ExitCode: exit}
	h.output = frame(1, []byte(stdout))
	h.output = append(h.output, frame(2, []byte(stderr))...)
	return io.NopCloser(bytes.NewReader(h.output)), nil
}

func (h *execHandle) Wait(ctx context.Context) (containerrt.ExecResult, error) {
	return h.result, nil
}

// unquotePath strips the single-quote wrapping that shellQuote-style
// helpers apply to exec arguments and unescapes embedded `'\''` sequences,
// then cleans the result as a path.
func unquotePath(arg string) string {
	arg = strings.TrimSpace(arg)
	arg = strings.TrimPrefix(arg, "'")
	arg = strings.TrimSuffix(arg, "'")
	arg = strings.ReplaceAll(arg, `'\''`, "'")
	return path.Clean(arg)
}

// frame wraps payload in Docker's 8-byte stdcopy header so the fake's
// output can be demultiplexed by the same containerrt.Demux used against a
// real daemon.
func frame(streamType byte, payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	hdr := make([]byte, 8)
	hdr[0] = streamType
	hdr[4] = byte(len(payload) >> 24)
	hdr[5] = byte(len(payload) >> 16)
	hdr[6] = byte(len(payload) >> 8)
	hdr[7] = byte(len(payload))
	return append(hdr, payload...)
}
