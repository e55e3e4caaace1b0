// Package dockerapi adapts the real Docker Engine API, via
// github.com/docker/docker/client, to the containerrt.Client contract.
package dockerapi

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/balena-io-modules/livepush/internal/containerrt"
)

// Client wraps a real Docker Engine API client.
type Client struct {
	cli *client.Client
}

// New builds a dockerapi.Client from environment-derived connection
// settings (DOCKER_HOST, DOCKER_CERT_PATH, …), the same convention the
// Docker CLI itself uses.
func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockerapi: connect to daemon: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Inspect(ctx context.Context, id string) (containerrt.State, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return containerrt.State{}, err
	}
	state := containerrt.State{Image: info.Image}
	if info.State != nil {
		state.Running = info.State.Running
	}
	return state, nil
}

func (c *Client) StartContainerFromImage(ctx context.Context, image string, entrypoint []string) (string, error) {
	created, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Entrypoint: entrypoint,
		Tty:        false,
	}, nil, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("dockerapi: create helper container from %s: %w", image, err)
	}
	if err := c.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("dockerapi: start helper container: %w", err)
	}
	return created.ID, nil
}

func (c *Client) PutArchive(ctx context.Context, id string, destPath string, tar io.Reader) error {
	return c.cli.CopyToContainer(ctx, id, destPath, tar, container.CopyToContainerOptions{})
}

func (c *Client) GetArchive(ctx context.Context, id string, srcPath string) (io.ReadCloser, error) {
	rc, _, err := c.cli.CopyFromContainer(ctx, id, srcPath)
	return rc, err
}

func (c *Client) Exec(ctx context.Context, id string, cfg containerrt.ExecConfig) (containerrt.ExecHandle, error) {
	created, err := c.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dockerapi: exec create: %w", err)
	}
	return &execHandle{cli: c.cli, id: created.ID}, nil
}

func (c *Client) Kill(ctx context.Context, id string) error {
	return c.cli.ContainerKill(ctx, id, "SIGKILL")
}

func (c *Client) Start(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	return c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
}

type execHandle struct {
	cli *client.Client
	id  string
}

func (h *execHandle) Start(ctx context.Context) (io.ReadCloser, error) {
	resp, err := h.cli.ContainerExecAttach(ctx, h.id, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("dockerapi: exec attach: %w", err)
	}
	return hijackedReader{resp: resp}, nil
}

// hijackedReader adapts a client.HijackedResponse (a raw connection plus a
// buffered reader over it) to io.ReadCloser.
type hijackedReader struct {
	resp types.HijackedResponse
}

func (h hijackedReader) Read(p []byte) (int, error) {
	return h.resp.Reader.Read(p)
}

func (h hijackedReader) Close() error {
	h.resp.Close()
	return nil
}

func (h *execHandle) Wait(ctx context.Context) (containerrt.ExecResult, error) {
	inspect, err := h.cli.ContainerExecInspect(ctx, h.id)
	if err != nil {
		return containerrt.ExecResult{}, fmt.Errorf("dockerapi: exec inspect: %w", err)
	}
	return containerrt.ExecResult{ExitCode: inspect.ExitCode}, nil
}
