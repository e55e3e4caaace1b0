package stagecopy

import (
	"archive/tar"
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balena-io-modules/livepush/internal/containerrt/rtfake"
)

func tarWith(t *testing.T, entries map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return &buf
}

func TestRun_FileCopy(t *testing.T) {
	client := rtfake.New()
	src := client.Seed("src", true)
	dst := client.Seed("dst", true)

	require.NoError(t, client.PutArchive(context.Background(), "src", "/", tarWith(t, map[string]string{"out": "hello"})))

	e := New(client)
	require.NoError(t, e.Run(context.Background(), "src", "dst", Copy{Source: "/out", Dest: "/copied"}))

	data, ok := dst.ReadFile("/copied")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
	_ = src
}

func TestRun_DirectoryCopyRebasesEntries(t *testing.T) {
	client := rtfake.New()
	client.Seed("src", true)
	dst := client.Seed("dst", true)

	require.NoError(t, client.PutArchive(context.Background(), "src", "/out", tarWith(t, map[string]string{"a.txt": "A", "nested/b.txt": "B"})))

	e := New(client)
	require.NoError(t, e.Run(context.Background(), "src", "dst", Copy{Source: "/out", Dest: "/dest/"}))

	a, ok := dst.ReadFile("/dest/a.txt")
	require.True(t, ok)
	assert.Equal(t, "A", string(a))

	b, ok := dst.ReadFile("/dest/nested/b.txt")
	require.True(t, ok)
	assert.Equal(t, "B", string(b))
}

func TestRun_DirectoryIntoNonDirectoryDestinationFails(t *testing.T) {
	client := rtfake.New()
	client.Seed("src", true)
	client.Seed("dst", true)

	require.NoError(t, client.PutArchive(context.Background(), "src", "/out", tarWith(t, map[string]string{"a.txt": "A"})))
	require.NoError(t, client.PutArchive(context.Background(), "dst", "/", tarWith(t, map[string]string{"dest-file": "occupied"})))

	e := New(client)
	err := e.Run(context.Background(), "src", "dst", Copy{Source: "/out", Dest: "/dest-file"})
	assert.Error(t, err)
}
