package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balena-io-modules/livepush/internal/containerrt/rtfake"
	"github.com/balena-io-modules/livepush/internal/dockerfile"
	"github.com/balena-io-modules/livepush/internal/events"
	"github.com/balena-io-modules/livepush/internal/execgroup"
	"github.com/balena-io-modules/livepush/internal/recipe"
)

func buildRecipe(t *testing.T, text string) *recipe.Recipe {
	t.Helper()
	entries, err := dockerfile.Parse(text)
	require.NoError(t, err)
	r, err := recipe.Build(entries)
	require.NoError(t, err)
	return r
}

func TestPerformLivepush_EmptyChangeIsNoOp(t *testing.T) {
	r := buildRecipe(t, "FROM alpine\nCOPY a.ts /b.ts\n")
	client := rtfake.New()
	ct := client.Seed("term", true)

	o, err := New(r, client, events.NewBus(), t.TempDir(), map[int]string{0: "term"}, false)
	require.NoError(t, err)

	require.NoError(t, o.PerformLivepush(context.Background(), nil, nil))
	assert.Equal(t, 0, ct.Killed())
}

func TestPerformLivepush_RunsMatchingStage(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.ts"), []byte("hi"), 0o644))

	r := buildRecipe(t, "FROM alpine\nCOPY a.ts /b.ts\n")
	client := rtfake.New()
	ct := client.Seed("term", true)

	o, err := New(r, client, events.NewBus(), root, map[int]string{0: "term"}, false)
	require.NoError(t, err)

	require.NoError(t, o.PerformLivepush(context.Background(), map[string]struct{}{"a.ts": {}}, nil))
	data, ok := ct.ReadFile("/b.ts")
	require.True(t, ok)
	assert.Equal(t, "hi", string(data))
	assert.Equal(t, 1, ct.Killed())
}

func TestCleanupIntermediateContainers_LaterStageCopyFails(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.ts"), []byte("hi"), 0o644))

	text := "FROM alpine AS b\nCOPY a.ts /out\nFROM alpine\nCOPY --from=b /out /out\n"
	r := buildRecipe(t, text)
	client := rtfake.New()
	client.Seed("helper-b", true)
	client.Seed("term", true)

	o, err := New(r, client, events.NewBus(), root, map[int]string{0: "helper-b", 1: "term"}, false)
	require.NoError(t, err)

	require.NoError(t, o.CleanupIntermediateContainers(context.Background()))

	err = o.PerformLivepush(context.Background(), map[string]struct{}{"a.ts": {}}, nil)
	var notRunning *execgroup.ContainerNotRunningError
	assert.ErrorAs(t, err, &notRunning)
}

func TestPerformLivepush_CancelsPriorRun(t *testing.T) {
	r := buildRecipe(t, "FROM alpine\nCOPY a.ts /b.ts\n")
	client := rtfake.New()
	client.Seed("term", true)

	bus := events.NewBus()
	sub := bus.Subscribe(8)
	o, err := New(r, client, bus, t.TempDir(), map[int]string{0: "term"}, false)
	require.NoError(t, err)

	o.running.Store(true)
	done := make(chan struct{})
	go func() {
		o.requestCancelAndWait(context.Background())
		close(done)
	}()

	select {
	case ev := <-sub:
		assert.Equal(t, events.KindCancel, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a cancel event")
	}

	o.running.Store(false)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("requestCancelAndWait did not return after running cleared")
	}
}
