package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToAllSubscribers(t *testing.T) {
	b := NewBus()
	a := b.Subscribe(4)
	c := b.Subscribe(4)

	b.PublishCommandExecute(0, "echo hi")

	require.Len(t, a, 1)
	require.Len(t, c, 1)

	evA := <-a
	assert.Equal(t, KindCommandExecute, evA.Kind)
	assert.Equal(t, "echo hi", evA.CommandExecute.Command)
}

func TestBus_PublishDropsOnFullBuffer(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(1)

	b.PublishCancel()
	b.PublishCancel() // buffer is full; this publish must not block

	assert.Len(t, sub, 1)
}

func TestBus_ConvenienceWrappersSetExpectedKindAndPayload(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(8)

	b.PublishCommandOutput(1, []byte("hello"), true)
	b.PublishCommandReturn(1, 0, "echo hi")
	b.PublishContainerRestart("container-1")

	ev := <-sub
	require.Equal(t, KindCommandOutput, ev.Kind)
	assert.Equal(t, []byte("hello"), ev.CommandOutput.Data)
	assert.True(t, ev.CommandOutput.IsStderr)

	ev = <-sub
	require.Equal(t, KindCommandReturn, ev.Kind)
	assert.Equal(t, 0, ev.CommandReturn.ReturnCode)

	ev = <-sub
	require.Equal(t, KindContainerRestart, ev.Kind)
	assert.Equal(t, "container-1", ev.ContainerRestart.ContainerID)
}
