package events

import (
	"context"
	"net/http"

	socketio "github.com/zishang520/socket.io/v2/socket"
)

// SocketBridge republishes Bus events over a socket.io namespace so an
// external dashboard can observe a livepush run without the core knowing
// anything about HTTP or websockets. It runs the server side of
// zishang520/socket.io/v2 and its engine.io/v2 transport, mounted directly
// on the caller's own *http.ServeMux.
type SocketBridge struct {
	server *socketio.Server
}

// NewSocketBridge constructs a socket.io server mounted at path (typically
// "/socket.io/") on mux; Run then broadcasts a bus's events through it.
func NewSocketBridge(mux *http.ServeMux, path string) *SocketBridge {
	server := socketio.NewServer(nil, nil)
	mux.Handle(path, server.ServeHandler(nil))
	return &SocketBridge{server: server}
}

// Run subscribes to bus and broadcasts every event to all connected
// socket.io clients until ctx is cancelled.
func (b *SocketBridge) Run(ctx context.Context, bus *Bus) {
	ch := bus.Subscribe(256)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b.broadcast(ev)
		}
	}
}

func (b *SocketBridge) broadcast(ev Event) {
	switch ev.Kind {
	case KindCommandExecute:
		b.server.Emit("commandExecute", ev.CommandExecute.StageIdx, ev.CommandExecute.Command)
	case KindCommandOutput:
		b.server.Emit("commandOutput", ev.CommandOutput.StageIdx, ev.CommandOutput.Data, ev.CommandOutput.IsStderr)
	case KindCommandReturn:
		b.server.Emit("commandReturn", ev.CommandReturn.StageIdx, ev.CommandReturn.ReturnCode, ev.CommandReturn.Command)
	case KindContainerRestart:
		b.server.Emit("containerRestart", ev.ContainerRestart.ContainerID)
	case KindCancel:
		b.server.Emit("cancel")
	}
}

// Close shuts the underlying socket.io server down.
func (b *SocketBridge) Close() error {
	b.server.Close(nil)
	return nil
}
