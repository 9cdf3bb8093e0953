package cmd

import (
	"context"
	"net/netip"

	"github.com/denniswebb/natgate/internal/netif"
	"github.com/denniswebb/natgate/internal/supervisor"
)

var _ netif.Handler = eventBridge{}

// eventBridge forwards watcher callbacks to the supervisor's event loop.
type eventBridge struct {
	events chan<- supervisor.Event
}

func (b eventBridge) STAGotAddress(ctx context.Context, addr netip.Addr) {
	b.send(ctx, supervisor.StaGotAddress{Addr: addr})
}

func (b eventBridge) STADisconnected(ctx context.Context, reason string) {
	b.send(ctx, supervisor.StaDisconnected{Reason: reason})
}

func (b eventBridge) APClientConnected(ctx context.Context) {
	b.send(ctx, supervisor.ApClientConnected{})
}

func (b eventBridge) APClientDisconnected(ctx context.Context) {
	b.send(ctx, supervisor.ApClientDisconnected{})
}

func (b eventBridge) send(ctx context.Context, ev supervisor.Event) {
	select {
	case b.events <- ev:
	case <-ctx.Done():
	}
}
