package endpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/meshfabric/fabric/core"
	"github.com/meshfabric/fabric/transport"
)

// fakeBus is a shared in-memory bus letting multiple fakeTransport
// instances reach each other by address, standing in for a real broker or
// wire in endpoint package tests.
type fakeBus struct {
	mu    sync.Mutex
	nodes map[string]*fakeTransport
}

func newFakeBus() *fakeBus {
	return &fakeBus{nodes: make(map[string]*fakeTransport)}
}

func (b *fakeBus) register(t *fakeTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[t.addr.Value()] = t
}

func (b *fakeBus) lookup(value string) *fakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nodes[value]
}

const fakeScheme = "fake"

// fakeTransport implements transport.Transport over a fakeBus.
type fakeTransport struct {
	addr core.TAddress
	bus  *fakeBus

	mu           sync.Mutex
	connected    bool
	handler      transport.Handler
	stateHandler transport.StateHandler
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport(bus *fakeBus, name string) *fakeTransport {
	return &fakeTransport{addr: core.NewTAddress(fakeScheme, name), bus: bus}
}

func (t *fakeTransport) LocalAddress() core.TAddress { return t.addr }

func (t *fakeTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.bus.register(t)
	return nil
}

func (t *fakeTransport) Stop() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) SetHandler(fn transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *fakeTransport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

func (t *fakeTransport) Send(ctx context.Context, addr core.TAddress, payload []byte) error {
	if addr.Scheme() != fakeScheme {
		return fmt.Errorf("fake: wrong scheme %q", addr.Scheme())
	}
	peer := t.bus.lookup(addr.Value())
	if peer == nil {
		return fmt.Errorf("fake: no peer at %s", addr)
	}
	peer.mu.Lock()
	handler := peer.handler
	peer.mu.Unlock()
	if handler != nil {
		handler(t.addr, payload)
	}
	return nil
}
