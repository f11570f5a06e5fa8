package messagerouter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meshfabric/fabric/core"
	"github.com/meshfabric/fabric/coordination"
	"github.com/meshfabric/fabric/endpoint"
	"github.com/meshfabric/fabric/routemanager"
	"github.com/meshfabric/fabric/routemap"
	"github.com/meshfabric/fabric/transport"
)

// fakeBus/fakeTransport mirror the in-memory transport used by the endpoint
// package's own tests, duplicated here since that type is unexported.
type fakeBus struct {
	mu    sync.Mutex
	nodes map[string]*fakeTransport
}

func newFakeBus() *fakeBus { return &fakeBus{nodes: make(map[string]*fakeTransport)} }

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

type fakeTransport struct {
	addr core.TAddress
	bus  *fakeBus

	mu      sync.Mutex
	handler transport.Handler
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport(bus *fakeBus, name string) *fakeTransport {
	return &fakeTransport{addr: core.NewTAddress(fakeScheme, name), bus: bus}
}

func (t *fakeTransport) LocalAddress() core.TAddress { return t.addr }
func (t *fakeTransport) Start(ctx context.Context) error {
	t.bus.register(t)
	return nil
}
func (t *fakeTransport) Stop() error      { return nil }
func (t *fakeTransport) IsConnected() bool { return true }
func (t *fakeTransport) SetHandler(fn transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}
func (t *fakeTransport) SetStateHandler(fn transport.StateHandler) {}
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

// node bundles one logical endpoint plus a message router over it, sharing
// the given coordination service with every other node in the same test.
type node struct {
	manager *endpoint.Manager
	ep      *endpoint.LogicalEndPoint
	router  *Router
}

func newNode(t *testing.T, bus *fakeBus, svc coordination.Service, name string, handler HandlerFunc) *node {
	t.Helper()
	tr := newFakeTransport(bus, name)
	rmap := routemap.New(routemap.Config{Service: svc})
	mgr := endpoint.New(endpoint.Config{Transport: tr, RouteMap: rmap})
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("manager Start: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Stop() })

	le, err := mgr.CreateLogicalEndPoint(context.Background(), core.EndPointAddress(name))
	if err != nil {
		t.Fatalf("CreateLogicalEndPoint: %v", err)
	}

	rman := routemanager.New(routemanager.Config{Service: svc})
	r := New(Config{EndPoint: le, EndPointManager: mgr, RouteManager: rman, Handler: handler})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("router Start: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })

	return &node{manager: mgr, ep: le, router: r}
}

func echoHandler(prefix string) HandlerFunc {
	return func(ctx context.Context, route core.Route, msg []byte, publish, localDispatch bool) ([]byte, bool) {
		return []byte(prefix + string(msg)), true
	}
}

func unhandledHandler() HandlerFunc {
	return func(ctx context.Context, route core.Route, msg []byte, publish, localDispatch bool) ([]byte, bool) {
		return nil, false
	}
}

func TestRouteLocalDispatchInvokesHandlerDirectly(t *testing.T) {
	bus := newFakeBus()
	svc := coordination.NewFake()
	n := newNode(t, bus, svc, "alpha", echoHandler("local:"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, handled, err := n.router.Route(ctx, "orders.Placed", []byte("hi"), false, n.ep.Address())
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !handled {
		t.Fatal("expected handled=true")
	}
	if string(resp) != "local:hi" {
		t.Fatalf("resp = %q", resp)
	}
}

func TestRouteRemoteDispatchRoundTrips(t *testing.T) {
	bus := newFakeBus()
	svc := coordination.NewFake()

	server := newNode(t, bus, svc, "server", echoHandler("server:"))
	client := newNode(t, bus, svc, "client", unhandledHandler())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, handled, err := client.router.Route(ctx, "orders.Placed", []byte("payload"), false, server.ep.Address())
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !handled {
		t.Fatal("expected handled=true from remote server")
	}
	if string(resp) != "server:payload" {
		t.Fatalf("resp = %q", resp)
	}
}

func TestRouteHierarchyFirstMatchSkipsUnhandled(t *testing.T) {
	bus := newFakeBus()
	svc := coordination.NewFake()

	declined := newNode(t, bus, svc, "declined", unhandledHandler())
	accepted := newNode(t, bus, svc, "accepted", echoHandler("accepted:"))
	client := newNode(t, bus, svc, "client2", unhandledHandler())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	route := core.Route("orders.OrderPlaced")
	if err := declined.router.RegisterRoute(ctx, route, 0); err != nil {
		t.Fatalf("register declined: %v", err)
	}
	if err := accepted.router.RegisterRoute(ctx, route, 0); err != nil {
		t.Fatalf("register accepted: %v", err)
	}

	responses, err := client.router.RouteHierarchy(ctx, core.RouteHierarchy{route}, []byte("x"), false)
	if err != nil {
		t.Fatalf("RouteHierarchy: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(responses))
	}
	if string(responses[0]) != "accepted:x" {
		t.Fatalf("responses[0] = %q", responses[0])
	}
}

func TestRouteHierarchyPublishFansOutToAllCandidates(t *testing.T) {
	bus := newFakeBus()
	svc := coordination.NewFake()

	subA := newNode(t, bus, svc, "subA", echoHandler("A:"))
	subB := newNode(t, bus, svc, "subB", echoHandler("B:"))
	client := newNode(t, bus, svc, "client3", unhandledHandler())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	route := core.Route("events.Tick")
	if err := subA.router.RegisterRoute(ctx, route, 0); err != nil {
		t.Fatalf("register subA: %v", err)
	}
	if err := subB.router.RegisterRoute(ctx, route, 0); err != nil {
		t.Fatalf("register subB: %v", err)
	}

	responses, err := client.router.RouteHierarchy(ctx, core.RouteHierarchy{route}, []byte("tick"), true)
	if err != nil {
		t.Fatalf("RouteHierarchy: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(responses))
	}
	got := map[string]bool{string(responses[0]): true, string(responses[1]): true}
	if !got["A:tick"] || !got["B:tick"] {
		t.Fatalf("responses = %q", responses)
	}
}

func TestRouteHierarchyPublishDedupsDecliningEndpointAcrossLevels(t *testing.T) {
	bus := newFakeBus()
	svc := coordination.NewFake()

	var sharedCalls int
	shared := newNode(t, bus, svc, "shared", func(ctx context.Context, route core.Route, msg []byte, publish, localDispatch bool) ([]byte, bool) {
		sharedCalls++
		return nil, false
	})
	other := newNode(t, bus, svc, "other", echoHandler("other:"))
	client := newNode(t, bus, svc, "client5", unhandledHandler())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	specific := core.Route("orders.OrderPlaced")
	base := core.Route("orders.Base")

	if err := shared.router.RegisterRoute(ctx, specific, 0); err != nil {
		t.Fatalf("register shared at specific: %v", err)
	}
	if err := shared.router.RegisterRoute(ctx, base, 0); err != nil {
		t.Fatalf("register shared at base: %v", err)
	}
	if err := other.router.RegisterRoute(ctx, base, 0); err != nil {
		t.Fatalf("register other at base: %v", err)
	}

	responses, err := client.router.RouteHierarchy(ctx, core.RouteHierarchy{specific, base}, []byte("x"), true)
	if err != nil {
		t.Fatalf("RouteHierarchy: %v", err)
	}
	if sharedCalls != 1 {
		t.Fatalf("shared endpoint dispatched %d times, want exactly 1 (dedup across hierarchy levels)", sharedCalls)
	}
	if len(responses) != 1 || string(responses[0]) != "other:x" {
		t.Fatalf("responses = %q, want exactly [\"other:x\"]", responses)
	}
}

func TestEncodeDecodeHandledResponseRoundTrip(t *testing.T) {
	data := encodeHandledResponse(true, []byte("ok"))
	resp, handled := decodeHandledResponse(data)
	if !handled || string(resp) != "ok" {
		t.Fatalf("handled=%v resp=%q", handled, resp)
	}

	data = encodeHandledResponse(false, nil)
	resp, handled = decodeHandledResponse(data)
	if handled || len(resp) != 0 {
		t.Fatalf("handled=%v resp=%q, want false/empty", handled, resp)
	}
}

func TestUnregisterRouteRemovesTarget(t *testing.T) {
	bus := newFakeBus()
	svc := coordination.NewFake()

	server := newNode(t, bus, svc, "server2", echoHandler("s:"))
	client := newNode(t, bus, svc, "client4", unhandledHandler())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	route := core.Route("orders.Cancelled")
	if err := server.router.RegisterRoute(ctx, route, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := server.router.UnregisterRoute(ctx, route); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	responses, err := client.router.RouteHierarchy(ctx, core.RouteHierarchy{route}, []byte("y"), false)
	if err != nil {
		t.Fatalf("RouteHierarchy: %v", err)
	}
	if len(responses) != 0 {
		t.Fatalf("responses = %d, want 0 after unregister", len(responses))
	}
}
