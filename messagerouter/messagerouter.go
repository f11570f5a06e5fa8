// Package messagerouter implements the MessageRouter (spec §4.7): route-
// hierarchy dispatch over a LogicalEndPoint, matching registrations from a
// Route Manager and framing outbound traffic through the request/reply
// layer so a point-to-point send can await its handler's response.
// Grounded on device/room/dispatch.go's switch-by-type handler shape and
// device/room/server.go's injected-Config wiring, generalized from MeshCore
// room-message types to arbitrary route-hierarchy matching.
package messagerouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meshfabric/fabric/core"
	"github.com/meshfabric/fabric/core/envelope"
	"github.com/meshfabric/fabric/endpoint"
	"github.com/meshfabric/fabric/lifecycle"
	"github.com/meshfabric/fabric/reqreply"
	"github.com/meshfabric/fabric/routemanager"
)

// HandlerFunc processes one message arriving for route, either dispatched
// locally (localDispatch true) or delivered from a remote peer. It returns
// the response to hand back to the caller and whether it handled the
// message at all (spec §4.7: first-match point-to-point dispatch continues
// to the next candidate when handled is false).
type HandlerFunc func(ctx context.Context, route core.Route, msg []byte, publish, localDispatch bool) (response []byte, handled bool)

// Config holds the configuration for a Router.
type Config struct {
	// EndPoint is the logical endpoint all outbound/inbound traffic is
	// carried over. Required.
	EndPoint *endpoint.LogicalEndPoint
	// EndPointManager owns EndPoint and is used to dispose of it on Stop,
	// per the Router's exclusive ownership of its one logical endpoint
	// (spec §3). Required.
	EndPointManager *endpoint.Manager
	// RouteManager resolves route registrations. Required.
	RouteManager *routemanager.Manager
	// Handler processes locally- or remotely-dispatched messages. Required.
	Handler HandlerFunc
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Router is the MessageRouter.
type Router struct {
	cfg Config
	log *slog.Logger
	lc  *lifecycle.Lifecycle

	mu    sync.Mutex
	peers map[core.EndPointAddress]*reqreply.Endpoint

	rxDone chan struct{}
}

// New constructs a Router. Start must be called before it dispatches or
// receives anything.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("messagerouter"),
		lc:    lifecycle.New(context.Background()),
		peers: make(map[core.EndPointAddress]*reqreply.Endpoint),
	}
}

// Start begins the inbound loop that reads from the logical endpoint and
// demultiplexes traffic to per-peer request/reply correlators.
func (r *Router) Start(ctx context.Context) error {
	r.rxDone = make(chan struct{})
	go r.rxLoop()
	r.lc.Initialization.Fire(nil)
	return nil
}

// Stop removes this router's route registrations through RemoveRoutes with
// removePersistent=false (spec §4.7.3): every forward entry registered under
// the current session is deleted, while reverse-index entries of durable
// routes are kept. It then stops the inbound loop and disposes the logical
// endpoint it owns (spec §3: a MessageRouter terminates receive, disposes
// its endpoint, and removes its routes on shutdown).
func (r *Router) Stop() error {
	if err := r.cfg.RouteManager.RemoveRoutes(context.Background(), r.cfg.EndPoint.Address(), false); err != nil {
		r.log.Warn("failed to unregister routes during shutdown", "error", err)
	}

	err := r.lc.BeginDispose(context.Background())
	if r.rxDone != nil {
		<-r.rxDone
	}
	r.lc.Disposal.Fire(nil)

	r.cfg.EndPointManager.RemoveEndPoint(context.Background(), r.cfg.EndPoint.Address())
	return err
}

// RegisterRoute registers this router's endpoint as a handler of route
// (spec §4.7.3).
func (r *Router) RegisterRoute(ctx context.Context, route core.Route, opts core.RouteRegistrationOptions) error {
	return r.cfg.RouteManager.AddRoute(ctx, r.cfg.EndPoint.Address(), route, opts)
}

// UnregisterRoute removes this router's registration for route.
func (r *Router) UnregisterRoute(ctx context.Context, route core.Route) error {
	return r.cfg.RouteManager.RemoveRoute(ctx, r.cfg.EndPoint.Address(), route)
}

// UnregisterRoutes removes every route registration owned by this router.
func (r *Router) UnregisterRoutes(ctx context.Context, removePersistent bool) error {
	return r.cfg.RouteManager.RemoveRoutes(ctx, r.cfg.EndPoint.Address(), removePersistent)
}

// Route dispatches msg under route to a single target endpoint (spec
// §4.7.2): a local target is handed straight to the configured Handler; a
// remote target is framed and sent through that peer's request/reply
// correlator, and the call blocks for its response.
func (r *Router) Route(ctx context.Context, route core.Route, msg []byte, publish bool, target core.EndPointAddress) ([]byte, bool, error) {
	if target == r.cfg.EndPoint.Address() {
		resp, handled := r.safeHandle(ctx, route, msg, publish, true)
		return resp, handled, nil
	}

	buf := envelope.NewBuffer()
	rf := envelope.RouterFrame{Publish: publish, LocalDispatch: false, Route: route}
	if err := envelope.EncodeRouterFrame(buf, rf); err != nil {
		return nil, false, fmt.Errorf("messagerouter: framing route %s: %w", route, err)
	}
	wire := buf.WriteTo(msg)

	peer := r.peerFor(target)
	raw, err := peer.SendAsync(ctx, wire)
	if err != nil {
		if errors.Is(err, reqreply.ErrCancelled) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("messagerouter: dispatch %s to %s: %w", route, target, err)
	}

	resp, handled := decodeHandledResponse(raw)
	return resp, handled, nil
}

// RouteHierarchy dispatches msg across every route in hierarchy (spec
// §4.7, §4.7.1): point-to-point (publish=false) stops at the first
// registration that reports handled, iterating each route's candidates in
// reverse; publish fans out concurrently to every candidate across every
// route, de-duplicating by endpoint so a base-class route does not re-
// deliver to an endpoint already reached by a more specific one.
func (r *Router) RouteHierarchy(ctx context.Context, hierarchy core.RouteHierarchy, msg []byte, publish bool) ([][]byte, error) {
	handledEndpoints := make(map[core.EndPointAddress]bool)
	var responses [][]byte

	for _, route := range hierarchy {
		targets, err := r.cfg.RouteManager.GetRoutes(ctx, route)
		if err != nil {
			return responses, fmt.Errorf("messagerouter: resolving route %s: %w", route, err)
		}

		candidates := make([]core.RouteTarget, 0, len(targets))
		for _, t := range targets {
			if t.Options.Has(core.OptLocalDispatchOnly) && t.EndPoint != r.cfg.EndPoint.Address() {
				continue
			}
			if handledEndpoints[t.EndPoint] {
				continue
			}
			candidates = append(candidates, t)
		}

		if !publish {
			resp, ok := r.dispatchFirstMatch(ctx, route, msg, candidates)
			if ok {
				return [][]byte{resp}, nil
			}
			continue
		}

		newResponses := r.dispatchPublish(ctx, route, msg, candidates, handledEndpoints)
		responses = append(responses, newResponses...)
	}
	return responses, nil
}

// dispatchFirstMatch tries route candidates from last to first in the order
// GetRoutes returned them (spec §4.7.1), skipping publish-only entries, and
// returns the first handled response. GetRoutes follows the coordination
// service's child listing, whose order is not defined.
func (r *Router) dispatchFirstMatch(ctx context.Context, route core.Route, msg []byte, candidates []core.RouteTarget) ([]byte, bool) {
	for i := len(candidates) - 1; i >= 0; i-- {
		t := candidates[i]
		if t.Options.Has(core.OptPublishOnly) {
			continue
		}
		resp, handled, err := r.Route(ctx, route, msg, false, t.EndPoint)
		if err != nil {
			r.log.Debug("candidate dispatch failed, trying next", "endpoint", t.EndPoint, "route", route, "error", err)
			continue
		}
		if handled {
			return resp, true
		}
	}
	return nil, false
}

type publishResult struct {
	ep      core.EndPointAddress
	resp    []byte
	handled bool
}

// dispatchPublish invokes Route concurrently for every candidate via an
// errgroup without WithContext cancellation, so one endpoint's failure
// never aborts delivery to the others (spec §5, §8 invariant 8).
func (r *Router) dispatchPublish(ctx context.Context, route core.Route, msg []byte, candidates []core.RouteTarget, handledEndpoints map[core.EndPointAddress]bool) [][]byte {
	results := make(chan publishResult, len(candidates))
	var g errgroup.Group
	for _, t := range candidates {
		t := t
		g.Go(func() error {
			resp, handled, err := r.Route(ctx, route, msg, true, t.EndPoint)
			if err != nil {
				r.log.Warn("publish dispatch failed", "endpoint", t.EndPoint, "route", route, "error", err)
				return nil
			}
			results <- publishResult{ep: t.EndPoint, resp: resp, handled: handled}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	var responses [][]byte
	for res := range results {
		// Mark the endpoint visited regardless of whether it claimed the
		// message, so a less-specific route later in the hierarchy never
		// redelivers to it (spec §8 invariant 8, §4.7.1).
		handledEndpoints[res.ep] = true
		if !res.handled {
			continue
		}
		responses = append(responses, res.resp)
	}
	return responses
}

// safeHandle invokes the configured Handler, converting a panic into a
// logged, unhandled result rather than letting it escape to the caller.
func (r *Router) safeHandle(ctx context.Context, route core.Route, msg []byte, publish, localDispatch bool) (resp []byte, handled bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panic", "route", route, "panic", rec)
			resp, handled = nil, false
		}
	}()
	return r.cfg.Handler(ctx, route, msg, publish, localDispatch)
}

// peerFor returns, creating if necessary, the request/reply correlator for
// traffic exchanged with remote, along with its dedicated inbound loop.
func (r *Router) peerFor(remote core.EndPointAddress) *reqreply.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[remote]; ok {
		return p
	}
	p := reqreply.New(&peerSender{router: r, remote: remote})
	r.peers[remote] = p
	go r.peerInboundLoop(remote, p)
	return p
}

// peerSender adapts Router.Route's destination-bound delivery to
// reqreply.Sender's fixed-destination Send by capturing the remote
// endpoint the correlator was created for.
type peerSender struct {
	router *Router
	remote core.EndPointAddress
}

func (s *peerSender) Send(ctx context.Context, wire []byte) error {
	result := s.router.cfg.EndPoint.SendAsync(ctx, wire, s.remote, core.TAddress{})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rxLoop reads every inbound message on the logical endpoint and forwards
// its request/reply-framed payload to the sending peer's correlator.
func (r *Router) rxLoop() {
	defer close(r.rxDone)
	for {
		msg, err := r.cfg.EndPoint.Receive(r.lc.Context())
		if err != nil {
			if r.lc.Context().Err() != nil {
				return
			}
			r.log.Debug("receive error", "error", err)
			continue
		}
		peer := r.peerFor(msg.Envelope.LocalEP)
		if err := peer.HandleInbound(msg.Payload); err != nil {
			r.log.Warn("dropping malformed request/reply frame", "from", msg.Envelope.LocalEP, "error", err)
		}
	}
}

// peerInboundLoop pulls decoded requests for one peer and dispatches each
// to the application handler through the router framing layer (spec §4.7
// Inbound).
func (r *Router) peerInboundLoop(remote core.EndPointAddress, peer *reqreply.Endpoint) {
	for {
		req, cancelled, err := peer.ReceiveAsync(r.lc.Context())
		if err != nil {
			return
		}
		go r.handleInboundRequest(remote, peer, req, cancelled)
	}
}

func (r *Router) handleInboundRequest(remote core.EndPointAddress, peer *reqreply.Endpoint, req reqreply.Request, cancelled <-chan struct{}) {
	defer peer.ForgetCancelSignal(req.SeqNum)

	buf := envelope.NewBuffer()
	rf, msg, err := envelope.DecodeRouterFrame(buf, req.Payload)
	if err != nil {
		r.log.Warn("dropping malformed router frame", "from", remote, "error", err)
		return
	}

	ctx, cancel := r.lc.Compose(context.Background())
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-cancelled:
			cancel()
		case <-done:
		}
	}()

	resp, handled := r.safeHandle(ctx, rf.Route, msg, rf.Publish, rf.LocalDispatch)

	select {
	case <-cancelled:
		if err := peer.SendCancellationResponse(context.Background(), req); err != nil {
			r.log.Warn("sending cancellation response", "to", remote, "error", err)
		}
		return
	default:
	}

	payload := encodeHandledResponse(handled, resp)
	if err := peer.SendResponse(context.Background(), req, payload); err != nil {
		r.log.Warn("sending response", "to", remote, "error", err)
	}
}

// encodeHandledResponse prefixes response with a single byte recording
// whether the handler claimed the message, so a remote first-match caller
// can tell "handled with an empty response" from "not handled".
func encodeHandledResponse(handled bool, response []byte) []byte {
	out := make([]byte, 0, 1+len(response))
	if handled {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return append(out, response...)
}

func decodeHandledResponse(data []byte) (response []byte, handled bool) {
	if len(data) == 0 {
		return nil, false
	}
	return data[1:], data[0] != 0
}
