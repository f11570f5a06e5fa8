package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshfabric/fabric/core"
	"github.com/meshfabric/fabric/core/envelope"
	"github.com/meshfabric/fabric/lifecycle"
)

// LogicalEndPoint is one addressable logical endpoint multiplexed over the
// manager's physical transport (spec §4.6). Construct one via
// Manager.CreateLogicalEndPoint.
type LogicalEndPoint struct {
	address core.EndPointAddress
	manager *Manager
	log     *slog.Logger
	lc      *lifecycle.Lifecycle

	inbound chan rxItem
	rx      chan Message

	rxDone chan struct{}
}

func newLogicalEndPoint(m *Manager, addr core.EndPointAddress) *LogicalEndPoint {
	return &LogicalEndPoint{
		address: addr,
		manager: m,
		log:     m.log.With("endpoint", addr),
		lc:      lifecycle.New(m.lc.Context()),
		inbound: make(chan rxItem, m.cfg.QueueSize),
		rx:      make(chan Message, m.cfg.QueueSize),
	}
}

// Address returns the endpoint's logical name.
func (le *LogicalEndPoint) Address() core.EndPointAddress { return le.address }

func (le *LogicalEndPoint) start() {
	le.rxDone = make(chan struct{})
	go le.rxLoop()
	le.lc.Initialization.Fire(nil)
}

// SendAsync enqueues a message for delivery to remoteEp and returns a
// channel that receives the outcome of the send attempt (spec §4.6). If
// remoteAddr is non-zero, delivery is synchronous direct-send (§4.6.2/4.6.3)
// instead of going through the tx queue's scheduler and retry loop.
func (le *LogicalEndPoint) SendAsync(ctx context.Context, payload []byte, remoteEp core.EndPointAddress, remoteAddr core.TAddress) <-chan error {
	result := make(chan error, 1)

	guard, err := le.lc.AcquireGuard()
	if err != nil {
		result <- err
		return result
	}

	if !remoteAddr.IsZero() {
		go func() {
			defer guard.Release()
			result <- le.directSendOrLocal(ctx, payload, remoteEp, remoteAddr)
		}()
		return result
	}

	composed, cancel := le.lc.Compose(ctx)
	item := &txItem{
		ctx:      composed,
		cancel:   cancel,
		payload:  payload,
		localEp:  le.address,
		remoteEp: remoteEp,
		attempt:  1,
		result:   result,
	}

	go func() {
		defer guard.Release()
		select {
		case le.manager.txQueue <- item:
		case <-composed.Done():
			result <- composed.Err()
			cancel()
		}
	}()

	return result
}

// directSendOrLocal implements the local short-circuit of spec §4.6.3 ahead
// of the transport-level DirectSend of §4.6.2.
func (le *LogicalEndPoint) directSendOrLocal(ctx context.Context, payload []byte, remoteEp core.EndPointAddress, remoteAddr core.TAddress) error {
	local := le.manager.cfg.Transport.LocalAddress()
	if remoteAddr != local {
		return le.DirectSend(ctx, payload, remoteEp, remoteAddr)
	}

	if remoteEp == le.address {
		return le.deliverLocally(ctx, remoteEp, payload)
	}
	if other, ok := le.manager.lookupLocal(remoteEp); ok {
		return other.deliverLocally(ctx, le.address, payload)
	}

	le.log.Debug("local endpoint unavailable, dropping message", "target", remoteEp)
	return nil
}

// deliverLocally hands payload straight to this endpoint's rx queue,
// bypassing the transport entirely, tagged with a synthetic envelope as if
// it had arrived over the wire from sender.
func (le *LogicalEndPoint) deliverLocally(ctx context.Context, sender core.EndPointAddress, payload []byte) error {
	local := le.manager.cfg.Transport.LocalAddress()
	env := envelope.Envelope{
		Type:       envelope.TypeMessage,
		LocalEP:    sender,
		LocalAddr:  local,
		RemoteEP:   le.address,
		RemoteAddr: local,
	}
	msg := Message{Envelope: env, Payload: payload}
	select {
	case le.rx <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DirectSend frame-encodes the routing envelope and hands the result to the
// physical transport (spec §4.6.2). Any failure after the frame was pushed
// pops it before returning, via envelope.Encode's own unwind contract.
func (le *LogicalEndPoint) DirectSend(ctx context.Context, payload []byte, remoteEp core.EndPointAddress, remoteAddr core.TAddress) error {
	buf := envelope.NewBuffer()
	env := envelope.Envelope{
		Type:       envelope.TypeMessage,
		LocalEP:    le.address,
		LocalAddr:  le.manager.cfg.Transport.LocalAddress(),
		RemoteEP:   remoteEp,
		RemoteAddr: remoteAddr,
	}
	if err := envelope.Encode(buf, env, le.manager.cfg.Converter); err != nil {
		return fmt.Errorf("endpoint: encoding envelope for %s: %w", remoteEp, err)
	}

	wire := buf.WriteTo(payload)
	if err := le.manager.cfg.Transport.Send(ctx, remoteAddr, wire); err != nil {
		return fmt.Errorf("endpoint: transport send to %s: %w", remoteAddr, err)
	}
	return nil
}

// Receive blocks until a message addressed to this endpoint is available,
// ctx is cancelled, or the endpoint is disposed.
func (le *LogicalEndPoint) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-le.rx:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-le.lc.Disposal.Done():
		return Message{}, lifecycle.ErrDisposed
	}
}

// SendReply sends response back to the sender of request, addressed
// directly to the transport address it arrived from (spec §4.6.5).
func (le *LogicalEndPoint) SendReply(ctx context.Context, response []byte, request Message) error {
	if request.Envelope.RemoteEP != le.address {
		return ErrWrongEndPointForReply
	}
	return le.DirectSend(ctx, response, request.Envelope.LocalEP, request.Envelope.LocalAddr)
}

// rxLoop decodes nothing itself (the manager already decoded the envelope);
// it applies the misroute check and dispatches Message envelopes to the rx
// queue (spec §4.6.4), running until the endpoint's lifecycle context is
// cancelled.
func (le *LogicalEndPoint) rxLoop() {
	defer close(le.rxDone)
	for {
		select {
		case <-le.lc.Context().Done():
			return
		case item := <-le.inbound:
			le.handleEnvelope(item.env, item.payload)
		}
	}
}

func (le *LogicalEndPoint) handleEnvelope(env envelope.Envelope, payload []byte) {
	if env.RemoteEP != le.address {
		le.reflectMisrouted(env)
		return
	}

	switch env.Type {
	case envelope.TypeMessage:
		select {
		case le.rx <- Message{Envelope: env, Payload: payload}:
		default:
			le.log.Warn("rx queue full, dropping message", "from", env.LocalEP)
		}
	case envelope.TypeMisrouted, envelope.TypeEndPointNotPresent, envelope.TypeProtocolNotSupported:
		le.log.Debug("dropping diagnostic envelope", "type", env.Type, "from", env.LocalEP)
	default:
		le.log.Debug("dropping envelope of unknown type", "type", env.Type, "from", env.LocalEP)
	}
}

// reflectMisrouted encodes a Misrouted envelope with sender and recipient
// swapped and transmits it back to the original sender's transport address
// (spec §4.6.4).
func (le *LogicalEndPoint) reflectMisrouted(env envelope.Envelope) {
	swapped := env.Swapped()

	buf := envelope.NewBuffer()
	if err := envelope.Encode(buf, swapped, le.manager.cfg.Converter); err != nil {
		le.log.Warn("failed to encode misrouted reflection", "error", err)
		return
	}
	wire := buf.WriteTo(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := le.manager.cfg.Transport.Send(ctx, swapped.RemoteAddr, wire); err != nil {
		le.log.Warn("failed to send misrouted reflection", "error", err, "to", swapped.RemoteAddr)
	}
}

// shutdown unmaps this endpoint's route-map registration and stops its
// receive loop concurrently, logging but never propagating either error
// (spec §4.6.6), then removes itself from the manager's table.
func (le *LogicalEndPoint) shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := le.manager.cfg.RouteMap.Unmap(ctx, le.address, le.manager.cfg.Transport.LocalAddress()); err != nil {
			le.log.Warn("failed to unmap route during shutdown", "error", err)
		}
	}()

	go func() {
		defer wg.Done()
		if err := le.lc.BeginDispose(ctx); err != nil {
			le.log.Warn("timed out waiting for in-flight operations during shutdown", "error", err)
		}
		if le.rxDone != nil {
			<-le.rxDone
		}
	}()

	wg.Wait()
	le.lc.Disposal.Fire(nil)
	le.manager.removeEndpoint(le.address, le)
}
