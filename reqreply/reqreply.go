// Package reqreply implements the Request/Reply Endpoint (spec §4.5): it
// wraps a lower-level packetised endpoint with a correlation table so
// callers can send a request and await its response, and so inbound
// requests can be cancelled by their sender before a handler replies.
// Grounded closely on the pending-map/ticker-free callback-outside-lock
// shape of core/ack.Tracker, generalized from one-shot ACK tracking to
// full two-way request/reply/cancellation correlation.
package reqreply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/meshfabric/fabric/core/envelope"
	"github.com/meshfabric/fabric/lifecycle"
)

// ErrCancelled is returned by SendAsync when the remote acknowledged a
// CancellationRequest with a CancellationResponse.
var ErrCancelled = errors.New("reqreply: request cancelled")

// ErrClosed is returned by SendAsync and ReceiveAsync once the endpoint
// has been closed.
var ErrClosed = errors.New("reqreply: endpoint closed")

// Sender transmits a fully-framed outbound message. Endpoint pushes its
// own request/reply frame before calling Send, so Sender need only hand
// the bytes to the underlying transport.
type Sender interface {
	Send(ctx context.Context, wire []byte) error
}

// Request is an inbound request delivered via ReceiveAsync.
type Request struct {
	SeqNum  int32
	Payload []byte
}

type pendingResult struct {
	payload []byte
	err     error
}

// Endpoint correlates outbound requests with their responses and inbound
// requests with cancellation signals from their sender.
type Endpoint struct {
	lower Sender

	seq int32

	mu        sync.Mutex
	pending   map[int32]chan pendingResult
	cancelers map[int32]*lifecycle.Signal

	rx     chan Request
	closed chan struct{}
	once   sync.Once
}

// New constructs an Endpoint sending outbound wire bytes through lower.
func New(lower Sender) *Endpoint {
	return &Endpoint{
		lower:     lower,
		pending:   make(map[int32]chan pendingResult),
		cancelers: make(map[int32]*lifecycle.Signal),
		rx:        make(chan Request, 64),
		closed:    make(chan struct{}),
	}
}

// Close unblocks any outstanding SendAsync/ReceiveAsync callers with
// ErrClosed. Safe to call more than once.
func (e *Endpoint) Close() {
	e.once.Do(func() { close(e.closed) })
}

func (e *Endpoint) nextSeq() int32 {
	return atomic.AddInt32(&e.seq, 1)
}

func (e *Endpoint) frame(buf *envelope.Buffer, seq int32, typ envelope.ReqReplyMessageType, corrId int32) error {
	return envelope.EncodeReqReplyFrame(buf, envelope.ReqReplyFrame{
		SeqNum:      seq,
		MessageType: typ,
		CorrId:      corrId,
	})
}

// SendAsync assigns a fresh sequence number, frames payload as a Request,
// transmits it, and blocks until a Response (success), CancellationResponse
// (ErrCancelled), or ctx cancellation (triggers an async CancellationRequest
// and keeps waiting) resolves it (spec §4.5).
func (e *Endpoint) SendAsync(ctx context.Context, payload []byte) ([]byte, error) {
	seq := e.nextSeq()
	result := make(chan pendingResult, 1)

	e.mu.Lock()
	e.pending[seq] = result
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, seq)
		e.mu.Unlock()
	}()

	buf := envelope.NewBuffer()
	if err := e.frame(buf, seq, envelope.ReqReplyRequest, 0); err != nil {
		return nil, fmt.Errorf("reqreply: frame request: %w", err)
	}
	if err := e.lower.Send(ctx, buf.WriteTo(payload)); err != nil {
		return nil, fmt.Errorf("reqreply: send request: %w", err)
	}

	select {
	case res := <-result:
		return res.payload, res.err
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		go e.sendCancellationRequest(seq)
	}

	// ctx is cancelled and a CancellationRequest is in flight; the future
	// is not removed until a Response or CancellationResponse arrives, so
	// wait only on the result and endpoint closure — selecting ctx.Done()
	// again here would spin, since it stays permanently ready.
	select {
	case res := <-result:
		return res.payload, res.err
	case <-e.closed:
		return nil, ErrClosed
	}
}

func (e *Endpoint) sendCancellationRequest(corrId int32) {
	buf := envelope.NewBuffer()
	if err := e.frame(buf, e.nextSeq(), envelope.ReqReplyCancellationRequest, corrId); err != nil {
		return
	}
	_ = e.lower.Send(context.Background(), buf.WriteTo(nil))
}

// ReceiveAsync returns the next inbound request, together with a channel
// that closes if the remote later sends a CancellationRequest for it.
func (e *Endpoint) ReceiveAsync(ctx context.Context) (Request, <-chan struct{}, error) {
	select {
	case req := <-e.rx:
		e.mu.Lock()
		sig, ok := e.cancelers[req.SeqNum]
		if !ok {
			sig = lifecycle.NewSignal()
			e.cancelers[req.SeqNum] = sig
		}
		e.mu.Unlock()
		return req, sig.Done(), nil
	case <-e.closed:
		return Request{}, nil, ErrClosed
	case <-ctx.Done():
		return Request{}, nil, ctx.Err()
	}
}

// HandleInbound decodes the request/reply frame at the front of wire and
// demultiplexes it: Request is queued for ReceiveAsync, Response/
// CancellationResponse complete a pending SendAsync, CancellationRequest
// fires the cancellation signal for the named request, and anything else
// is dropped (spec §4.5).
func (e *Endpoint) HandleInbound(wire []byte) error {
	buf := envelope.NewBuffer()
	frame, rest, err := envelope.DecodeReqReplyFrame(buf, wire)
	if err != nil {
		return fmt.Errorf("reqreply: decode frame: %w", err)
	}

	switch frame.MessageType {
	case envelope.ReqReplyRequest:
		select {
		case e.rx <- Request{SeqNum: frame.SeqNum, Payload: rest}:
		case <-e.closed:
		}
	case envelope.ReqReplyResponse:
		e.completePending(frame.CorrId, pendingResult{payload: rest, err: nil})
	case envelope.ReqReplyCancellationRequest:
		e.mu.Lock()
		sig, ok := e.cancelers[frame.CorrId]
		if !ok {
			sig = lifecycle.NewSignal()
			e.cancelers[frame.CorrId] = sig
		}
		e.mu.Unlock()
		sig.Fire(nil)
	case envelope.ReqReplyCancellationResponse:
		e.completePending(frame.CorrId, pendingResult{err: ErrCancelled})
	default:
		// Unrecognized message type; dropped per spec §4.5.
	}
	return nil
}

func (e *Endpoint) completePending(corrId int32, res pendingResult) {
	e.mu.Lock()
	ch, ok := e.pending[corrId]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// SendResponse transmits a Response correlated to the request named by
// req, carrying payload as its body.
func (e *Endpoint) SendResponse(ctx context.Context, req Request, payload []byte) error {
	buf := envelope.NewBuffer()
	if err := e.frame(buf, e.nextSeq(), envelope.ReqReplyResponse, req.SeqNum); err != nil {
		return fmt.Errorf("reqreply: frame response: %w", err)
	}
	if err := e.lower.Send(ctx, buf.WriteTo(payload)); err != nil {
		return fmt.Errorf("reqreply: send response: %w", err)
	}
	return nil
}

// SendCancellationResponse transmits a CancellationResponse correlated to
// the request named by req, acknowledging that its handler abandoned work
// after observing the request's cancellation signal fire.
func (e *Endpoint) SendCancellationResponse(ctx context.Context, req Request) error {
	buf := envelope.NewBuffer()
	if err := e.frame(buf, e.nextSeq(), envelope.ReqReplyCancellationResponse, req.SeqNum); err != nil {
		return fmt.Errorf("reqreply: frame cancellation response: %w", err)
	}
	if err := e.lower.Send(ctx, buf.WriteTo(nil)); err != nil {
		return fmt.Errorf("reqreply: send cancellation response: %w", err)
	}
	return nil
}

// ForgetCancelSignal releases the cancellation signal associated with an
// inbound request once its handler has replied, so cancelers does not
// grow unbounded across the endpoint's lifetime.
func (e *Endpoint) ForgetCancelSignal(seqNum int32) {
	e.mu.Lock()
	delete(e.cancelers, seqNum)
	e.mu.Unlock()
}
