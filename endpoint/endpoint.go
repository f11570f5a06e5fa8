// Package endpoint implements the EndPointManager and LogicalEndPoint
// components (spec §4.6): a multiplexer of logical endpoints over one
// physical transport, a shared send-retry queue with exponential backoff,
// and per-endpoint receive queues with misroute reflection. Grounded on
// device/router.Router (queue-backed send loop, AddTransport multiplexing
// one handler over many transports, run in reverse here: one transport
// multiplexed over many logical endpoints) and device/connection.Manager's
// Start/Stop lifecycle shape.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/meshfabric/fabric/core"
	"github.com/meshfabric/fabric/core/envelope"
	"github.com/meshfabric/fabric/lifecycle"
	"github.com/meshfabric/fabric/routemap"
	"github.com/meshfabric/fabric/scheduler"
	"github.com/meshfabric/fabric/transport"
)

// ErrDuplicateEndPoint is returned by CreateLogicalEndPoint when the
// endpoint address is already registered with this manager.
var ErrDuplicateEndPoint = errors.New("endpoint: logical endpoint already registered")

// ErrEndPointGone is returned when a pending send's owning LogicalEndPoint
// has been removed (shut down) before the send could be dispatched.
var ErrEndPointGone = errors.New("endpoint: logical endpoint no longer registered")

// ErrWrongEndPointForReply is returned by SendReply when the request's
// envelope does not name the replying LogicalEndPoint as recipient.
var ErrWrongEndPointForReply = errors.New("endpoint: wrong endpoint for reply")

// maxBackoffSeconds bounds the exponential-backoff delay so repeated
// doubling cannot overflow into a negative or absurd duration (spec §4.6.1
// edge case: "2^n growth saturates at int-max seconds").
const maxBackoffSeconds = math.MaxInt32

// DefaultQueueSize is the default capacity of the manager's tx queue and
// each logical endpoint's rx/inbound queues.
const DefaultQueueSize = 256

// Message is one application message delivered to a LogicalEndPoint's
// receive queue, paired with the routing envelope it arrived under so
// consumers can address a reply (spec §4.6.5).
type Message struct {
	Envelope envelope.Envelope
	Payload  []byte
}

// Config holds the configuration for a Manager.
type Config struct {
	// Transport is the single physical transport every logical endpoint is
	// multiplexed over. Required.
	Transport transport.Transport
	// RouteMap backs logical-name-to-address registration. Required.
	RouteMap *routemap.Map
	// Converter serializes transport addresses in the routing envelope. If
	// nil, core.GenericConverter is used.
	Converter core.TAddressConverter
	// Scheduler orders candidate replicas for a send attempt. If nil,
	// scheduler.Random is used.
	Scheduler scheduler.Order
	// QueueSize bounds the tx queue and each endpoint's rx/inbound queues.
	// If zero, DefaultQueueSize is used.
	QueueSize int
	// MaxAttempts bounds how many dispatch attempts a queued send gets,
	// counting the first, before giving up and calling OnDeadLetter. Zero
	// (the default) retries forever, matching spec §4.6.1's unbounded-retry
	// behavior.
	MaxAttempts int
	// OnDeadLetter, if set, is called with the undelivered payload when a
	// send exhausts MaxAttempts. Ignored when MaxAttempts is zero.
	OnDeadLetter func(localEp, remoteEp core.EndPointAddress, payload []byte)
	// StrictLocalDispatch, when true, reflects an EndPointNotPresent
	// envelope back to the sender when an inbound envelope names an
	// unregistered local endpoint, instead of silently dropping it.
	StrictLocalDispatch bool
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// txItem is one pending send on the manager's tx queue (spec §4.6.1).
type txItem struct {
	ctx      context.Context
	cancel   context.CancelFunc
	payload  []byte
	localEp  core.EndPointAddress
	remoteEp core.EndPointAddress
	attempt  int
	result   chan error
}

// rxItem is a decoded inbound envelope handed from the manager's shared
// transport handler to the owning LogicalEndPoint's receive loop.
type rxItem struct {
	env     envelope.Envelope
	payload []byte
}

// Manager is the EndPointManager: it owns the physical transport, the
// shared tx queue and retry loop, and the table of live logical endpoints.
type Manager struct {
	cfg Config
	log *slog.Logger
	lc  *lifecycle.Lifecycle

	mu        sync.RWMutex
	endpoints map[core.EndPointAddress]*LogicalEndPoint

	txQueue chan *txItem
	txDone  chan struct{}
}

// New constructs a Manager. Start must be called before it can send or
// receive.
func New(cfg Config) *Manager {
	if cfg.Converter == nil {
		cfg.Converter = core.GenericConverter
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.Random
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		log:       cfg.Logger.WithGroup("endpoint"),
		lc:        lifecycle.New(context.Background()),
		endpoints: make(map[core.EndPointAddress]*LogicalEndPoint),
		txQueue:   make(chan *txItem, cfg.QueueSize),
	}
}

// Start wires the manager in as the transport's handler, starts the
// transport, and starts the tx loop.
func (m *Manager) Start(ctx context.Context) error {
	m.cfg.Transport.SetHandler(m.handleIncoming)
	if err := m.cfg.Transport.Start(ctx); err != nil {
		m.lc.Initialization.Fire(err)
		return fmt.Errorf("endpoint: starting transport: %w", err)
	}

	m.txDone = make(chan struct{})
	go m.txLoop()

	m.lc.Initialization.Fire(nil)
	return nil
}

// Stop shuts down every registered logical endpoint, stops the tx loop, and
// stops the underlying transport. Errors from individual shutdowns are
// logged, not returned (spec §4.6.6: "never escaping disposal").
func (m *Manager) Stop() error {
	m.mu.RLock()
	eps := make([]*LogicalEndPoint, 0, len(m.endpoints))
	for _, le := range m.endpoints {
		eps = append(eps, le)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(eps))
	for _, le := range eps {
		go func(le *LogicalEndPoint) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			le.shutdown(ctx)
		}(le)
	}
	wg.Wait()

	_ = m.lc.BeginDispose(context.Background())
	if m.txDone != nil {
		<-m.txDone
	}
	m.lc.Disposal.Fire(nil)

	return m.cfg.Transport.Stop()
}

// CreateLogicalEndPoint registers a new LogicalEndPoint for addr: it maps
// addr to this node's transport address in the Route Map and starts the
// endpoint's receive loop (spec §4.6).
func (m *Manager) CreateLogicalEndPoint(ctx context.Context, addr core.EndPointAddress) (*LogicalEndPoint, error) {
	guard, err := m.lc.AcquireGuard()
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	m.mu.Lock()
	if _, exists := m.endpoints[addr]; exists {
		m.mu.Unlock()
		return nil, ErrDuplicateEndPoint
	}
	le := newLogicalEndPoint(m, addr)
	m.endpoints[addr] = le
	m.mu.Unlock()

	if err := m.cfg.RouteMap.Map(ctx, addr, m.cfg.Transport.LocalAddress()); err != nil {
		m.mu.Lock()
		delete(m.endpoints, addr)
		m.mu.Unlock()
		return nil, fmt.Errorf("endpoint: registering %s in route map: %w", addr, err)
	}

	le.start()
	return le, nil
}

// RemoveEndPoint disposes the LogicalEndPoint registered at addr: it
// unmaps addr from the Route Map and stops its receive loop (spec §4.6.6),
// the same teardown Stop runs for every endpoint, scoped to just this one.
// It is a no-op if addr is not registered.
func (m *Manager) RemoveEndPoint(ctx context.Context, addr core.EndPointAddress) {
	le, ok := m.lookupLocal(addr)
	if !ok {
		return
	}
	le.shutdown(ctx)
}

// lookupLocal returns the registered LogicalEndPoint for addr, if any.
func (m *Manager) lookupLocal(addr core.EndPointAddress) (*LogicalEndPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	le, ok := m.endpoints[addr]
	return le, ok
}

// removeEndpoint is the manager side of a logical endpoint's best-effort
// TryRemove: it deletes the registration only if it still points at le
// (the endpoint may have already been replaced or removed concurrently).
func (m *Manager) removeEndpoint(addr core.EndPointAddress, le *LogicalEndPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.endpoints[addr]; ok && cur == le {
		delete(m.endpoints, addr)
	}
}

// handleIncoming is installed as the transport's Handler. It decodes the
// routing envelope once and routes the remainder to the addressed logical
// endpoint's inbound queue; the endpoint's own receive loop does the
// misroute check and dispatch (spec §4.6.4).
func (m *Manager) handleIncoming(_ core.TAddress, wire []byte) {
	buf := envelope.NewBuffer()
	env, rest, err := envelope.Decode(buf, wire, m.cfg.Converter)
	if err != nil {
		m.log.Warn("dropping malformed envelope", "error", err)
		return
	}

	le, ok := m.lookupLocal(env.RemoteEP)
	if !ok {
		if m.cfg.StrictLocalDispatch {
			m.reflectEndPointNotPresent(env)
		} else {
			m.log.Debug("dropping envelope for unregistered local endpoint", "endpoint", env.RemoteEP)
		}
		return
	}

	select {
	case le.inbound <- rxItem{env: env, payload: rest}:
	default:
		m.log.Warn("inbound queue full, dropping envelope", "endpoint", env.RemoteEP)
	}
}

// reflectEndPointNotPresent tells env's sender that the local endpoint it
// addressed does not exist at this node (spec §9 open question 2, enabled
// via Config.StrictLocalDispatch).
func (m *Manager) reflectEndPointNotPresent(env envelope.Envelope) {
	reply := envelope.Envelope{
		Type:       envelope.TypeEndPointNotPresent,
		LocalEP:    env.RemoteEP,
		LocalAddr:  env.RemoteAddr,
		RemoteEP:   env.LocalEP,
		RemoteAddr: env.LocalAddr,
	}

	buf := envelope.NewBuffer()
	if err := envelope.Encode(buf, reply, m.cfg.Converter); err != nil {
		m.log.Warn("failed to encode EndPointNotPresent reflection", "error", err)
		return
	}
	wire := buf.WriteTo(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.cfg.Transport.Send(ctx, reply.RemoteAddr, wire); err != nil {
		m.log.Warn("failed to send EndPointNotPresent reflection", "error", err, "to", reply.RemoteAddr)
	}
}

// txLoop dequeues pending sends and dispatches each off-loop so one slow or
// retrying send never stalls the queue (spec §4.6.1).
func (m *Manager) txLoop() {
	defer close(m.txDone)
	for {
		select {
		case <-m.lc.Context().Done():
			return
		case item := <-m.txQueue:
			go m.dispatch(item)
		}
	}
}

// dispatch implements Dispatch (spec §4.6.1): resolve replicas, try each in
// scheduled order, complete the future on the first success, or reschedule
// with exponential backoff if none succeed.
func (m *Manager) dispatch(item *txItem) {
	select {
	case <-item.ctx.Done():
		item.result <- item.ctx.Err()
		item.cancel()
		return
	default:
	}

	le, ok := m.lookupLocal(item.localEp)
	if !ok {
		item.result <- ErrEndPointGone
		item.cancel()
		return
	}

	replicas, err := m.cfg.RouteMap.GetMaps(item.ctx, item.remoteEp)
	if err != nil {
		m.log.Debug("route map lookup failed, rescheduling", "endpoint", item.remoteEp, "error", err)
		m.reschedule(item)
		return
	}

	for _, addr := range m.cfg.Scheduler(replicas) {
		if err := le.directSendOrLocal(item.ctx, item.payload, item.remoteEp, addr); err == nil {
			item.result <- nil
			item.cancel()
			return
		}
	}

	m.reschedule(item)
}

// reschedule implements Reschedule (spec §4.6.1): wait 2^(attempt-1)
// seconds, then re-enqueue, unless the caller's cancellation fires first,
// the manager is shutting down, or Config.MaxAttempts has been exhausted
// (spec §9 open question 1).
func (m *Manager) reschedule(item *txItem) {
	item.attempt++

	if m.cfg.MaxAttempts > 0 && item.attempt > m.cfg.MaxAttempts {
		if m.cfg.OnDeadLetter != nil {
			m.cfg.OnDeadLetter(item.localEp, item.remoteEp, item.payload)
		}
		item.result <- fmt.Errorf("endpoint: exhausted %d attempts sending to %s", m.cfg.MaxAttempts, item.remoteEp)
		item.cancel()
		return
	}

	delay := time.Duration(backoffSeconds(item.attempt)) * time.Second

	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case m.txQueue <- item:
			case <-m.lc.Context().Done():
				item.result <- lifecycle.ErrDisposed
				item.cancel()
			}
		case <-item.ctx.Done():
			item.result <- item.ctx.Err()
			item.cancel()
		}
	}()
}

// backoffSeconds computes 2^(attempt-1), clamped to maxBackoffSeconds to
// avoid overflow for very large attempt counts (spec §4.6.1 edge case).
func backoffSeconds(attempt int) int {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift >= 31 {
		return maxBackoffSeconds
	}
	v := 1 << uint(shift)
	if v > maxBackoffSeconds {
		return maxBackoffSeconds
	}
	return v
}
