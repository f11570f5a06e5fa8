// Package lifecycle provides the one-shot initialization/disposal signals,
// disposal guards, and cancellation composition used by the components
// that run background work (spec §4.8): EndPointManager/LogicalEndPoint
// and MessageRouter use Lifecycle, and the request/reply endpoint uses
// Signal for its cancellation signals. It generalizes the Start(ctx)/Stop() + context.CancelFunc
// shape repeated across connection.Manager, ack.Tracker, and
// device/router.Router into a single reusable primitive.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDisposed is returned by AcquireGuard once the component has begun or
// completed disposal.
var ErrDisposed = errors.New("lifecycle: component disposed")

// Signal is a one-shot completion signal: it is either pending or done, and
// once done it stays done. Safe for concurrent use.
type Signal struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// NewSignal returns a pending Signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire marks the signal done with the given error (nil for success). Only
// the first call has effect.
func (s *Signal) Fire(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Done returns a channel closed once the signal has fired.
func (s *Signal) Done() <-chan struct{} { return s.done }

// Err returns the error the signal fired with. Only meaningful after Done
// is closed.
func (s *Signal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the signal fires or ctx is cancelled.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsFired reports whether the signal has fired, without blocking.
func (s *Signal) IsFired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Lifecycle bundles a component's Initialization and Disposal signals with
// a guard counter that disposal waits to drain, and a cancellation scope
// composing an external cancel with the component's own shutdown.
type Lifecycle struct {
	Initialization *Signal
	Disposal       *Signal

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	guards    int
	disposing bool
	drained   chan struct{}
}

// New returns a Lifecycle whose cancellation scope is derived from parent.
func New(parent context.Context) *Lifecycle {
	ctx, cancel := context.WithCancel(parent)
	return &Lifecycle{
		Initialization: NewSignal(),
		Disposal:       NewSignal(),
		ctx:            ctx,
		cancel:         cancel,
		drained:        make(chan struct{}),
	}
}

// Context returns the lifecycle's own cancellation context, cancelled when
// disposal begins.
func (l *Lifecycle) Context() context.Context { return l.ctx }

// Compose returns a context cancelled when either external is cancelled or
// the lifecycle begins disposal, along with its cancel func. Callers must
// invoke the returned cancel to release resources promptly.
func (l *Lifecycle) Compose(external context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(merge(external, l.ctx))
}

// guard is a scoped disposal guard: while outstanding, BeginDispose blocks
// draining until it is released.
type guard struct {
	l *Lifecycle
}

// Release returns the guard, decrementing the outstanding count.
func (g guard) Release() {
	g.l.mu.Lock()
	g.l.guards--
	drained := g.l.guards == 0 && g.l.disposing
	g.l.mu.Unlock()
	if drained {
		close(g.l.drained)
	}
}

// AcquireGuard registers an in-flight operation against the component. It
// fails with ErrDisposed once disposal has begun.
func (l *Lifecycle) AcquireGuard() (guard, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposing {
		return guard{}, ErrDisposed
	}
	l.guards++
	return guard{l: l}, nil
}

// BeginDispose cancels the lifecycle's context, blocks until every
// outstanding guard has been released (or ctx is done, returning ctx.Err()),
// then returns. It may be called more than once; later calls do not cancel
// again but wait for the same guard drain, or for their own ctx.
func (l *Lifecycle) BeginDispose(ctx context.Context) error {
	l.mu.Lock()
	if l.disposing {
		l.mu.Unlock()
		select {
		case <-l.drained:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.disposing = true
	none := l.guards == 0
	l.mu.Unlock()

	l.cancel()

	if none {
		close(l.drained)
		return nil
	}

	select {
	case <-l.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func merge(a, b context.Context) context.Context {
	m := &mergedCtx{a: a, b: b, done: make(chan struct{})}
	go func() {
		select {
		case <-a.Done():
		case <-b.Done():
		}
		close(m.done)
	}()
	return m
}

// mergedCtx implements context.Context over two parents, cancelled as soon
// as either is done. It is used only as the base passed to
// context.WithCancel in Compose, so Deadline need not aggregate both
// parents precisely.
type mergedCtx struct {
	a, b context.Context
	done chan struct{}
}

func (m *mergedCtx) Deadline() (deadline time.Time, ok bool) { return time.Time{}, false }

func (m *mergedCtx) Done() <-chan struct{} { return m.done }

func (m *mergedCtx) Err() error {
	select {
	case <-m.done:
		if err := m.a.Err(); err != nil {
			return err
		}
		return m.b.Err()
	default:
		return nil
	}
}

func (m *mergedCtx) Value(key any) any {
	if v := m.a.Value(key); v != nil {
		return v
	}
	return m.b.Value(key)
}
