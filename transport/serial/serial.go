// Package serial provides a fabric Transport over a serial connection. A
// serial port is point-to-point: Send writes datagrams to whatever is
// wired to the other end, length-prefixed so the read loop can delimit
// them from the serial byte stream. Adapted from transport/serial's serial
// transport, replacing its MeshCore-specific RS232/Fletcher-16 framing
// with the fabric's own uint32 length-prefix convention.
package serial

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/meshfabric/fabric/core"
	"github.com/meshfabric/fabric/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate for fabric serial connections.
	DefaultBaudRate = 115200
	// Scheme identifies transport addresses minted by this transport.
	Scheme = "serial"
	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
	// maxFrameSize guards against a corrupted length prefix causing an
	// unbounded allocation while waiting for the rest of a frame.
	maxFrameSize = 16 * 1024 * 1024
)

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a serial connection.
type Transport struct {
	cfg          Config
	port         serial.Port
	log          *slog.Logger
	mu           sync.RWMutex
	connected    bool
	cancel       context.CancelFunc
	done         chan struct{}
	handler      transport.Handler
	stateHandler transport.StateHandler
}

// New creates a new serial transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

// LocalAddress implements transport.Transport.
func (t *Transport) LocalAddress() core.TAddress {
	return core.NewTAddress(Scheme, t.cfg.Port)
}

// Start opens the serial port and begins reading datagrams.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
	}

	port, err := serial.Open(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.done = make(chan struct{})
	handler := t.stateHandler
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.readLoop(readCtx)

	t.log.Info("connected to serial port", "port", t.cfg.Port, "baud", t.cfg.BaudRate)

	if handler != nil {
		handler(t, transport.EventConnected)
	}

	return nil
}

// Stop closes the serial port and stops the read loop.
func (t *Transport) Stop() error {
	t.mu.Lock()
	handler := t.stateHandler
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	t.connected = false
	port := t.port
	t.port = nil
	done := t.done
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}

	if done != nil {
		<-done
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}

	return err
}

// IsConnected returns true if the serial port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetHandler implements transport.Transport.
func (t *Transport) SetHandler(fn transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// SetStateHandler implements transport.Transport.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// Send writes a length-prefixed payload to the serial port. A serial link
// has exactly one peer, so addr is only checked for scheme, not identity.
func (t *Transport) Send(ctx context.Context, addr core.TAddress, payload []byte) error {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()

	if addr.Scheme() != Scheme {
		return fmt.Errorf("serial: address scheme %q is not mine (%q)", addr.Scheme(), Scheme)
	}
	if !connected || port == nil {
		return errors.New("not connected")
	}

	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("writing frame to serial port: %w", err)
	}
	return nil
}

// readLoop continuously reads from the serial port and assembles frames.
func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := t.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				t.handleDisconnect(err)
				return
			}
			t.log.Error("serial read error", "error", err)
			t.handleDisconnect(err)
			return
		}

		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = t.processFrames(assemblyBuf)
	}
}

// processFrames extracts complete length-prefixed frames from data and
// dispatches them to the handler. Returns any remaining bytes that do not
// yet form a complete frame.
func (t *Transport) processFrames(data []byte) []byte {
	for {
		if len(data) < 4 {
			return data
		}
		frameLen := binary.LittleEndian.Uint32(data[:4])
		if frameLen > maxFrameSize {
			t.log.Error("serial frame length exceeds limit, discarding buffer", "length", frameLen)
			return nil
		}
		if uint64(len(data)-4) < uint64(frameLen) {
			return data // wait for more data
		}

		payload := make([]byte, frameLen)
		copy(payload, data[4:4+frameLen])
		data = data[4+frameLen:]

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()

		if handler != nil {
			// The serial peer's identity is implicit (the wire's other
			// end); report it under this transport's own scheme.
			handler(core.NewTAddress(Scheme, t.cfg.Port), payload)
		}
	}
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	if err != nil {
		t.log.Error("serial disconnected", "error", err)
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}
