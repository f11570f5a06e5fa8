// Package ws provides a fabric Transport over WebSocket connections. It
// listens for inbound connections and dials outbound ones lazily on first
// Send to a peer, caching the connection for reuse. New package: the
// teacher only pulls in gorilla/websocket as an indirect dependency; this
// adapter promotes it to direct use, following the same
// Config/Start/Stop/SetHandler shape as the mqtt and serial adapters.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshfabric/fabric/core"
	"github.com/meshfabric/fabric/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

// Scheme identifies transport addresses minted by this transport. A
// TAddress passed to Send carries the peer's "ws://host:port/path" URL as
// its Value; the address handed to the Handler for a connection accepted by
// the listener carries the remote "host:port" instead.
const Scheme = "ws"

// Config holds the configuration for a WebSocket transport.
type Config struct {
	// ListenAddr is the "host:port" this node accepts inbound connections
	// on. Leave empty to run outbound-only.
	ListenAddr string
	// ListenPath is the HTTP path inbound connections upgrade on. Defaults
	// to "/fabric".
	ListenPath string
	// PublicURL is the "ws://host:port/path" peers should use to reach
	// this node, returned from LocalAddress. Required if ListenAddr is set.
	PublicURL string
	// DialTimeout bounds outbound connection attempts. Defaults to 10s.
	DialTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// wsConn pairs a cached connection with the mutex serializing writes to it.
// gorilla/websocket requires at most one concurrent writer per connection;
// Send can be called concurrently for the same peer by the endpoint
// manager's tx loop, so every write goes through writeMu.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Transport implements transport.Transport over WebSocket connections.
type Transport struct {
	cfg Config
	log *slog.Logger

	server *http.Server

	mu           sync.Mutex
	conns        map[string]*wsConn
	connected    bool
	handler      transport.Handler
	stateHandler transport.StateHandler
}

// New creates a new WebSocket transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.ListenPath == "" {
		cfg.ListenPath = "/fabric"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("ws"),
		conns: make(map[string]*wsConn),
	}
}

// LocalAddress implements transport.Transport.
func (t *Transport) LocalAddress() core.TAddress {
	return core.NewTAddress(Scheme, t.cfg.PublicURL)
}

// Start begins listening for inbound connections, if configured.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	handler := t.stateHandler
	t.mu.Unlock()

	if t.cfg.ListenAddr != "" {
		upgrader := websocket.Upgrader{}
		mux := http.NewServeMux()
		mux.HandleFunc(t.cfg.ListenPath, func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				t.log.Warn("websocket upgrade failed", "error", err)
				return
			}
			t.adopt(r.RemoteAddr, conn)
		})
		t.server = &http.Server{Addr: t.cfg.ListenAddr, Handler: mux}

		errCh := make(chan error, 1)
		go func() { errCh <- t.server.ListenAndServe() }()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ws: listen: %w", err)
			}
		case <-time.After(100 * time.Millisecond):
			// Server came up without an immediate bind error.
		}
	}

	t.log.Info("websocket transport started", "listen", t.cfg.ListenAddr)
	if handler != nil {
		handler(t, transport.EventConnected)
	}
	return nil
}

// Stop closes every connection and shuts down the listener.
func (t *Transport) Stop() error {
	t.mu.Lock()
	t.connected = false
	conns := t.conns
	t.conns = make(map[string]*wsConn)
	server := t.server
	handler := t.stateHandler
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}

	var err error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = server.Shutdown(ctx)
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
	return err
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
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

// adopt registers a connection under key and starts its read loop.
func (t *Transport) adopt(key string, conn *websocket.Conn) *wsConn {
	wc := &wsConn{conn: conn}
	t.mu.Lock()
	t.conns[key] = wc
	t.mu.Unlock()
	go t.readLoop(key, wc)
	return wc
}

func (t *Transport) readLoop(key string, wc *wsConn) {
	defer func() {
		t.mu.Lock()
		if t.conns[key] == wc {
			delete(t.conns, key)
		}
		t.mu.Unlock()
		_ = wc.conn.Close()
	}()

	for {
		msgType, data, err := wc.conn.ReadMessage()
		if err != nil {
			t.log.Debug("websocket read error", "peer", key, "error", err)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(core.NewTAddress(Scheme, key), data)
		}
	}
}

// dial returns a connection to url, dialing and adopting one if none is
// cached yet.
func (t *Transport) dial(ctx context.Context, url string) (*wsConn, error) {
	t.mu.Lock()
	wc, ok := t.conns[url]
	t.mu.Unlock()
	if ok {
		return wc, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return t.adopt(url, conn), nil
}

// Send writes payload as a single binary WebSocket message to addr,
// dialing a new connection if none is already open. Writes to a given
// connection are serialized through its writeMu: gorilla/websocket permits
// only one concurrent writer, but the endpoint manager's tx loop may
// dispatch several queued sends to the same peer concurrently.
func (t *Transport) Send(ctx context.Context, addr core.TAddress, payload []byte) error {
	if addr.Scheme() != Scheme {
		return fmt.Errorf("ws: address scheme %q is not mine (%q)", addr.Scheme(), Scheme)
	}
	wc, err := t.dial(ctx, addr.Value())
	if err != nil {
		return err
	}
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	if err := wc.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("ws: write to %s: %w", addr.Value(), err)
	}
	return nil
}
