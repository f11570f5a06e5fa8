// Package transport provides the physical-transport interface consumed by
// EndPointManager and its concrete adapters (mqtt, serial, ws). Adapted
// from the existing Start/Stop/IsConnected/SetXHandler/SendX shape,
// generalized from MeshCore's broadcast Packet semantics to addressed
// send/receive of opaque fabric datagrams (spec §4.6, §6).
package transport

import (
	"context"

	"github.com/meshfabric/fabric/core"
)

// Transport is the base interface for all physical-transport
// implementations. A Transport need not itself understand envelopes,
// routes, or logical endpoints — it moves opaque byte payloads between
// addressable peers.
type Transport interface {
	// Start begins the transport's connection and message handling. The
	// provided context controls the transport's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the transport.
	Stop() error
	// IsConnected returns true if the transport is currently connected.
	IsConnected() bool
	// LocalAddress returns the transport address peers should use to
	// reach this node. It is stable for the lifetime of one connected
	// session and changes across reconnects for transports where
	// identity is connection-scoped.
	LocalAddress() core.TAddress
	// SetHandler sets the callback for incoming datagrams.
	SetHandler(fn Handler)
	// SetStateHandler sets the callback for transport state changes.
	SetStateHandler(fn StateHandler)
	// Send transmits payload to the peer at addr.
	Send(ctx context.Context, addr core.TAddress, payload []byte) error
}

// Handler is called when a datagram is received from addr.
type Handler func(addr core.TAddress, payload []byte)

// StateHandler is called when the transport state changes.
type StateHandler func(t Transport, event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}
