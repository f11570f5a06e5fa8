// Package coordination defines the external coordination-service contract
// the fabric is built against: a ZooKeeper-like hierarchical byte-valued
// store with session-scoped ephemeral nodes (spec §4.2, §4.3, §6). Route
// Map and Route Manager are the only consumers; this package owns no
// durable state of its own.
package coordination

import (
	"context"
	"errors"
)

// Mode selects whether a node created by GetOrCreate survives the creating
// session (Default) or is removed when that session ends (Ephemeral).
type Mode int

const (
	// Default creates a durable node that outlives the session.
	Default Mode = iota
	// Ephemeral creates a node tied to the creating session's lifetime.
	Ephemeral
)

func (m Mode) String() string {
	if m == Ephemeral {
		return "Ephemeral"
	}
	return "Default"
}

// ErrNoNode is returned when an operation names a path that does not
// exist.
var ErrNoNode = errors.New("coordination: no such node")

// ErrNodeExists is returned by Create when the path is already present.
var ErrNodeExists = errors.New("coordination: node already exists")

// ErrNotEmpty is returned by a non-recursive Delete against a node that
// still has children.
var ErrNotEmpty = errors.New("coordination: node has children")

// Service is the coordination-service contract consumed by Route Map and
// Route Manager. Implementations must survive reconnect under a new
// session; callers are expected to re-publish any ephemeral state they
// own once GetSession reports a new value.
type Service interface {
	// Create adds a node at path with the given value and mode, failing
	// with ErrNodeExists if it is already present.
	Create(ctx context.Context, path string, value []byte, mode Mode) error
	// GetOrCreate adds a node at path with the given value and mode if
	// absent, or leaves an existing node untouched. Idempotent for the
	// same session.
	GetOrCreate(ctx context.Context, path string, value []byte, mode Mode) error
	// Delete removes the node at path. If recursive is true, all
	// descendants are removed first; otherwise a node with children
	// fails with ErrNotEmpty.
	Delete(ctx context.Context, path string, recursive bool) error
	// Get returns the value stored at path.
	Get(ctx context.Context, path string) ([]byte, error)
	// Children returns the immediate child names under path, in no
	// particular order.
	Children(ctx context.Context, path string) ([]string, error)
	// GetSession returns an opaque identifier for the service's current
	// session. It changes whenever the underlying connection is
	// re-established, so ephemeral entries can be detected as stale.
	GetSession() string
}
