// Package routemap implements the Route Map logical-name directory (spec
// §4.2): a replicated mapping from logical endpoint name to the set of
// live transport addresses currently serving it, backed by the
// coordination service under "/maps/<endpointName>". Grounded on the
// session-scoped registration/lookup shape of device/connection.Manager
// and the store-interface-next-to-implementation pattern of
// core/contact.ContactStore.
package routemap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meshfabric/fabric/core"
	"github.com/meshfabric/fabric/coordination"
)

const rootPath = "/maps"

// Config holds the configuration for a Map.
type Config struct {
	// Service is the coordination service backing this map. Required.
	Service coordination.Service
	// Converter serializes and parses transport addresses. If nil,
	// core.GenericConverter is used.
	Converter core.TAddressConverter
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Map is the Route Map logical-name directory.
type Map struct {
	cfg  Config
	conv core.TAddressConverter
	log  *slog.Logger
}

// New constructs a Map over the given configuration.
func New(cfg Config) *Map {
	if cfg.Converter == nil {
		cfg.Converter = core.GenericConverter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Map{cfg: cfg, conv: cfg.Converter, log: cfg.Logger.WithGroup("routemap")}
}

func endpointPath(ep core.EndPointAddress) string {
	return fmt.Sprintf("%s/%s", rootPath, ep)
}

func sessionPath(ep core.EndPointAddress, session string) string {
	return fmt.Sprintf("%s/%s", endpointPath(ep), session)
}

// Map registers addr as a live transport address for ep under the
// coordination service's current session. Idempotent for the same
// session: calling it again with the same (ep, session) leaves the prior
// entry untouched.
func (m *Map) Map(ctx context.Context, ep core.EndPointAddress, addr core.TAddress) error {
	session := m.cfg.Service.GetSession()
	if err := m.cfg.Service.GetOrCreate(ctx, endpointPath(ep), nil, coordination.Default); err != nil {
		return fmt.Errorf("routemap: ensure endpoint node %s: %w", ep, err)
	}
	value := m.conv.Marshal(addr)
	if err := m.cfg.Service.GetOrCreate(ctx, sessionPath(ep, session), value, coordination.Ephemeral); err != nil {
		return fmt.Errorf("routemap: map %s: %w", ep, err)
	}
	return nil
}

// Unmap deletes this session's entry for ep, but only if its current
// value matches addr. If it does not match (the entry was written for a
// different address), Unmap is a silent no-op.
func (m *Map) Unmap(ctx context.Context, ep core.EndPointAddress, addr core.TAddress) error {
	session := m.cfg.Service.GetSession()
	p := sessionPath(ep, session)
	current, err := m.cfg.Service.Get(ctx, p)
	if err != nil {
		if err == coordination.ErrNoNode {
			return nil
		}
		return fmt.Errorf("routemap: get %s: %w", p, err)
	}
	want := m.conv.Marshal(addr)
	if string(current) != string(want) {
		return nil
	}
	if err := m.cfg.Service.Delete(ctx, p, false); err != nil && err != coordination.ErrNoNode {
		return fmt.Errorf("routemap: delete %s: %w", p, err)
	}
	return nil
}

// UnmapAll removes every registered address for ep, recursively deleting
// /maps/<ep>.
func (m *Map) UnmapAll(ctx context.Context, ep core.EndPointAddress) error {
	if err := m.cfg.Service.Delete(ctx, endpointPath(ep), true); err != nil && err != coordination.ErrNoNode {
		return fmt.Errorf("routemap: unmap all %s: %w", ep, err)
	}
	return nil
}

// GetMaps lists the currently live transport addresses for ep. Failures
// from the coordination service propagate to the caller, which should
// treat them as "address unknown this attempt" (spec §4.2).
func (m *Map) GetMaps(ctx context.Context, ep core.EndPointAddress) ([]core.TAddress, error) {
	children, err := m.cfg.Service.Children(ctx, endpointPath(ep))
	if err != nil {
		if err == coordination.ErrNoNode {
			return nil, nil
		}
		return nil, fmt.Errorf("routemap: children %s: %w", ep, err)
	}

	addrs := make([]core.TAddress, 0, len(children))
	for _, child := range children {
		p := fmt.Sprintf("%s/%s", endpointPath(ep), child)
		value, err := m.cfg.Service.Get(ctx, p)
		if err != nil {
			if err == coordination.ErrNoNode {
				continue
			}
			return nil, fmt.Errorf("routemap: get %s: %w", p, err)
		}
		addr, err := m.conv.Unmarshal(value)
		if err != nil {
			m.log.Warn("skipping malformed transport address", "path", p, "error", err)
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
