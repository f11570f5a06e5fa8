// Package routemanager implements the Route Manager route directory (spec
// §4.3): a replicated mapping from route key to the set of registered
// {endpoint, registration-options} targets, backed by the coordination
// service under "/routes/<route>/<uniqueId>" with a reverse index under
// "/reverse-routes/<session>/<endpoint>/<route>" for session-scoped
// cleanup. Grounded on the same ContactStore-shaped registration/lookup
// pattern as routemap, with the injected-store Config wiring style of
// device/room's server and a clock-derived unique id generator adapted
// from core/clock.
package routemanager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meshfabric/fabric/core"
	"github.com/meshfabric/fabric/core/clock"
	"github.com/meshfabric/fabric/coordination"
)

const (
	routesRoot        = "/routes"
	reverseRoutesRoot = "/reverse-routes"
)

// Config holds the configuration for a Manager.
type Config struct {
	// Service is the coordination service backing this manager. Required.
	Service coordination.Service
	// Clock mints the unique ids distinguishing multiple registrations
	// for the same (endpoint, route) pair. If nil, a fresh clock.Clock is
	// used.
	Clock *clock.Clock
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Manager is the Route Manager route directory.
type Manager struct {
	cfg   Config
	clock *clock.Clock
	log   *slog.Logger
}

// New constructs a Manager over the given configuration.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg, clock: cfg.Clock, log: cfg.Logger.WithGroup("routemanager")}
}

func routePath(route core.Route) string {
	return fmt.Sprintf("%s/%s", routesRoot, route)
}

func forwardEntryPath(route core.Route, uniqueID uint32) string {
	return fmt.Sprintf("%s/%d", routePath(route), uniqueID)
}

func reverseSessionPath(session string, ep core.EndPointAddress) string {
	return fmt.Sprintf("%s/%s/%s", reverseRoutesRoot, session, ep)
}

func reverseEntryPath(session string, ep core.EndPointAddress, route core.Route) string {
	return fmt.Sprintf("%s/%s", reverseSessionPath(session, ep), route)
}

// encodeEntry serializes (options, endpoint) as the forward entry payload:
// one byte of options flags, then the raw endpoint name.
func encodeEntry(ep core.EndPointAddress, opts core.RouteRegistrationOptions) []byte {
	b := make([]byte, 0, 1+len(ep))
	b = append(b, byte(opts))
	b = append(b, ep.Bytes()...)
	return b
}

func decodeEntry(data []byte) (core.EndPointAddress, core.RouteRegistrationOptions, error) {
	if len(data) < 1 {
		return "", 0, fmt.Errorf("routemanager: malformed entry (len=%d)", len(data))
	}
	return core.EndPointAddress(data[1:]), core.RouteRegistrationOptions(data[0]), nil
}

// modeFor returns the coordination mode a registration's forward/reverse
// entries should use.
func modeFor(opts core.RouteRegistrationOptions) coordination.Mode {
	if opts.Has(core.OptTransient) {
		return coordination.Ephemeral
	}
	return coordination.Default
}

// AddRoute registers ep as a handler of route with the given options,
// writing both the forward and reverse entries (ephemeral iff
// options.Transient).
func (m *Manager) AddRoute(ctx context.Context, ep core.EndPointAddress, route core.Route, opts core.RouteRegistrationOptions) error {
	session := m.cfg.Service.GetSession()
	uniqueID := m.clock.GetCurrentTimeUnique()
	mode := modeFor(opts)
	payload := encodeEntry(ep, opts)

	if err := m.cfg.Service.GetOrCreate(ctx, routePath(route), nil, coordination.Default); err != nil {
		return fmt.Errorf("routemanager: ensure route node %s: %w", route, err)
	}
	if err := m.cfg.Service.Create(ctx, forwardEntryPath(route, uniqueID), payload, mode); err != nil {
		return fmt.Errorf("routemanager: add forward entry %s/%s: %w", route, ep, err)
	}

	if err := m.cfg.Service.GetOrCreate(ctx, reverseSessionPath(session, ep), nil, coordination.Default); err != nil {
		return fmt.Errorf("routemanager: ensure reverse node %s/%s: %w", session, ep, err)
	}
	reversePayload := []byte(fmt.Sprintf("%d", uniqueID))
	if err := m.cfg.Service.GetOrCreate(ctx, reverseEntryPath(session, ep, route), reversePayload, mode); err != nil {
		return fmt.Errorf("routemanager: add reverse entry %s/%s/%s: %w", session, ep, route, err)
	}
	return nil
}

// RemoveRoute deletes every forward and reverse entry for (ep, route)
// under the current session.
func (m *Manager) RemoveRoute(ctx context.Context, ep core.EndPointAddress, route core.Route) error {
	session := m.cfg.Service.GetSession()
	reversePath := reverseEntryPath(session, ep, route)
	uniqueIDBytes, err := m.cfg.Service.Get(ctx, reversePath)
	if err != nil {
		if err == coordination.ErrNoNode {
			return nil
		}
		return fmt.Errorf("routemanager: get reverse entry %s: %w", reversePath, err)
	}

	forwardPath := fmt.Sprintf("%s/%s", routePath(route), string(uniqueIDBytes))
	if err := m.cfg.Service.Delete(ctx, forwardPath, false); err != nil && err != coordination.ErrNoNode {
		return fmt.Errorf("routemanager: delete forward entry %s: %w", forwardPath, err)
	}
	if err := m.cfg.Service.Delete(ctx, reversePath, false); err != nil && err != coordination.ErrNoNode {
		return fmt.Errorf("routemanager: delete reverse entry %s: %w", reversePath, err)
	}
	return nil
}

// RemoveRoutes iterates the reverse index for ep under the current
// session, deleting every forward entry; reverse entries for transient
// routes are always removed, and durable ones only if removePersistent.
func (m *Manager) RemoveRoutes(ctx context.Context, ep core.EndPointAddress, removePersistent bool) error {
	session := m.cfg.Service.GetSession()
	base := reverseSessionPath(session, ep)
	routes, err := m.cfg.Service.Children(ctx, base)
	if err != nil {
		if err == coordination.ErrNoNode {
			return nil
		}
		return fmt.Errorf("routemanager: children %s: %w", base, err)
	}

	for _, routeName := range routes {
		route := core.Route(routeName)
		reversePath := reverseEntryPath(session, ep, route)
		uniqueIDBytes, err := m.cfg.Service.Get(ctx, reversePath)
		if err != nil {
			if err == coordination.ErrNoNode {
				continue
			}
			return fmt.Errorf("routemanager: get reverse entry %s: %w", reversePath, err)
		}

		forwardPath := fmt.Sprintf("%s/%s", routePath(route), string(uniqueIDBytes))
		var transient bool
		if entryBytes, err := m.cfg.Service.Get(ctx, forwardPath); err == nil {
			if _, opts, derr := decodeEntry(entryBytes); derr == nil {
				transient = opts.Has(core.OptTransient)
			}
		}
		if err := m.cfg.Service.Delete(ctx, forwardPath, false); err != nil && err != coordination.ErrNoNode {
			return fmt.Errorf("routemanager: delete forward entry %s: %w", forwardPath, err)
		}

		if transient || removePersistent {
			if err := m.cfg.Service.Delete(ctx, reversePath, false); err != nil && err != coordination.ErrNoNode {
				return fmt.Errorf("routemanager: delete reverse entry %s: %w", reversePath, err)
			}
		}
	}
	return nil
}

// GetRoutes returns every registered target for route, deduplicated by
// endpoint. Last-writer-wins on options when the same endpoint appears
// under multiple entries (spec §4.3's accepted cross-session race).
func (m *Manager) GetRoutes(ctx context.Context, route core.Route) ([]core.RouteTarget, error) {
	ids, err := m.cfg.Service.Children(ctx, routePath(route))
	if err != nil {
		if err == coordination.ErrNoNode {
			return nil, nil
		}
		return nil, fmt.Errorf("routemanager: children %s: %w", route, err)
	}

	seen := make(map[core.EndPointAddress]int)
	var targets []core.RouteTarget
	for _, id := range ids {
		p := fmt.Sprintf("%s/%s", routePath(route), id)
		data, err := m.cfg.Service.Get(ctx, p)
		if err != nil {
			if err == coordination.ErrNoNode {
				continue
			}
			return nil, fmt.Errorf("routemanager: get %s: %w", p, err)
		}
		ep, opts, derr := decodeEntry(data)
		if derr != nil {
			m.log.Warn("skipping malformed route entry", "path", p, "error", derr)
			continue
		}
		target := core.RouteTarget{EndPoint: ep, Options: opts}
		if idx, ok := seen[ep]; ok {
			targets[idx] = target
			continue
		}
		seen[ep] = len(targets)
		targets = append(targets, target)
	}
	return targets, nil
}
