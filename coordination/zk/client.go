// Package zk implements coordination.Service against a real ZooKeeper
// ensemble using github.com/go-zookeeper/zk.
package zk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	goZk "github.com/go-zookeeper/zk"

	"github.com/meshfabric/fabric/coordination"
)

// Compile-time interface check.
var _ coordination.Service = (*Client)(nil)

// Config holds the configuration for a ZooKeeper-backed coordination
// client.
type Config struct {
	// Servers is the list of "host:port" ZooKeeper ensemble members.
	Servers []string
	// SessionTimeout is the ZooKeeper session timeout. If zero, a 10s
	// default is used.
	SessionTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is a coordination.Service backed by a live ZooKeeper connection.
type Client struct {
	cfg  Config
	log  *slog.Logger
	conn *goZk.Conn
}

// Dial connects to the configured ZooKeeper ensemble and returns a ready
// Client. The returned event channel from the underlying connection is
// drained internally to keep the session alive; callers that need
// reconnect notifications should watch GetSession for a changed value.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("zk: at least one server is required")
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	log := cfg.Logger.WithGroup("coordination-zk")

	conn, events, err := goZk.Connect(cfg.Servers, cfg.SessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk: connect: %w", err)
	}

	c := &Client{cfg: cfg, log: log, conn: conn}
	go c.watchEvents(ctx, events)
	return c, nil
}

func (c *Client) watchEvents(ctx context.Context, events <-chan goZk.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.State == goZk.StateExpired || ev.State == goZk.StateDisconnected {
				c.log.Warn("zookeeper session state change", "state", ev.State.String())
			}
		}
	}
}

// Close terminates the underlying ZooKeeper connection.
func (c *Client) Close() { c.conn.Close() }

func flagsFor(mode coordination.Mode) int32 {
	if mode == coordination.Ephemeral {
		return goZk.FlagEphemeral
	}
	return 0
}

func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goZk.ErrNoNode):
		return coordination.ErrNoNode
	case errors.Is(err, goZk.ErrNodeExists):
		return coordination.ErrNodeExists
	case errors.Is(err, goZk.ErrNotEmpty):
		return coordination.ErrNotEmpty
	default:
		return err
	}
}

func (c *Client) ensureParents(ctx context.Context, p string) error {
	parent := path.Dir(p)
	if parent == "/" || parent == "." {
		return nil
	}
	if exists, _, err := c.conn.Exists(parent); err != nil {
		return fmt.Errorf("zk: exists %s: %w", parent, translateErr(err))
	} else if exists {
		return nil
	}
	if err := c.ensureParents(ctx, parent); err != nil {
		return err
	}
	_, err := c.conn.Create(parent, nil, 0, goZk.WorldACL(goZk.PermAll))
	if err != nil && !errors.Is(err, goZk.ErrNodeExists) {
		return fmt.Errorf("zk: create %s: %w", parent, translateErr(err))
	}
	return nil
}

// Create implements coordination.Service.
func (c *Client) Create(ctx context.Context, p string, value []byte, mode coordination.Mode) error {
	p = clean(p)
	if err := c.ensureParents(ctx, p); err != nil {
		return err
	}
	_, err := c.conn.Create(p, value, flagsFor(mode), goZk.WorldACL(goZk.PermAll))
	if err != nil {
		return fmt.Errorf("zk: create %s: %w", p, translateErr(err))
	}
	return nil
}

// GetOrCreate implements coordination.Service.
func (c *Client) GetOrCreate(ctx context.Context, p string, value []byte, mode coordination.Mode) error {
	err := c.Create(ctx, p, value, mode)
	if err == nil || errors.Is(err, coordination.ErrNodeExists) {
		return nil
	}
	return err
}

// Delete implements coordination.Service.
func (c *Client) Delete(ctx context.Context, p string, recursive bool) error {
	p = clean(p)
	if recursive {
		children, err := c.Children(ctx, p)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := c.Delete(ctx, path.Join(p, child), true); err != nil {
				return err
			}
		}
	}
	_, stat, err := c.conn.Get(p)
	if err != nil {
		return fmt.Errorf("zk: get %s: %w", p, translateErr(err))
	}
	if err := c.conn.Delete(p, stat.Version); err != nil {
		return fmt.Errorf("zk: delete %s: %w", p, translateErr(err))
	}
	return nil
}

// Get implements coordination.Service.
func (c *Client) Get(ctx context.Context, p string) ([]byte, error) {
	p = clean(p)
	data, _, err := c.conn.Get(p)
	if err != nil {
		return nil, fmt.Errorf("zk: get %s: %w", p, translateErr(err))
	}
	return data, nil
}

// Children implements coordination.Service.
func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
	p = clean(p)
	children, _, err := c.conn.Children(p)
	if err != nil {
		return nil, fmt.Errorf("zk: children %s: %w", p, translateErr(err))
	}
	return children, nil
}

// GetSession implements coordination.Service, returning the current
// session id formatted as a stable hex string.
func (c *Client) GetSession() string {
	return fmt.Sprintf("%x", c.conn.SessionID())
}

func clean(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
