// Package store wraps a ZooKeeper connection for use by the coordination
// recipes. It adds namespace prefixing, parent creation, session tracking
// (see Session) and retry of transient failures on top of the raw client.
package store

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"

	"github.com/DataDog/zkrecipes/metrics"
)

// Conn is the subset of *zk.Conn used by the recipes. *zk.Conn satisfies
// it, as does the in-memory server in store/stub.
type Conn interface {
	Children(string) ([]string, *zk.Stat, error)
	ChildrenW(string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Create(string, []byte, int32, []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(string, []byte, []zk.ACL) (string, error)
	Delete(string, int32) error
	Exists(string) (bool, *zk.Stat, error)
	ExistsW(string) (bool, *zk.Stat, <-chan zk.Event, error)
	Get(string) ([]byte, *zk.Stat, error)
	GetW(string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Set(string, []byte, int32) (*zk.Stat, error)
	SessionID() int64
	State() zk.State
	Close()
}

// Config holds initialization parameters for a Client. Connect is a
// ZooKeeper connect string. Prefix is an optional namespace that every path
// is rooted under (excluding slashes).
type Config struct {
	Connect        string
	Prefix         string
	SessionTimeout time.Duration
	// RetryBase and RetryMax bound the exponential backoff used by Retry.
	RetryBase time.Duration
	RetryMax  time.Duration
	Logger    *zerolog.Logger
}

const (
	defaultSessionTimeout = 10 * time.Second
	defaultRetryBase      = 100 * time.Millisecond
	defaultRetryMax       = 5 * time.Second
)

// Client provides ZooKeeper operations scoped to an optional namespace and
// tracks the lifetime of the underlying session.
type Client struct {
	conn   Conn
	prefix string
	logger zerolog.Logger

	retryBase time.Duration
	retryMax  time.Duration

	mu         sync.Mutex
	session    Session
	sessionEnd chan struct{}
	// changed is closed and replaced whenever the session changes.
	changed    chan struct{}
	leases     map[int64]map[string]struct{}
	tombstones map[string]struct{}
	closed     bool
	done       chan struct{}
}

// Dial connects to the ZooKeeper ensemble described by the Config and
// returns a *Client.
func Dial(cfg Config) (*Client, error) {
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	zkLogger := logger.With().Str("component", "zk").Logger()

	servers := strings.Split(cfg.Connect, ",")
	conn, events, err := zk.Connect(servers, cfg.SessionTimeout, zk.WithLogger(&zkLogger))
	if err != nil {
		return nil, err
	}

	return New(conn, events, cfg), nil
}

// New takes an established Conn and the session event channel that
// accompanied it and returns a *Client. The Connect and SessionTimeout
// fields of the Config are ignored.
func New(conn Conn, events <-chan zk.Event, cfg Config) *Client {
	c := &Client{
		conn:       conn,
		prefix:     normalizePrefix(cfg.Prefix),
		logger:     zerolog.Nop(),
		retryBase:  cfg.RetryBase,
		retryMax:   cfg.RetryMax,
		changed:    make(chan struct{}),
		leases:     map[int64]map[string]struct{}{},
		tombstones: map[string]struct{}{},
		done:       make(chan struct{}),
	}

	if cfg.Logger != nil {
		c.logger = *cfg.Logger
	}
	c.logger = c.logger.With().Str("component", "store").Logger()

	if c.retryBase == 0 {
		c.retryBase = defaultRetryBase
	}
	if c.retryMax == 0 {
		c.retryMax = defaultRetryMax
	}

	c.sessionEnd = make(chan struct{})
	close(c.sessionEnd)
	c.session = Session{Done: c.sessionEnd}

	if conn.State() == zk.StateHasSession {
		c.establish(conn.SessionID())
	}

	go c.watchSession(events)

	return c
}

// Ready returns true if the client is in either state StateConnected or
// StateHasSession.
func (c *Client) Ready() bool {
	switch c.conn.State() {
	case zk.StateConnected, zk.StateHasSession:
		return true
	default:
		return false
	}
}

// Close ends the session and closes the underlying connection. Any
// ephemeral znodes owned by the session are removed by the server.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.expireLocked()
	c.mu.Unlock()

	c.conn.Close()
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Logger returns the client's logger.
func (c *Client) Logger() zerolog.Logger {
	return c.logger
}

// Create creates the provided path p with the data d and flags f.
func (c *Client) Create(p string, d []byte, f int32) (string, error) {
	node, err := c.conn.Create(c.abs(p), d, f, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", pathError(p, err)
	}

	return c.rel(node), nil
}

// CreateProtectedEphemeralSequential creates an ephemeral, sequential znode
// at p with data d. The znode name is prefixed with a GUID so the create
// can be recovered if the connection drops mid-request.
func (c *Client) CreateProtectedEphemeralSequential(p string, d []byte) (string, error) {
	node, err := c.conn.CreateProtectedEphemeralSequential(c.abs(p), d, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", pathError(p, err)
	}

	return c.rel(node), nil
}

// CreateParents creates every znode along p that doesn't yet exist,
// including p itself. If for example we're provided "/path/to/locks", the
// nodes "/path", "/path/to" and "/path/to/locks" are created as needed.
func (c *Client) CreateParents(p string) error {
	nodes := strings.Split(strings.Trim(c.abs(p), "/"), "/")

	for i := range nodes {
		nodePath := fmt.Sprintf("/%s", strings.Join(nodes[:i+1], "/"))
		if _, e := c.conn.Create(nodePath, nil, 0, zk.WorldACL(zk.PermAll)); e != nil && e != zk.ErrNodeExists {
			return pathError(nodePath, e)
		}
	}

	return nil
}

// Delete deletes the znode at path p if its version matches v. A version of
// -1 matches any version.
func (c *Client) Delete(p string, v int32) error {
	return pathError(p, c.conn.Delete(c.abs(p), v))
}

// Exists returns whether the znode at p exists along with its stat.
func (c *Client) Exists(p string) (bool, *zk.Stat, error) {
	ok, s, err := c.conn.Exists(c.abs(p))
	return ok, s, pathError(p, err)
}

// ExistsW is Exists with a watch. The watch fires on creation if the znode
// doesn't exist, or on data change and deletion if it does.
func (c *Client) ExistsW(p string) (bool, *zk.Stat, <-chan zk.Event, error) {
	ok, s, w, err := c.conn.ExistsW(c.abs(p))
	c.countWatch(err, "exists")
	return ok, s, w, pathError(p, err)
}

// Get returns the data and stat of the znode at p.
func (c *Client) Get(p string) ([]byte, *zk.Stat, error) {
	d, s, err := c.conn.Get(c.abs(p))
	return d, s, pathError(p, err)
}

// GetW is Get with a watch that fires on data change or deletion. No watch
// is set if the znode doesn't exist.
func (c *Client) GetW(p string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	d, s, w, err := c.conn.GetW(c.abs(p))
	c.countWatch(err, "data")
	return d, s, w, pathError(p, err)
}

// Set sets the data at path p if its version matches v.
func (c *Client) Set(p string, d []byte, v int32) (*zk.Stat, error) {
	s, err := c.conn.Set(c.abs(p), d, v)
	return s, pathError(p, err)
}

// Children returns the child znode names of p.
func (c *Client) Children(p string) ([]string, *zk.Stat, error) {
	ch, s, err := c.conn.Children(c.abs(p))
	return ch, s, pathError(p, err)
}

// ChildrenW is Children with a watch that fires when a child is created or
// deleted, or when p itself is deleted.
func (c *Client) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	ch, s, w, err := c.conn.ChildrenW(c.abs(p))
	c.countWatch(err, "children")
	return ch, s, w, pathError(p, err)
}

func (c *Client) countWatch(err error, kind string) {
	if err == nil {
		metrics.WatchesArmed.WithLabelValues(kind).Inc()
	}
}

// abs roots p under the namespace prefix.
func (c *Client) abs(p string) string {
	if c.prefix == "" {
		return p
	}
	if p == "/" {
		return c.prefix
	}
	return c.prefix + p
}

// rel strips the namespace prefix from p.
func (c *Client) rel(p string) string {
	if c.prefix == "" {
		return p
	}
	if p == c.prefix {
		return "/"
	}
	return strings.TrimPrefix(p, c.prefix)
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}
