// Package server assembles one engine process: the session registry, the
// router that drives each connection, fan-out from the coordination
// channel, the heartbeat and the lifecycle sweeper, and the HTTP surface
// clients connect through.
package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"collabcanvas/internal/admission"
	"collabcanvas/internal/coord"
	"collabcanvas/internal/fanout"
	"collabcanvas/internal/lifecycle"
	"collabcanvas/internal/membership"
	"collabcanvas/internal/oplog"
	"collabcanvas/internal/rooms"
	"collabcanvas/internal/router"
	"collabcanvas/internal/session"
	"collabcanvas/internal/telemetry"
)

// Options tune a Node. Zero values fall back to the package defaults.
type Options struct {
	// Instance prefixes every connection id this process issues. It must
	// be unique among processes sharing a Coordination Store.
	Instance string

	Cooldown          time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	FrameTimeout      time.Duration
	MaxFrameBytes     int64
	SendBuffer        int

	// AllowedOrigins lists browser origins allowed to upgrade. Empty allows
	// any origin.
	AllowedOrigins []string
}

const defaultMaxFrameBytes = 1 << 20

// Node is one engine process.
type Node struct {
	opts      Options
	rdb       redis.UniversalClient
	directory rooms.Directory
	auth      *admission.Authenticator
	metrics   *telemetry.Metrics
	logger    *slog.Logger

	registry  *session.Registry
	router    *router.Router
	fanout    *fanout.Fanout
	heartbeat *session.Heartbeat
	sweeper   *lifecycle.Sweeper
	upgrader  websocket.Upgrader

	ready  atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// conns counts connections still being served; Close waits for them so
	// every leave reaches the store before the caller closes the client.
	connsMu   sync.Mutex
	closing   bool
	conns     sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func NewNode(rdb redis.UniversalClient, directory rooms.Directory, auth *admission.Authenticator, metrics *telemetry.Metrics, opts Options, logger *slog.Logger) *Node {
	if opts.Cooldown <= 0 {
		opts.Cooldown = membership.DefaultCooldown
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrameBytes
	}
	logger = logger.With("instance", opts.Instance)

	registry := session.NewRegistry(opts.Instance)
	members := membership.NewTracker(rdb, opts.Cooldown)
	bus := coord.NewBus(rdb)

	n := &Node{
		opts:      opts,
		rdb:       rdb,
		directory: directory,
		auth:      auth,
		metrics:   metrics,
		logger:    logger,
		registry:  registry,
		router: router.New(router.Config{
			Directory:    directory,
			Members:      members,
			Log:          oplog.New(rdb, opts.Cooldown, logger),
			Bus:          bus,
			Registry:     registry,
			Metrics:      metrics,
			FrameTimeout: opts.FrameTimeout,
		}),
		fanout:    fanout.New(rdb, registry, metrics, logger),
		heartbeat: session.NewHeartbeat(registry, opts.HeartbeatInterval, logger),
		sweeper: lifecycle.NewSweeper(directory, bus, members, coord.NewLocker(rdb, opts.Instance),
			metrics, opts.SweepInterval, logger),
	}
	n.heartbeat.OnTerminate = func(*session.Conn) {
		metrics.Terminated(context.Background())
	}
	n.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     n.checkOrigin,
	}
	return n
}

// Start subscribes to room events and starts the periodic tasks. The Node
// accepts connections only after Start returns, so no joiner can miss an
// event published after its join.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	if err := n.fanout.Start(ctx); err != nil {
		n.cancel()
		return err
	}
	if err := n.metrics.ObserveConnections(n.registry.Len); err != nil {
		n.logger.Warn("Registering connection gauge failed", "error", err)
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.heartbeat.Run(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.sweeper.Run(ctx)
	}()

	n.ready.Store(true)
	n.logger.Info("Node started")
	return nil
}

// Close stops accepting connections, closes the open ones and waits until
// each has left its room. It then stops the periodic tasks and the
// subscription. The Redis client must stay open until Close returns.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.ready.Store(false)
		n.connsMu.Lock()
		n.closing = true
		n.connsMu.Unlock()

		n.registry.Each(func(c *session.Conn) { c.Close() })
		n.conns.Wait()

		if n.cancel != nil {
			n.cancel()
		}
		n.closeErr = n.fanout.Close()
		n.wg.Wait()
		n.logger.Info("Node stopped")
	})
	return n.closeErr
}

// track registers a connection about to be served. It fails once Close
// has begun.
func (n *Node) track() bool {
	n.connsMu.Lock()
	defer n.connsMu.Unlock()
	if n.closing {
		return false
	}
	n.conns.Add(1)
	return true
}

// Sweep runs one lifecycle pass immediately.
func (n *Node) Sweep(ctx context.Context) (int, error) {
	return n.sweeper.Sweep(ctx)
}

// Connections is the number of connections this process holds.
func (n *Node) Connections() int {
	return n.registry.Len()
}
