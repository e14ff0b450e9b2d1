package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"collabcanvas/internal/identity"
	"collabcanvas/internal/protocol"
)

// ErrClose is returned by a Handler to have the connection closed.
var ErrClose = errors.New("session: close connection")

// Socket is the part of *websocket.Conn a connection uses.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Handler processes the frames of one connection. HandleFrame runs on the
// connection's read goroutine; Disconnect runs once, after the last frame.
type Handler interface {
	HandleFrame(ctx context.Context, c *Conn, frame []byte) error
	Disconnect(ctx context.Context, c *Conn)
}

// Options tune a connection's queues and deadlines.
type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

type outbound struct {
	frame      []byte
	closeAfter bool
}

// Conn is one admitted client. It is owned by the process that accepted it
// and never shared with other processes.
type Conn struct {
	id       string
	identity identity.Identity
	color    string
	socket   Socket
	opts     Options
	logger   *slog.Logger

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool

	mu      sync.Mutex
	room    string
	holding bool
	held    []protocol.Event
	floor   int64
}

func NewConn(id string, ident identity.Identity, socket Socket, opts Options, logger *slog.Logger) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		id:       id,
		identity: ident,
		color:    identity.Color(ident.UserID),
		socket:   socket,
		opts:     opts,
		logger:   logger.With("conn", id, "user", ident.UserID),
		send:     make(chan outbound, opts.SendBuffer),
		done:     make(chan struct{}),
	}
	c.alive.Store(true)
	socket.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) Identity() identity.Identity { return c.identity }
func (c *Conn) Color() string               { return c.color }
func (c *Conn) Logger() *slog.Logger        { return c.logger }

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Room returns the joined room, or "" when unjoined.
func (c *Conn) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// SetRoom records the joined room; "" marks the connection unjoined.
func (c *Conn) SetRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = roomID
}

// Send queues a frame written only to this connection.
func (c *Conn) Send(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueue(outbound{frame: ev.Frame})
}

// Deliver queues a room event from fan-out. While the connection is holding
// (between registering as a fan-out target and sending its snapshot) events
// are parked instead. Log events at or below the snapshot's sequence number
// are already in the snapshot and are dropped.
func (c *Conn) Deliver(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holding {
		c.held = append(c.held, ev)
		return true
	}
	if c.covered(ev) {
		return true
	}
	return c.enqueue(outbound{frame: ev.Frame})
}

func (c *Conn) covered(ev protocol.Event) bool {
	return ev.Seq > 0 && ev.Seq <= c.floor
}

// Hold starts parking fan-out events.
func (c *Conn) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holding = true
	c.held = nil
	c.floor = 0
}

// Release stops parking. seq is the log sequence number of the snapshot
// just sent: parked and later log events numbered at or below it are
// dropped, the rest are queued in arrival order.
func (c *Conn) Release(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.held
	c.holding = false
	c.held = nil
	c.floor = seq
	for _, ev := range held {
		if c.covered(ev) {
			continue
		}
		if !c.enqueue(outbound{frame: ev.Frame}) {
			return
		}
	}
}

// Discard drops parked events and stops parking.
func (c *Conn) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holding = false
	c.held = nil
	c.floor = 0
}

// Expire unjoins the connection, writes ev and closes the socket once the
// frame is out. The disconnect path then has no room to leave.
func (c *Conn) Expire(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = ""
	c.holding = false
	c.held = nil
	c.enqueue(outbound{frame: ev.Frame, closeAfter: true})
}

// enqueue must be called with c.mu held. A full queue means the client is
// not reading; it is cut off rather than allowed to stall fan-out.
func (c *Conn) enqueue(out outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- out:
		return true
	default:
		c.logger.Warn("Send buffer full, closing slow connection")
		c.Close()
		return false
	}
}

// Ping sends a liveness ping.
func (c *Conn) Ping() error {
	return c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
}

// Close terminates the connection. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.socket.Close()
	})
}

// WritePump writes queued frames until the connection closes. It is the
// only writer of data frames.
func (c *Conn) WritePump() {
	defer c.Close()
	for {
		select {
		case out := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.socket.WriteMessage(websocket.TextMessage, out.frame); err != nil {
				c.logger.Debug("Write failed", "error", err)
				return
			}
			if out.closeAfter {
				c.socket.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.opts.WriteTimeout))
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadPump feeds frames to h until the socket fails, the handler asks to
// close, or the connection is closed elsewhere. It then runs h.Disconnect
// with a context that outlives ctx, so in-flight store mutations finish.
func (c *Conn) ReadPump(ctx context.Context, h Handler) {
	defer func() {
		c.Close()
		h.Disconnect(context.WithoutCancel(ctx), c)
	}()

	for {
		messageType, frame, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("Read failed", "error", err)
			}
			return
		}
		c.alive.Store(true)

		if messageType != websocket.TextMessage {
			c.logger.Debug("Closing connection after non-text frame", "type", messageType)
			return
		}
		if err := h.HandleFrame(ctx, c, frame); err != nil {
			if !errors.Is(err, ErrClose) {
				c.logger.Warn("Frame handling failed", "error", err)
			}
			return
		}
	}
}
