// Package router is the per-connection protocol state machine. A connection
// is UNJOINED until a JOIN_ROOM for a live room succeeds, JOINED(room) until
// it leaves, is expired or disconnects, and CLOSED after that.
//
// Every broadcast is a publish on the room's channel. The router never
// writes to other connections directly; fan-out does that for every
// process alike.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"collabcanvas/internal/coord"
	"collabcanvas/internal/membership"
	"collabcanvas/internal/oplog"
	"collabcanvas/internal/protocol"
	"collabcanvas/internal/rooms"
	"collabcanvas/internal/session"
	"collabcanvas/internal/telemetry"
)

// DefaultFrameTimeout bounds the store calls one frame may make.
const DefaultFrameTimeout = 10 * time.Second

type Config struct {
	Directory rooms.Directory
	Members   *membership.Tracker
	Log       *oplog.Log
	Bus       *coord.Bus
	Registry  *session.Registry
	Metrics   *telemetry.Metrics

	FrameTimeout time.Duration
}

// Router implements session.Handler.
type Router struct {
	directory rooms.Directory
	members   *membership.Tracker
	log       *oplog.Log
	bus       *coord.Bus
	registry  *session.Registry
	metrics   *telemetry.Metrics
	timeout   time.Duration
}

var _ session.Handler = (*Router)(nil)

func New(cfg Config) *Router {
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = DefaultFrameTimeout
	}
	return &Router{
		directory: cfg.Directory,
		members:   cfg.Members,
		log:       cfg.Log,
		bus:       cfg.Bus,
		registry:  cfg.Registry,
		metrics:   cfg.Metrics,
		timeout:   cfg.FrameTimeout,
	}
}

// HandleFrame decodes and applies one client frame. It returns
// session.ErrClose only when the frame is not a readable envelope; every
// other failure is logged and the connection kept.
func (r *Router) HandleFrame(ctx context.Context, c *session.Conn, frame []byte) error {
	msg, err := protocol.Decode(frame)
	switch {
	case errors.Is(err, protocol.ErrMalformedEnvelope):
		c.Logger().Debug("Closing connection after undecodable frame", "error", err)
		return session.ErrClose
	case errors.Is(err, protocol.ErrUnknownType):
		c.Logger().Debug("Ignoring frame", "error", err)
		return nil
	case err != nil:
		c.Logger().Debug("Dropping malformed frame", "error", err)
		return nil
	}

	// Store mutations run to completion even if the connection goes away
	// mid-frame.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	ctx, span := r.metrics.StartFrame(ctx, msg.Kind())
	defer span.End()

	switch m := msg.(type) {
	case protocol.JoinRoom:
		r.join(ctx, c, m.RoomID)
		return nil
	case protocol.LeaveRoom:
		r.leave(ctx, c)
		return nil
	}

	roomID := c.Room()
	if roomID == "" {
		c.Logger().Debug("Dropping frame from unjoined connection", "type", msg.Kind())
		return nil
	}

	switch m := msg.(type) {
	case protocol.CanvasUpdate:
		r.canvasUpdate(ctx, c, roomID, m)
	case protocol.CursorMove:
		r.publish(ctx, c, roomID, protocol.TypeCursorMove, protocol.Cursor{
			RoomID:   roomID,
			UserID:   c.Identity().UserID,
			Username: c.Identity().DisplayName,
			Color:    c.Color(),
			X:        m.X,
			Y:        m.Y,
		})
	case protocol.Undo:
		r.undo(ctx, c, roomID, m)
	case protocol.Redo:
		r.redo(ctx, c, roomID, m)
	}
	return nil
}

// Disconnect leaves the connection's room, if any. The read pump calls it
// once, with a context that is not cancelled by the connection closing.
func (r *Router) Disconnect(ctx context.Context, c *session.Conn) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	r.leave(ctx, c)
}

func (r *Router) join(ctx context.Context, c *session.Conn, roomID string) {
	ok, err := r.directory.Exists(ctx, roomID)
	if err != nil {
		c.Logger().Warn("Room lookup failed", "room", roomID, "error", err)
		return
	}
	if !ok {
		c.Logger().Info("Rejecting join", "room", roomID, "error", rooms.ErrRoomNotFound)
		r.leave(ctx, c)
		r.expire(c, roomID)
		return
	}
	if current := c.Room(); current != "" {
		c.Logger().Debug("Ignoring join while joined", "room", current, "requested", roomID)
		return
	}

	// Become a fan-out target before reading the snapshot, parking live
	// events until the snapshot is queued. Log events then carry a sequence
	// number the snapshot is compared against.
	c.Hold()
	r.registry.Bind(roomID, c)

	count, err := r.members.Join(ctx, roomID, c.ID(), r.registry.IsStale)
	if err != nil {
		r.registry.Unbind(roomID, c)
		c.Discard()
		r.storeFailure(ctx, c, "join", roomID, err)
		return
	}

	ops, seq, err := r.log.SnapshotAt(ctx, roomID)
	if err != nil {
		r.registry.Unbind(roomID, c)
		c.Discard()
		if _, lerr := r.members.Leave(ctx, roomID, c.ID()); lerr != nil {
			r.storeFailure(ctx, c, "leave", roomID, lerr)
		}
		r.storeFailure(ctx, c, "snapshot", roomID, err)
		return
	}

	initial, err := protocol.NewEvent(protocol.TypeInitialState, protocol.InitialState{
		RoomID:  roomID,
		Strokes: protocol.Strokes(ops),
	})
	if err != nil {
		r.registry.Unbind(roomID, c)
		c.Discard()
		c.Logger().Error("Encoding snapshot failed", "room", roomID, "error", err)
		return
	}
	c.Send(initial)
	c.Release(seq)
	c.SetRoom(roomID)
	c.Logger().Info("Joined room", "room", roomID, "members", count, "strokes", len(ops), "seq", seq)

	r.publish(ctx, c, roomID, protocol.TypeUserJoined, r.presence(c, roomID))
	r.publish(ctx, c, roomID, protocol.TypeUserCountUpdated, protocol.UserCount{RoomID: roomID, Count: count})
}

func (r *Router) leave(ctx context.Context, c *session.Conn) {
	roomID := c.Room()
	if roomID == "" {
		return
	}
	c.SetRoom("")
	r.registry.Unbind(roomID, c)

	r.publish(ctx, c, roomID, protocol.TypeCursorLeave, protocol.CursorLeave{
		RoomID: roomID,
		UserID: c.Identity().UserID,
	})
	r.publish(ctx, c, roomID, protocol.TypeUserLeft, r.presence(c, roomID))

	count, err := r.members.Leave(ctx, roomID, c.ID())
	if err != nil {
		r.storeFailure(ctx, c, "leave", roomID, err)
		return
	}
	c.Logger().Info("Left room", "room", roomID, "members", count)
	r.publish(ctx, c, roomID, protocol.TypeUserCountUpdated, protocol.UserCount{RoomID: roomID, Count: count})
}

func (r *Router) canvasUpdate(ctx context.Context, c *session.Conn, roomID string, m protocol.CanvasUpdate) {
	op := protocol.Operation{
		StrokeID: m.StrokeID,
		AuthorID: c.Identity().UserID,
		Payload:  m.Stroke,
	}
	seq, err := r.log.Append(ctx, roomID, op)
	if err != nil {
		r.storeFailure(ctx, c, "append", roomID, err)
		return
	}
	r.forward(ctx, c, roomID, protocol.TypeCanvasUpdate, m.Stroke, seq)
}

func (r *Router) undo(ctx context.Context, c *session.Conn, roomID string, m protocol.Undo) {
	requester := c.Identity().UserID
	op, seq, err := r.log.RemoveOwned(ctx, roomID, m.StrokeID, requester)
	switch {
	case errors.Is(err, oplog.ErrNotFound):
		c.Logger().Debug("Undo of absent stroke", "room", roomID, "stroke", m.StrokeID)
		return
	case errors.Is(err, oplog.ErrNotOwner):
		c.Logger().Debug("Rejecting undo of another user's stroke", "room", roomID, "stroke", m.StrokeID, "author", op.AuthorID)
		return
	case err != nil:
		r.storeFailure(ctx, c, "undo", roomID, err)
		return
	}
	ev, err := protocol.NewEvent(protocol.TypeUndo, protocol.StrokeRemoved{
		RoomID:   roomID,
		StrokeID: op.StrokeID,
		UserID:   requester,
	})
	if err != nil {
		c.Logger().Error("Encoding event failed", "type", protocol.TypeUndo, "error", err)
		return
	}
	r.broadcastAt(ctx, c, roomID, ev, seq)
}

func (r *Router) redo(ctx context.Context, c *session.Conn, roomID string, m protocol.Redo) {
	requester := c.Identity().UserID
	if m.AuthorID != requester {
		c.Logger().Debug("Rejecting redo of another user's stroke", "room", roomID, "stroke", m.StrokeID, "author", m.AuthorID)
		return
	}
	op := protocol.Operation{
		StrokeID: m.StrokeID,
		AuthorID: requester,
		Payload:  m.Stroke,
	}
	seq, err := r.log.Reappend(ctx, roomID, op)
	if err != nil {
		r.storeFailure(ctx, c, "redo", roomID, err)
		return
	}
	r.forward(ctx, c, roomID, protocol.TypeRedo, m.Stroke, seq)
}

// expire tells the connection its room is gone and closes it.
func (r *Router) expire(c *session.Conn, roomID string) {
	ev, err := protocol.NewEvent(protocol.TypeRoomExpired, protocol.RoomExpired{RoomID: roomID})
	if err != nil {
		c.Logger().Error("Encoding room expiry failed", "room", roomID, "error", err)
		c.Close()
		return
	}
	c.Expire(ev)
}

func (r *Router) presence(c *session.Conn, roomID string) protocol.Presence {
	ident := c.Identity()
	return protocol.Presence{
		RoomID:       roomID,
		ConnectionID: c.ID(),
		UserID:       ident.UserID,
		Username:     ident.DisplayName,
		Color:        c.Color(),
	}
}

func (r *Router) publish(ctx context.Context, c *session.Conn, roomID string, t protocol.Type, payload any) {
	ev, err := protocol.NewEvent(t, payload)
	if err != nil {
		c.Logger().Error("Encoding event failed", "type", t, "error", err)
		return
	}
	r.broadcast(ctx, c, roomID, ev)
}

// forward re-publishes a stroke payload byte for byte.
func (r *Router) forward(ctx context.Context, c *session.Conn, roomID string, t protocol.Type, stroke json.RawMessage, seq int64) {
	ev, err := protocol.RawEvent(t, stroke)
	if err != nil {
		c.Logger().Error("Encoding event failed", "type", t, "error", err)
		return
	}
	r.broadcastAt(ctx, c, roomID, ev, seq)
}

// broadcastAt publishes a log event stamped with the sequence number its
// change produced.
func (r *Router) broadcastAt(ctx context.Context, c *session.Conn, roomID string, ev protocol.Event, seq int64) {
	stamped, err := ev.Stamp(seq)
	if err != nil {
		c.Logger().Error("Encoding event failed", "type", ev.Type, "error", err)
		return
	}
	r.broadcast(ctx, c, roomID, stamped)
}

func (r *Router) broadcast(ctx context.Context, c *session.Conn, roomID string, ev protocol.Event) {
	if err := r.bus.Publish(ctx, roomID, ev); err != nil {
		r.storeFailure(ctx, c, "publish", roomID, err)
	}
}

func (r *Router) storeFailure(ctx context.Context, c *session.Conn, op, roomID string, err error) {
	r.metrics.StoreFailure(ctx, op)
	c.Logger().Warn("Coordination store call failed, skipping", "op", op, "room", roomID, "error", err)
}
