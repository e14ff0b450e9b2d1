// Package agent is a headless room participant. It joins one room and
// mirrors the room's drawing into a local replica, reconnecting with
// exponential backoff whenever the connection drops.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"collabcanvas/internal/protocol"
	"collabcanvas/internal/replica"
)

var (
	// ErrRoomExpired ends Run: the room is gone and rejoining cannot help.
	ErrRoomExpired = errors.New("agent: room expired")

	// ErrRejected means the server refused the credential.
	ErrRejected = errors.New("agent: connection rejected")
)

type Config struct {
	URL    string
	Token  string
	RoomID string

	// InitialInterval and MaxInterval shape the reconnect backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Agent struct {
	cfg     Config
	replica *replica.Replica
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

func New(cfg Config, rep *replica.Replica, logger *slog.Logger) *Agent {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	return &Agent{
		cfg:     cfg,
		replica: rep,
		dialer:  websocket.DefaultDialer,
		logger:  logger.With("component", "agent", "room", cfg.RoomID),
	}
}

// Run keeps a session open until ctx is done, the room expires or the
// server rejects the credential.
func (a *Agent) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.InitialInterval
	b.MaxInterval = a.cfg.MaxInterval
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := a.session(ctx)
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, ErrRoomExpired), errors.Is(err, ErrRejected):
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		a.logger.Warn("Session ended, reconnecting", "error", err, "in", wait)
	})

	if ctx.Err() != nil {
		return ctx.Err()
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return err
}

// session runs one connection from dial to disconnect.
func (a *Agent) session(ctx context.Context) error {
	header := http.Header{"Authorization": {"Bearer " + a.cfg.Token}}
	ws, resp, err := a.dialer.DialContext(ctx, a.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s", ErrRejected, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", a.cfg.URL, err)
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	join, err := protocol.NewEvent(protocol.TypeJoinRoom, map[string]string{"roomId": a.cfg.RoomID})
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, join.Frame); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	a.logger.Info("Connected", "url", a.cfg.URL)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			a.logger.Debug("Skipping undecodable frame", "error", err)
			continue
		}
		if err := a.Apply(env); err != nil {
			return err
		}
	}
}

// Apply folds one room event into the replica. It returns ErrRoomExpired
// when the room is gone.
func (a *Agent) Apply(env protocol.Envelope) error {
	roomID := a.cfg.RoomID
	switch env.Type {
	case protocol.TypeInitialState:
		var s protocol.InitialState
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		a.logger.Info("Received snapshot", "strokes", len(s.Strokes))
		return a.replica.Reset(roomID, s.Strokes)

	case protocol.TypeCanvasUpdate, protocol.TypeRedo:
		if _, _, ok := protocol.StrokeRef(env.Payload); !ok {
			return nil
		}
		return a.replica.Append(roomID, env.Payload)

	case protocol.TypeUndo:
		var s protocol.StrokeRemoved
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return fmt.Errorf("decode undo: %w", err)
		}
		_, err := a.replica.Remove(roomID, s.StrokeID)
		return err

	case protocol.TypeUserCountUpdated:
		var c protocol.UserCount
		if json.Unmarshal(env.Payload, &c) == nil {
			a.logger.Debug("Room members", "count", c.Count)
		}

	case protocol.TypeRoomExpired:
		a.logger.Info("Room expired")
		return ErrRoomExpired
	}
	return nil
}
