// Package protocol defines the frames exchanged between drawing clients and
// the room engine, and the events the engine publishes to room channels.
//
// Every frame is a JSON envelope {"type": ..., "payload": {...}}. Inbound
// frames decode into one of a closed set of variants (JoinRoom, LeaveRoom,
// CanvasUpdate, CursorMove, Undo, Redo) so that handlers switch over Go
// types rather than strings.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type names a frame in the event taxonomy.
type Type string

const (
	TypeJoinRoom         Type = "JOIN_ROOM"
	TypeLeaveRoom        Type = "LEAVE_ROOM"
	TypeCanvasUpdate     Type = "CANVAS_UPDATE"
	TypeInitialState     Type = "INITIAL_STATE"
	TypeCursorMove       Type = "CURSOR_MOVE"
	TypeCursorLeave      Type = "CURSOR_LEAVE"
	TypeUndo             Type = "UNDO"
	TypeRedo             Type = "REDO"
	TypeRoomExpired      Type = "ROOM_EXPIRED"
	TypeUserJoined       Type = "USER_JOINED"
	TypeUserLeft         Type = "USER_LEFT"
	TypeUserCountUpdated Type = "USER_COUNT_UPDATED"
)

var (
	// ErrMalformedEnvelope means the frame is not a JSON envelope at all.
	// The connection that sent it is closed.
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")

	// ErrMalformedPayload means the envelope was readable but its payload
	// does not match the type. The frame is dropped.
	ErrMalformedPayload = errors.New("protocol: malformed payload")

	// ErrUnknownType is returned for types a client may not send.
	ErrUnknownType = errors.New("protocol: unknown frame type")
)

// Envelope is the wire form of every frame. Seq is set on events that
// change a room's operation log: it is the room's log sequence number right
// after the change, so a joiner can tell which live events its snapshot
// already reflects.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// Event is an envelope paired with its encoded frame, so fan-out can write
// the same bytes to every socket without re-encoding.
type Event struct {
	Envelope
	Frame []byte
}

// NewEvent encodes payload under the given type.
func NewEvent(t Type, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return wrap(t, raw)
}

// RawEvent wraps an already-encoded payload without touching its bytes.
func RawEvent(t Type, payload json.RawMessage) (Event, error) {
	return wrap(t, payload)
}

func wrap(t Type, payload json.RawMessage) (Event, error) {
	return encode(Envelope{Type: t, Payload: payload})
}

// Stamp returns a copy of ev carrying the log sequence number seq.
func (ev Event) Stamp(seq int64) (Event, error) {
	env := ev.Envelope
	env.Seq = seq
	return encode(env)
}

func encode(env Envelope) (Event, error) {
	frame, err := json.Marshal(env)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return Event{Envelope: env, Frame: frame}, nil
}

// ParseEvent reads an event published on a room channel.
func ParseEvent(frame []byte) (Event, error) {
	env, err := parseEnvelope(frame)
	if err != nil {
		return Event{}, err
	}
	return Event{Envelope: env, Frame: frame}, nil
}

func parseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}

// Operation is one stroke as stored in a room's operation log. Payload is
// the stroke exactly as the author's client sent it.
type Operation struct {
	StrokeID string          `json:"strokeId"`
	AuthorID string          `json:"authorId"`
	Payload  json.RawMessage `json:"payload"`
}

// StrokeRef pulls the identifying fields out of an opaque stroke payload.
// ok is false when the payload is not an object carrying a strokeId.
func StrokeRef(payload json.RawMessage) (strokeID, userID string, ok bool) {
	var ref struct {
		StrokeID string `json:"strokeId"`
		UserID   string `json:"userId"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &ref) != nil || ref.StrokeID == "" {
		return "", "", false
	}
	return ref.StrokeID, ref.UserID, true
}
