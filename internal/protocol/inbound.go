package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound is a frame a client may send. The set of implementations is
// closed; handlers type-switch over it.
type Inbound interface {
	Kind() Type
	inbound()
}

// JoinRoom asks to enter a room.
type JoinRoom struct {
	RoomID string
}

// LeaveRoom leaves the current room. The payload's roomId, if any, is
// informational; the server uses the connection's own room.
type LeaveRoom struct {
	RoomID string
}

// CanvasUpdate carries one new stroke.
type CanvasUpdate struct {
	StrokeID string
	Stroke   json.RawMessage
}

// CursorMove carries the sender's pointer position. Identity fields the
// client may have added are ignored.
type CursorMove struct {
	X, Y float64
}

// Undo removes the sender's stroke.
type Undo struct {
	StrokeID string
}

// Redo appends a previously undone stroke again. AuthorID is the author the
// stroke declares for itself.
type Redo struct {
	StrokeID string
	AuthorID string
	Stroke   json.RawMessage
}

func (JoinRoom) Kind() Type     { return TypeJoinRoom }
func (LeaveRoom) Kind() Type    { return TypeLeaveRoom }
func (CanvasUpdate) Kind() Type { return TypeCanvasUpdate }
func (CursorMove) Kind() Type   { return TypeCursorMove }
func (Undo) Kind() Type         { return TypeUndo }
func (Redo) Kind() Type         { return TypeRedo }

func (JoinRoom) inbound()     {}
func (LeaveRoom) inbound()    {}
func (CanvasUpdate) inbound() {}
func (CursorMove) inbound()   {}
func (Undo) inbound()         {}
func (Redo) inbound()         {}

// Decode parses a client frame.
func Decode(frame []byte) (Inbound, error) {
	env, err := parseEnvelope(frame)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeJoinRoom:
		var p struct {
			RoomID string `json:"roomId"`
		}
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.RoomID == "" {
			return nil, malformed(env.Type, "missing roomId")
		}
		return JoinRoom{RoomID: p.RoomID}, nil

	case TypeLeaveRoom:
		var p struct {
			RoomID string `json:"roomId"`
		}
		if len(env.Payload) > 0 {
			if err := unmarshalPayload(env, &p); err != nil {
				return nil, err
			}
		}
		return LeaveRoom{RoomID: p.RoomID}, nil

	case TypeCanvasUpdate:
		id, _, ok := StrokeRef(env.Payload)
		if !ok {
			return nil, malformed(env.Type, "stroke without strokeId")
		}
		return CanvasUpdate{StrokeID: id, Stroke: env.Payload}, nil

	case TypeCursorMove:
		var p struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
		}
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.X == nil || p.Y == nil {
			return nil, malformed(env.Type, "missing coordinates")
		}
		return CursorMove{X: *p.X, Y: *p.Y}, nil

	case TypeUndo:
		var p struct {
			StrokeID string `json:"strokeId"`
		}
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.StrokeID == "" {
			return nil, malformed(env.Type, "missing strokeId")
		}
		return Undo{StrokeID: p.StrokeID}, nil

	case TypeRedo:
		id, author, ok := StrokeRef(env.Payload)
		if !ok {
			return nil, malformed(env.Type, "stroke without strokeId")
		}
		return Redo{StrokeID: id, AuthorID: author, Stroke: env.Payload}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func unmarshalPayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return malformed(env.Type, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return malformed(env.Type, err.Error())
	}
	return nil
}

func malformed(t Type, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedPayload, t, reason)
}
