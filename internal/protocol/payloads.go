package protocol

import "encoding/json"

// InitialState is sent privately to a joiner: the room's strokes in log order.
type InitialState struct {
	RoomID  string            `json:"roomId"`
	Strokes []json.RawMessage `json:"strokes"`
}

// Presence is the payload of USER_JOINED and USER_LEFT.
type Presence struct {
	RoomID       string `json:"roomId"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Color        string `json:"color"`
}

type UserCount struct {
	RoomID string `json:"roomId"`
	Count  int64  `json:"count"`
}

// Cursor is a CURSOR_MOVE as re-broadcast by the server, stamped with the
// identity the server knows for the sender.
type Cursor struct {
	RoomID   string  `json:"roomId"`
	UserID   string  `json:"userId"`
	Username string  `json:"username"`
	Color    string  `json:"color"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

type CursorLeave struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// StrokeRemoved is the payload of a broadcast UNDO.
type StrokeRemoved struct {
	RoomID   string `json:"roomId"`
	StrokeID string `json:"strokeId"`
	UserID   string `json:"userId"`
}

type RoomExpired struct {
	RoomID string `json:"roomId"`
}

// Strokes returns the payloads of ops in order, never nil.
func Strokes(ops []Operation) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Payload)
	}
	return out
}
