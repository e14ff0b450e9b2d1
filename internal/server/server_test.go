package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/internal/admission"
	"collabcanvas/internal/coord"
	"collabcanvas/internal/identity"
	"collabcanvas/internal/protocol"
	"collabcanvas/internal/rooms"
)

var (
	discard    = slog.New(slog.NewTextHandler(io.Discard, nil))
	testSecret = []byte("integration-secret")
)

type cluster struct {
	mr    *miniredis.Miniredis
	dir   *rooms.Memory
	nodes []*Node
	urls  []string
}

// newCluster starts n engine processes sharing one Coordination Store and
// one room directory.
func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	cl := &cluster{mr: miniredis.RunT(t), dir: rooms.NewMemory()}
	cl.dir.Add("R1", time.Now().Add(time.Hour))
	auth := admission.New(identity.NewHMACProvider(testSecret, ""))

	for i := 0; i < n; i++ {
		rdb := redis.NewClient(&redis.Options{Addr: cl.mr.Addr()})
		node := NewNode(rdb, cl.dir, auth, nil, Options{Instance: fmt.Sprintf("p%d", i)}, discard)
		require.NoError(t, node.Start(context.Background()))
		srv := httptest.NewServer(node.Handler())
		t.Cleanup(func() {
			node.Close()
			srv.Close()
			rdb.Close()
		})
		cl.nodes = append(cl.nodes, node)
		cl.urls = append(cl.urls, srv.URL)
	}
	return cl
}

func token(t *testing.T, userID string, verified bool) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId":   userID,
		"name":     strings.ToUpper(userID[:1]) + userID[1:],
		"verified": verified,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func wsURL(base, token string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/ws?token=" + token
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (cl *cluster) dial(t *testing.T, node int, userID string) *wsClient {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(cl.urls[node], token(t, userID, true)), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(typ protocol.Type, payload any) {
	c.t.Helper()
	ev, err := protocol.NewEvent(typ, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, ev.Frame))
}

// expect reads until a frame of type want and returns its payload.
func (c *wsClient) expect(want protocol.Type) json.RawMessage {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env protocol.Envelope
		require.NoError(c.t, c.ws.ReadJSON(&env), "waiting for %s", want)
		if env.Type == want {
			return env.Payload
		}
	}
}

// quiet asserts no frame of type unwanted arrives for a short while.
func (c *wsClient) quiet(unwanted protocol.Type) {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		assert.NotEqual(c.t, unwanted, env.Type)
	}
}

func (c *wsClient) join(roomID string) protocol.InitialState {
	c.t.Helper()
	c.send(protocol.TypeJoinRoom, map[string]string{"roomId": roomID})
	var initial protocol.InitialState
	require.NoError(c.t, json.Unmarshal(c.expect(protocol.TypeInitialState), &initial))
	return initial
}

func (c *wsClient) count() int64 {
	c.t.Helper()
	var uc protocol.UserCount
	require.NoError(c.t, json.Unmarshal(c.expect(protocol.TypeUserCountUpdated), &uc))
	return uc.Count
}

// closed waits for the server to end the connection.
func (c *wsClient) closed() {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			assert.False(c.t, websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure), "unexpected close: %v", err)
			return
		}
	}
}

func stroke(id, userID string) map[string]any {
	return map[string]any{"strokeId": id, "userId": userID, "tool": "pen", "points": []float64{0, 0, 5, 5}}
}

func TestAdmission(t *testing.T) {
	cl := newCluster(t, 1)

	tests := []struct {
		name   string
		url    string
		header http.Header
		status int
	}{
		{"no credential", wsURL(cl.urls[0], ""), nil, http.StatusUnauthorized},
		{"garbage credential", wsURL(cl.urls[0], "not-a-jwt"), nil, http.StatusUnauthorized},
		{"unverified user", wsURL(cl.urls[0], token(t, "eve", false)), nil, http.StatusForbidden},
		{"bearer header", wsURL(cl.urls[0], ""), http.Header{"Authorization": {"Bearer " + token(t, "ada", true)}}, http.StatusSwitchingProtocols},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, resp, err := websocket.DefaultDialer.Dial(tt.url, tt.header)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusSwitchingProtocols {
				require.NoError(t, err)
				ws.Close()
			} else {
				assert.ErrorIs(t, err, websocket.ErrBadHandshake)
			}
		})
	}
}

func TestTwoProcessScenario(t *testing.T) {
	cl := newCluster(t, 2)
	a := cl.dial(t, 0, "alice")
	b := cl.dial(t, 1, "bob")

	initial := a.join("R1")
	assert.Empty(t, initial.Strokes)
	assert.Equal(t, int64(1), a.count())

	initial = b.join("R1")
	assert.Empty(t, initial.Strokes)
	assert.Equal(t, int64(2), b.count())
	assert.Equal(t, int64(2), a.count())

	a.send(protocol.TypeCanvasUpdate, stroke("s1", "alice"))
	var got map[string]any
	require.NoError(t, json.Unmarshal(b.expect(protocol.TypeCanvasUpdate), &got))
	assert.Equal(t, "s1", got["strokeId"])
	assert.Equal(t, "pen", got["tool"])

	a.send(protocol.TypeUndo, map[string]string{"strokeId": "s1"})
	var removed protocol.StrokeRemoved
	require.NoError(t, json.Unmarshal(b.expect(protocol.TypeUndo), &removed))
	assert.Equal(t, "s1", removed.StrokeID)
	a.expect(protocol.TypeUndo)

	b.send(protocol.TypeUndo, map[string]string{"strokeId": "s1"})
	a.quiet(protocol.TypeUndo)

	// a late joiner sees the empty log
	c := cl.dial(t, 1, "carol")
	assert.Empty(t, c.join("R1").Strokes)
}

func TestEveryProcessSeesEveryStroke(t *testing.T) {
	const processes, strokes = 3, 5
	cl := newCluster(t, processes)

	clients := make([]*wsClient, processes)
	for i := range clients {
		clients[i] = cl.dial(t, i, fmt.Sprintf("user%d", i))
		clients[i].join("R1")
	}

	for i, c := range clients {
		for j := 0; j < strokes; j++ {
			c.send(protocol.TypeCanvasUpdate, stroke(fmt.Sprintf("s%d-%d", i, j), fmt.Sprintf("user%d", i)))
		}
	}

	for _, c := range clients {
		seen := map[string]bool{}
		for len(seen) < processes*strokes {
			var s map[string]any
			require.NoError(t, json.Unmarshal(c.expect(protocol.TypeCanvasUpdate), &s))
			seen[s["strokeId"].(string)] = true
		}
	}

	late := cl.dial(t, 0, "late")
	assert.Len(t, late.join("R1").Strokes, processes*strokes)
}

func TestDisconnectLeavesRoom(t *testing.T) {
	cl := newCluster(t, 2)
	a := cl.dial(t, 0, "alice")
	b := cl.dial(t, 1, "bob")
	a.join("R1")
	b.join("R1")
	assert.Equal(t, int64(2), b.count())

	b.ws.Close()

	var left protocol.Presence
	require.NoError(t, json.Unmarshal(a.expect(protocol.TypeUserLeft), &left))
	assert.Equal(t, "bob", left.UserID)
	assert.Equal(t, "Bob", left.Username)
	assert.Equal(t, identity.Color("bob"), left.Color)
	assert.Equal(t, int64(1), a.count())
}

func TestCloseLeavesRoomsBeforeReturning(t *testing.T) {
	cl := newCluster(t, 2)
	a := cl.dial(t, 0, "alice")
	b := cl.dial(t, 1, "bob")
	a.join("R1")
	b.join("R1")
	assert.Equal(t, int64(2), b.count())

	require.NoError(t, cl.nodes[0].Close())

	rdb := redis.NewClient(&redis.Options{Addr: cl.mr.Addr()})
	defer rdb.Close()
	members, err := rdb.SMembers(context.Background(), coord.MembersKey("R1")).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, strings.HasPrefix(members[0], "p1:"))
	assert.Equal(t, int64(1), b.count())

	// a closed node refuses new connections
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(cl.urls[0], token(t, "carol", true)), nil)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestExpiredRoomIsSweptAndRejected(t *testing.T) {
	cl := newCluster(t, 2)
	cl.dir.Add("R2", time.Now().Add(time.Hour))

	a := cl.dial(t, 0, "alice")
	b := cl.dial(t, 1, "bob")
	a.join("R2")
	b.join("R2")
	a.send(protocol.TypeCanvasUpdate, stroke("s1", "alice"))
	b.expect(protocol.TypeCanvasUpdate)

	cl.dir.Add("R2", time.Now().Add(-time.Minute))
	n, err := cl.nodes[1].Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, c := range []*wsClient{a, b} {
		var expired protocol.RoomExpired
		require.NoError(t, json.Unmarshal(c.expect(protocol.TypeRoomExpired), &expired))
		assert.Equal(t, "R2", expired.RoomID)
		c.closed()
	}
	assert.False(t, cl.mr.Exists("room:strokes:R2"))
	assert.False(t, cl.mr.Exists("room:users:R2"))

	late := cl.dial(t, 0, "carol")
	late.send(protocol.TypeJoinRoom, map[string]string{"roomId": "R2"})
	late.expect(protocol.TypeRoomExpired)
	late.closed()
}

func TestBinaryFrameClosesConnection(t *testing.T) {
	cl := newCluster(t, 1)
	a := cl.dial(t, 0, "alice")
	require.NoError(t, a.ws.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	a.closed()
}

func TestHealthAndReady(t *testing.T) {
	cl := newCluster(t, 1)

	resp, err := http.Get(cl.urls[0] + "/health")
	require.NoError(t, err)
	var h healthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", h.Status)

	resp, err = http.Get(cl.urls[0] + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cl.mr.Close()
	resp, err = http.Get(cl.urls[0] + "/health")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", h.Status)
}

func TestCheckOrigin(t *testing.T) {
	n := &Node{opts: Options{AllowedOrigins: []string{"https://draw.example.com"}}}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	assert.True(t, n.checkOrigin(req), "non-browser clients send no origin")
	req.Header.Set("Origin", "https://draw.example.com")
	assert.True(t, n.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, n.checkOrigin(req))
}
