package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChatGateway/global"
	mid "ChatGateway/middleware"
	"ChatGateway/service/bus"
	"ChatGateway/service/chat"
	"ChatGateway/service/storage"
	"ChatGateway/tools/security"
)

const testSecret = "session-test-secret"

type gateway struct {
	srv   *chat.Server
	store *storage.MemoryStore
	ts    *httptest.Server
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := global.Load("")
	require.NoError(t, err)
	cfg.GatewayID = "gw-e2e"
	cfg.JWTSecret = testSecret

	store := storage.NewMemoryStore()
	verifier := chat.NewJWTVerifier([]byte(testSecret))
	srv, err := chat.NewServer(cfg, chat.Deps{
		Bus:      bus.NewMemoryBus(),
		Verifier: verifier,
		Store:    store,
	})
	require.NoError(t, err)
	RegisterAll(srv)

	g := gin.New()
	g.GET("/ws/chat", srv.HandleWS)
	g.GET("/ws/conversations/:id", srv.HandleConversationWS)
	mid.POST(g, "/users/:id/notify", srv.HandleNotify,
		mid.RouteOpt{IsAuth: true, Verifier: verifier})

	ts := httptest.NewServer(g)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return &gateway{srv: srv, store: store, ts: ts}
}

func mintToken(t *testing.T, userID string, conversations ...string) string {
	t.Helper()
	token, _, err := security.Generate(security.DefaultOptions([]byte(testSecret)), userID, conversations, nil)
	require.NoError(t, err)
	return token
}

func (g *gateway) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(g.ts.URL, "http") + path
	if token != "" {
		u += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (g *gateway) notify(t *testing.T, userID, token, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, g.ts.URL+"/users/"+userID+"/notify", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := g.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func send(t *testing.T, conn *websocket.Conn, f map[string]any) {
	t.Helper()
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, conn *websocket.Conn) *chat.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := chat.ParseFrame(raw)
	require.NoError(t, err)
	return f
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, raw, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", raw)
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, code), "want close %d, got %v", code, err)
}

func TestHandshakeMissingToken(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t, "/ws/chat", "")
	expectClose(t, conn, chat.CloseMissingToken)
}

func TestHandshakeInvalidToken(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t, "/ws/chat", "garbage")
	expectClose(t, conn, chat.CloseInvalidToken)
}

func TestHandshakeExpiredToken(t *testing.T) {
	g := newGateway(t)
	claims := jwtlib.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	conn := g.dial(t, "/ws/chat", token)
	expectClose(t, conn, chat.CloseExpiredToken)
}

func TestConversationHandshakeForbidden(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t, "/ws/conversations/9", mintToken(t, "alice"))
	expectClose(t, conn, chat.CloseProtocolViolation)
}

func TestPingPong(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t, "/ws/chat", mintToken(t, "alice"))

	send(t, conn, map[string]any{"type": "ping", "ts": 12345})
	pong := readFrame(t, conn)
	assert.Equal(t, chat.TypePong, pong.Type)
	assert.EqualValues(t, 12345, pong.Payload["echo_ts"])
}

func TestUnknownTypeReported(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t, "/ws/chat", mintToken(t, "alice"))

	send(t, conn, map[string]any{"type": "teleport"})
	f := readFrame(t, conn)
	assert.Equal(t, chat.TypeError, f.Type)
	assert.Equal(t, "unknown_type", f.Payload["reason"])
}

func TestMalformedFrameSurvives(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t, "/ws/chat", mintToken(t, "alice"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readFrame(t, conn)
	assert.Equal(t, chat.TypeError, f.Type)
	assert.Equal(t, "malformed_frame", f.Payload["reason"])

	// the session keeps going
	send(t, conn, map[string]any{"type": "ping", "ts": 1})
	assert.Equal(t, chat.TypePong, readFrame(t, conn).Type)
}

func TestJoinAuthorizationDenied(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t, "/ws/chat", mintToken(t, "alice"))

	send(t, conn, map[string]any{"type": "join_conversation", "group": "conv_9"})
	f := readFrame(t, conn)
	assert.Equal(t, chat.TypeError, f.Type)
	assert.Equal(t, "forbidden", f.Payload["reason"])
}

func TestTypingFanout(t *testing.T) {
	g := newGateway(t)
	alice := g.dial(t, "/ws/chat", mintToken(t, "alice", "1"))
	bob := g.dial(t, "/ws/chat", mintToken(t, "bob", "1"))

	send(t, alice, map[string]any{"type": "join_conversation", "group": "conv_1"})
	assert.Equal(t, chat.TypeGroupJoined, readFrame(t, alice).Type)
	send(t, bob, map[string]any{"type": "join_conversation", "group": "conv_1"})
	assert.Equal(t, chat.TypeGroupJoined, readFrame(t, bob).Type)

	send(t, alice, map[string]any{
		"type": "typing", "group": "conv_1",
		"payload": map[string]any{"is_typing": true},
	})

	f := readFrame(t, bob)
	assert.Equal(t, chat.TypeTyping, f.Type)
	assert.Equal(t, "conv_1", f.Group)
	assert.Equal(t, "alice", f.Payload["user_id"])
	assert.Equal(t, true, f.Payload["is_typing"])

	// the sender gets no copy of its own indicator
	expectNoFrame(t, alice)
}

func TestTypingEchoRequested(t *testing.T) {
	g := newGateway(t)
	alice := g.dial(t, "/ws/chat", mintToken(t, "alice", "1"))

	send(t, alice, map[string]any{"type": "join_conversation", "group": "conv_1"})
	assert.Equal(t, chat.TypeGroupJoined, readFrame(t, alice).Type)

	send(t, alice, map[string]any{
		"type": "typing", "group": "conv_1", "echo": true,
		"payload": map[string]any{"is_typing": false},
	})
	f := readFrame(t, alice)
	assert.Equal(t, chat.TypeTyping, f.Type)
	assert.Equal(t, false, f.Payload["is_typing"])
}

func TestPublishWithoutJoin(t *testing.T) {
	g := newGateway(t)
	alice := g.dial(t, "/ws/chat", mintToken(t, "alice", "1"))

	send(t, alice, map[string]any{
		"type": "typing", "group": "conv_1",
		"payload": map[string]any{"is_typing": true},
	})
	f := readFrame(t, alice)
	assert.Equal(t, chat.TypeError, f.Type)
	assert.Equal(t, "not_a_member", f.Payload["reason"])
}

func TestMessagePersistsAndFansOut(t *testing.T) {
	g := newGateway(t)
	alice := g.dial(t, "/ws/chat", mintToken(t, "alice", "1"))
	bob := g.dial(t, "/ws/chat", mintToken(t, "bob", "1"))

	send(t, alice, map[string]any{"type": "join_conversation", "group": "conv_1"})
	readFrame(t, alice)
	send(t, bob, map[string]any{"type": "join_conversation", "group": "conv_1"})
	readFrame(t, bob)

	send(t, alice, map[string]any{
		"type": "message", "group": "conv_1",
		"payload": map[string]any{"content": "hello bob"},
	})

	f := readFrame(t, bob)
	assert.Equal(t, chat.TypeMessage, f.Type)
	assert.Equal(t, "hello bob", f.Payload["content"])
	assert.Equal(t, "alice", f.Payload["sender_id"])
	assert.NotEmpty(t, f.Payload["id"])
	assert.Equal(t, false, f.Payload["is_read"])

	// read receipt flows back and lands in the store
	msgID, _ := f.Payload["id"].(string)
	send(t, bob, map[string]any{
		"type": "read_receipt", "group": "conv_1",
		"payload": map[string]any{"message_id": msgID},
	})
	r := readFrame(t, alice)
	assert.Equal(t, chat.TypeReadReceipt, r.Type)
	assert.Equal(t, msgID, r.Payload["message_id"])
	assert.Equal(t, "bob", r.Payload["user_id"])
	assert.True(t, g.store.WasRead(msgID, "bob"))
}

func TestMessageWithoutContent(t *testing.T) {
	g := newGateway(t)
	alice := g.dial(t, "/ws/chat", mintToken(t, "alice", "1"))
	send(t, alice, map[string]any{"type": "join_conversation", "group": "conv_1"})
	readFrame(t, alice)

	send(t, alice, map[string]any{"type": "message", "group": "conv_1", "payload": map[string]any{}})
	f := readFrame(t, alice)
	assert.Equal(t, chat.TypeError, f.Type)
	assert.Equal(t, "bad_payload", f.Payload["reason"])
}

func TestLeaveStopsDelivery(t *testing.T) {
	g := newGateway(t)
	alice := g.dial(t, "/ws/chat", mintToken(t, "alice", "1"))
	bob := g.dial(t, "/ws/chat", mintToken(t, "bob", "1"))

	send(t, alice, map[string]any{"type": "join_conversation", "group": "conv_1"})
	readFrame(t, alice)
	send(t, bob, map[string]any{"type": "join_conversation", "group": "conv_1"})
	readFrame(t, bob)

	send(t, bob, map[string]any{"type": "leave_conversation", "group": "conv_1"})
	assert.Equal(t, chat.TypeGroupLeft, readFrame(t, bob).Type)

	send(t, alice, map[string]any{
		"type": "typing", "group": "conv_1",
		"payload": map[string]any{"is_typing": true},
	})
	expectNoFrame(t, bob)
}

func TestDisconnectPurgesMembership(t *testing.T) {
	g := newGateway(t)
	alice := g.dial(t, "/ws/chat", mintToken(t, "alice", "1"))
	bob := g.dial(t, "/ws/chat", mintToken(t, "bob", "1"))

	send(t, alice, map[string]any{"type": "join_conversation", "group": "conv_1"})
	readFrame(t, alice)
	send(t, bob, map[string]any{"type": "join_conversation", "group": "conv_1"})
	readFrame(t, bob)
	require.Equal(t, 2, g.srv.Groups().MemberCount("conv_1"))

	require.NoError(t, bob.Close())

	require.Eventually(t, func() bool {
		return g.srv.Groups().MemberCount("conv_1") == 1
	}, 3*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		return g.srv.ConnMgr().Count() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestJoinAfterDisconnectLeavesNoMembership(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t, "/ws/chat", mintToken(t, "alice", "1"))

	send(t, conn, map[string]any{"type": "ping", "ts": 1})
	assert.Equal(t, chat.TypePong, readFrame(t, conn).Type)

	wcs := g.srv.ConnMgr().ListUserConns("alice")
	require.Len(t, wcs, 1)
	wc := wcs[0]

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return g.srv.ConnMgr().Count() == 0
	}, 3*time.Second, 20*time.Millisecond)

	// a join still in flight on the reader lands after the teardown purge
	g.srv.JoinGroup(wc, "conv_1")

	assert.Zero(t, g.srv.Groups().MemberCount("conv_1"),
		"closed connection must not re-enter a group")
	assert.Zero(t, g.srv.Groups().GroupCount())
}

func TestConversationEndpointJoinsOnHandshake(t *testing.T) {
	g := newGateway(t)
	alice := g.dial(t, "/ws/conversations/5", mintToken(t, "alice", "5"))

	// make sure alice's handshake fully landed before bob shows up
	send(t, alice, map[string]any{"type": "ping", "ts": 1})
	assert.Equal(t, chat.TypePong, readFrame(t, alice).Type)

	bob := g.dial(t, "/ws/conversations/5", mintToken(t, "bob", "5"))

	// alice sees bob come online in the conversation
	f := readFrame(t, alice)
	assert.Equal(t, chat.TypeUserStatus, f.Type)
	assert.Equal(t, "bob", f.Payload["user_id"])
	assert.Equal(t, "online", f.Payload["status"])

	// no explicit join needed, the handshake already added both
	send(t, bob, map[string]any{
		"type": "message", "group": "conv_5",
		"payload": map[string]any{"content": "hi"},
	})
	m := readFrame(t, alice)
	assert.Equal(t, chat.TypeMessage, m.Type)
	assert.Equal(t, "hi", m.Payload["content"])
}

func TestConversationEndpointParticipantFromStore(t *testing.T) {
	g := newGateway(t)
	g.store.AddParticipant("8", "carol")

	carol := g.dial(t, "/ws/conversations/8", mintToken(t, "carol"))
	send(t, carol, map[string]any{"type": "ping", "ts": 1})
	assert.Equal(t, chat.TypePong, readFrame(t, carol).Type)
	assert.Equal(t, 1, g.srv.Groups().MemberCount("conv_8"))
}

func TestNotifyEndpointReachesUser(t *testing.T) {
	g := newGateway(t)
	conn := g.dial(t, "/ws/chat", mintToken(t, "alice"))

	send(t, conn, map[string]any{"type": "ping", "ts": 1})
	assert.Equal(t, chat.TypePong, readFrame(t, conn).Type)

	status, resp := g.notify(t, "alice", mintToken(t, "ops"),
		`{"title":"mention","body":"bob mentioned you","data":{"conversation_id":"7"}}`)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, resp["online"])
	assert.Equal(t, "alice", resp["user_id"])

	f := readFrame(t, conn)
	assert.Equal(t, chat.TypeNotification, f.Type)
	assert.Equal(t, "mention", f.Payload["title"])
	assert.Equal(t, "bob mentioned you", f.Payload["body"])
	data, _ := f.Payload["data"].(map[string]any)
	assert.Equal(t, "7", data["conversation_id"])
}

func TestNotifyEndpointValidation(t *testing.T) {
	g := newGateway(t)

	// nobody connected: accepted (another instance may hold the user), offline
	status, resp := g.notify(t, "nobody", mintToken(t, "ops"), `{"title":"x"}`)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, false, resp["online"])

	status, _ = g.notify(t, "alice", mintToken(t, "ops"), `{}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = g.notify(t, "alice", "", `{"title":"x"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestGroupCapEnforced(t *testing.T) {
	g := newGateway(t)
	g.srv.Conf().MaxGroupsPerConn = 3
	alice := g.dial(t, "/ws/chat", mintToken(t, "alice", "*"))

	// the per-user group occupies one slot already
	send(t, alice, map[string]any{"type": "join_conversation", "group": "conv_1"})
	assert.Equal(t, chat.TypeGroupJoined, readFrame(t, alice).Type)
	send(t, alice, map[string]any{"type": "join_conversation", "group": "conv_2"})
	assert.Equal(t, chat.TypeGroupJoined, readFrame(t, alice).Type)

	send(t, alice, map[string]any{"type": "join_conversation", "group": "conv_3"})
	f := readFrame(t, alice)
	assert.Equal(t, chat.TypeError, f.Type)
	assert.Equal(t, "too_many_groups", f.Payload["reason"])

	// rejoining an existing group stays fine at the cap
	send(t, alice, map[string]any{"type": "join_conversation", "group": "conv_2"})
	assert.Equal(t, chat.TypeGroupJoined, readFrame(t, alice).Type)
}
