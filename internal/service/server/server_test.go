package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Legatia/Tai/internal/config"
	"github.com/Legatia/Tai/internal/cryptographic/box"
	"github.com/Legatia/Tai/internal/protocol/signaling"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	registry := NewRegistry(nil)
	srv := httptest.NewServer(NewHttpServer(config.DefaultRelay(), registry).Router())
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, m signaling.Message) []byte {
	t.Helper()
	data, err := signaling.Encode(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	return data
}

func recv(t *testing.T, conn *websocket.Conn) ([]byte, signaling.Message) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	m, err := signaling.Decode(data)
	require.NoError(t, err)
	return data, m
}

func register(t *testing.T, conn *websocket.Conn, peer, room string) box.PublicKey {
	t.Helper()
	kp, err := box.GenerateKeyPair()
	require.NoError(t, err)
	id := time.Now().UnixMilli()
	send(t, conn, &signaling.Register{ID: &id, PeerID: peer, RoomID: room, PublicKey: kp.Public})

	_, m := recv(t, conn)
	ack, ok := m.(*signaling.Registered)
	require.True(t, ok, "expected registered ack, got %T", m)
	assert.Equal(t, id, *ack.ID)
	return kp.Public
}

func TestWebsocketRelayEndToEnd(t *testing.T) {
	srv, registry := newTestRelay(t)

	p1 := dial(t, srv)
	key1 := register(t, p1, "p1", "room-1")

	p2 := dial(t, srv)
	key2 := register(t, p2, "p2", "room-1")

	_, m := recv(t, p2)
	assert.Equal(t, &signaling.PeerJoined{PeerID: "p1", PublicKey: key1}, m)
	_, m = recv(t, p1)
	assert.Equal(t, &signaling.PeerJoined{PeerID: "p2", PublicKey: key2}, m)

	env := &signaling.Envelope{
		TargetPeerID: "p1",
		RoomID:       "room-1",
		Payload:      []byte("sealed offer"),
		Nonce:        make([]byte, box.NonceSize),
		SenderPubKey: key2,
		SenderPeerID: "p2",
	}
	sent := send(t, p2, env)
	got, _ := recv(t, p1)
	assert.Equal(t, sent, got)

	require.NoError(t, p2.Close())
	_, m = recv(t, p1)
	assert.Equal(t, &signaling.PeerLeft{PeerID: "p2"}, m)
	assert.Eventually(t, func() bool { return registry.Stats().Peers == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebsocketRejectsBadRegister(t *testing.T) {
	srv, registry := newTestRelay(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","method":"register","params":{"peer_id":"p1"},"id":9}`)))

	_, m := recv(t, conn)
	rep, ok := m.(*signaling.ErrorReply)
	require.True(t, ok)
	assert.Equal(t, signaling.CodeInvalidParams, rep.Code)
	assert.Equal(t, int64(9), *rep.ID)
	assert.Equal(t, 0, registry.Stats().Peers)
}

func TestWebsocketDropsGarbageAndKeepsConnection(t *testing.T) {
	srv, _ := newTestRelay(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"join_room","params":{}}`)))

	register(t, conn, "p1", "room-1")
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestRelay(t)
	register(t, dial(t, srv), "p1", "room-1")

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, Stats{Peers: 1, Rooms: 1}, stats)
}
