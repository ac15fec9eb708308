package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dialTestClient stands up the hub behind a real WebSocket server and dials it.
func dialTestClient(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn, "test-user", r.RemoteAddr, zerolog.Nop())
		hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/feeds"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "Failed to dial test server")
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) FeedMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	var msg FeedMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestClient_PingPong(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := dialTestClient(t, hub)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))

	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg.Type)
}

func TestClient_SubscribeError_KeepsConnection(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := dialTestClient(t, hub)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Camera: "nodothere"}))

	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.NotEmpty(t, msg.Error)

	// the connection survives a failed subscribe
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	msg = readJSON(t, conn)
	assert.Equal(t, "pong", msg.Type)
}

func TestClient_MalformedJSON_Ignored(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := dialTestClient(t, hub)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg.Type)
}

func TestClient_ReceivesFramesOverSocket(t *testing.T) {
	hub, b := newTestHub(t)
	conn := dialTestClient(t, hub)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Camera: "workerA.cam1"}))

	require.Eventually(t, func() bool {
		return hub.Stats().Subscriptions == 1
	}, 2*time.Second, 10*time.Millisecond, "subscribe should reach the hub")

	jpeg := []byte{0xFF, 0xD8, 0xAB, 0xCD, 0xFF, 0xD9}
	require.NoError(t, b.Publish("frames.workerA.cam1", frameEnvelope(t, "cam1", jpeg)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType, "frames travel as binary messages")

	key, payload, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, "workerA.cam1", key)
	assert.Equal(t, jpeg, payload)
}

func TestClient_CloseTriggersCleanup(t *testing.T) {
	hub, b := newTestHub(t)
	cmds := captureCommands(t, b, "workerA")
	conn := dialTestClient(t, hub)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Camera: "workerA.cam1"}))
	expectCommand(t, cmds, "start_stream")

	conn.Close()

	expectCommand(t, cmds, "stop_stream")
	require.Eventually(t, func() bool {
		s := hub.Stats()
		return s.Clients == 0 && s.Subscriptions == 0
	}, 2*time.Second, 10*time.Millisecond, "closing the socket must cascade into full cleanup")
}
