package wsserver

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saorsa-labs/canvas/pkg/broadcast"
	"github.com/saorsa-labs/canvas/pkg/ratelimit"
	"github.com/saorsa-labs/canvas/pkg/registry"
	"github.com/saorsa-labs/canvas/pkg/scene"
	"github.com/saorsa-labs/canvas/pkg/wsproto"
)

func newTestHub(t *testing.T) (*httptest.Server, *scene.Store, *broadcast.Bus) {
	t.Helper()
	bus := broadcast.New()
	store := scene.New(bus)
	reg := registry.New()
	limiter := ratelimit.New(ratelimit.Config{Burst: 1000, SustainedPerSec: 1000, IdleTimeout: time.Minute})
	t.Cleanup(limiter.Stop)

	srv := New(wsproto.Deps{Store: store, Bus: bus, Registry: reg, Limiter: limiter}, Config{
		PingInterval:   50 * time.Millisecond,
		MissedPongsMax: 2,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, store, bus
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestServer_ConnectReceivesWelcome(t *testing.T) {
	ts, _, _ := newTestHub(t)
	conn := dial(t, ts)

	frame := readFrame(t, conn)
	assert.Equal(t, "welcome", frame["type"])
	assert.NotEmpty(t, frame["assigned_peer_id"])
}

func TestServer_SubscribeThenGetSceneRoundTrips(t *testing.T) {
	ts, _, _ := newTestHub(t)
	conn := dial(t, ts)
	readFrame(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(wsproto.Inbound{Type: wsproto.FrameSubscribe, SessionID: "room-1"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "scene_update", frame["type"])
	assert.Equal(t, "room-1", frame["session_id"])
}

func TestServer_AddElementBroadcastsToOtherSubscriber(t *testing.T) {
	ts, _, _ := newTestHub(t)

	a := dial(t, ts)
	readFrame(t, a)
	require.NoError(t, a.WriteJSON(wsproto.Inbound{Type: wsproto.FrameSubscribe, SessionID: "room-1"}))
	readFrame(t, a) // scene_update for a

	b := dial(t, ts)
	readFrame(t, b)
	require.NoError(t, b.WriteJSON(wsproto.Inbound{Type: wsproto.FrameSubscribe, SessionID: "room-1"}))
	readFrame(t, b) // scene_update for b
	readFrame(t, a) // peer_assigned announcing b to a

	require.NoError(t, a.WriteJSON(wsproto.Inbound{
		Type:    wsproto.FrameAddElement,
		Element: &scene.Element{ID: "el-1", Kind: scene.TextKind{Content: "hi"}},
	}))

	ackOrBroadcast := readFrame(t, a)
	assert.Equal(t, "ack", ackOrBroadcast["type"])

	broadcastFrame := readFrame(t, b)
	assert.Equal(t, "element_added", broadcastFrame["type"])

	// a originated the mutation, so it must not receive its own echo.
	require.NoError(t, a.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := a.ReadMessage()
	assert.Error(t, err, "expected a read timeout, not an echoed element_added")
}

func TestServer_UpdateElementBroadcastsSceneUpdate(t *testing.T) {
	ts, _, _ := newTestHub(t)

	a := dial(t, ts)
	readFrame(t, a)
	require.NoError(t, a.WriteJSON(wsproto.Inbound{Type: wsproto.FrameSubscribe, SessionID: "room-1"}))
	readFrame(t, a) // scene_update for a

	b := dial(t, ts)
	readFrame(t, b)
	require.NoError(t, b.WriteJSON(wsproto.Inbound{Type: wsproto.FrameSubscribe, SessionID: "room-1"}))
	readFrame(t, b) // scene_update for b
	readFrame(t, a) // peer_assigned announcing b to a

	require.NoError(t, a.WriteJSON(wsproto.Inbound{
		Type:    wsproto.FrameAddElement,
		Element: &scene.Element{ID: "el-1", Kind: scene.TextKind{Content: "hi"}},
	}))
	readFrame(t, a) // ack
	readFrame(t, b) // element_added

	require.NoError(t, a.WriteJSON(wsproto.Inbound{
		Type:    wsproto.FrameUpdateElement,
		ID:      "el-1",
		Changes: &scene.TransformPatch{X: floatPtr(42)},
	}))
	readFrame(t, a) // ack

	broadcastFrame := readFrame(t, b)
	assert.Equal(t, "scene_update", broadcastFrame["type"])
}

func floatPtr(f float64) *float64 { return &f }

func TestServer_PingLoopKeepsConnectionAlive(t *testing.T) {
	ts, _, _ := newTestHub(t)
	conn := dial(t, ts)
	readFrame(t, conn)

	// Responding to server pings (the default gorilla handler does this,
	// but only while the client is inside a read) should keep the
	// connection past several ping intervals instead of it being reaped
	// as a missed-pong timeout, so keep reading rather than sleeping.
	for deadline := time.Now().Add(200 * time.Millisecond); time.Now().Before(deadline); {
		require.NoError(t, conn.WriteJSON(wsproto.Inbound{Type: wsproto.FramePing}))
		assert.Equal(t, "pong", readFrame(t, conn)["type"])
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, conn.WriteJSON(wsproto.Inbound{Type: wsproto.FramePing}))
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame["type"])
}
