package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/firesim/internal/core/events/bus"
	"github.com/zeusync/firesim/internal/core/geom"
)

func dial(t *testing.T, srv *Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws://" + srv.Addr().String() + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestWebSocket_StreamsStateChanges(t *testing.T) {
	srv, sim := newTestServer(t, nil, nil)
	require.NoError(t, srv.Start(context.Background()))

	conn, _, err := dial(t, srv, "")
	require.NoError(t, err)

	welcome := readUntil(t, conn, MessageWelcome)
	assert.Equal(t, "server-test", welcome.Data.(map[string]any)["run_id"])
	assert.Equal(t, int64(1), srv.GetStats().ClientCount)

	id, err := sim.Spawn(geom.V(0, 0, 0))
	require.NoError(t, err)
	_, err = sim.Ignite(id)
	require.NoError(t, err)

	msg := readUntil(t, conn, bus.EventStateChanged)
	data := msg.Data.(map[string]any)
	assert.Equal(t, float64(id), data["entity_id"])
	assert.Equal(t, "unburnt", data["from"])
	assert.Equal(t, "burning", data["to"])

	require.NoError(t, conn.WriteJSON(ControlMessage{Action: "toggle", ID: uint64(id)}))
	reply := readUntil(t, conn, MessageReply)
	assert.Empty(t, reply.Error)
	assert.Equal(t, "unburnt", reply.Data.(map[string]any)["state"])

	require.NoError(t, conn.WriteJSON(ControlMessage{Action: "dance"}))
	reply = readUntil(t, conn, MessageReply)
	assert.Contains(t, reply.Error, "dance")

	require.NoError(t, conn.WriteJSON(ControlMessage{Action: "pause"}))
	paused := readUntil(t, conn, bus.EventSimulationPaused)
	assert.Equal(t, "simulation", paused.Source)
	assert.True(t, sim.Paused())
}

func TestWebSocket_AuthAndLimits(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) {
		c.Token = "s3cret"
		c.MaxClients = 1
	}, nil)
	require.NoError(t, srv.Start(context.Background()))

	_, resp, err := dial(t, srv, "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := dial(t, srv, "?token=s3cret")
	require.NoError(t, err)
	readUntil(t, conn, MessageWelcome)

	_, resp, err = dial(t, srv, "?token=s3cret")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Lifecycle(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	require.ErrorIs(t, srv.Stop(context.Background()), ErrServerNotRunning)
	require.NoError(t, srv.Start(context.Background()))
	require.ErrorIs(t, srv.Start(context.Background()), ErrServerAlreadyRunning)
	assert.True(t, srv.GetStats().Running)

	conn, _, err := dial(t, srv, "")
	require.NoError(t, err)
	readUntil(t, conn, MessageWelcome)

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "clients are disconnected on stop")
	assert.Nil(t, srv.Addr())

	require.NoError(t, srv.Close())
	require.ErrorIs(t, srv.Start(context.Background()), ErrServerClosed)
}
