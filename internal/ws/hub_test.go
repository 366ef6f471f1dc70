package ws

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pawtracker/server/internal/model"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(strings.Replace(url, "http", "ws", 1), nil)
	require.NoError(t, err)
	return conn
}

func TestBroadcastFanOut(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	live := make([]*websocket.Conn, 3)
	for i := range live {
		live[i] = dial(t, srv.URL)
		defer live[i].Close()
	}

	dead := dial(t, srv.URL)
	require.Eventually(t, func() bool { return hub.ViewerCount() == 4 },
		time.Second, 10*time.Millisecond)

	// Drop one connection and wait for the hub's read loop to prune it.
	require.NoError(t, dead.Close())
	require.Eventually(t, func() bool { return hub.ViewerCount() == 3 },
		time.Second, 10*time.Millisecond)

	event := model.BeaconUpdateEvent{
		Type:      model.EventBeaconUpdate,
		DeviceID:  "dev1",
		TrackerID: "b1",
		Data:      model.BeaconSnapshot{Latitude: 37.0, Longitude: -122.0},
	}
	hub.Broadcast(event)

	for _, conn := range live {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)

		var got model.BeaconUpdateEvent
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, model.EventBeaconUpdate, got.Type)
		assert.Equal(t, "dev1", got.DeviceID)
		assert.Equal(t, 37.0, got.Data.Latitude)
	}
}

func TestBroadcastNotBlockedByStalledViewer(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	reader := dial(t, srv.URL)
	defer reader.Close()

	// Connected but never reads; its kernel buffer and send queue fill up.
	stalled := dial(t, srv.URL)
	defer stalled.Close()

	require.Eventually(t, func() bool { return hub.ViewerCount() == 2 },
		time.Second, 10*time.Millisecond)

	received := make(chan struct{}, 256)
	go func() {
		for {
			if _, _, err := reader.ReadMessage(); err != nil {
				return
			}
			received <- struct{}{}
		}
	}()

	// Large payloads so the stalled connection's transport buffer fills
	// instead of silently absorbing everything.
	event := model.BeaconUpdateEvent{
		Type:      model.EventBeaconUpdate,
		DeviceID:  strings.Repeat("x", 64*1024),
		TrackerID: "b1",
	}

	const rounds = 3 * sendBuffer
	start := time.Now()
	for i := 0; i < rounds; i++ {
		hub.Broadcast(event)
	}
	elapsed := time.Since(start)
	assert.Less(t, elapsed, writeTimeout, "broadcast loop must not wait on a stalled connection")

	// The healthy viewer keeps receiving while the stalled one is pruned.
	require.Eventually(t, func() bool { return len(received) >= 10 },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return hub.ViewerCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestBroadcastWithNoViewers(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	// Must not panic or block.
	hub.Broadcast(model.ControlEvent{Type: model.EventControlStatus, DeviceID: "dev1"})
	assert.Equal(t, 0, hub.ViewerCount())
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
