package notifier

import (
	"context"
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

	"github.com/wardpager/wardpager/internal/types"
)

func dialHub(t *testing.T, srv *httptest.Server, recipient string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?recipient=" + recipient
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubSend(t *testing.T) {
	hub := NewHub(zerolog.Nop(), time.Second)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "nurse-1")
	require.Eventually(t, func() bool { return hub.Connected("nurse-1") == 1 }, time.Second, 5*time.Millisecond)

	payload := types.Payload{AlertID: "a-1", Urgency: types.Critical, Title: "bed 12"}
	require.NoError(t, hub.Send(context.Background(), "nurse-1", payload))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got types.Payload
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "a-1", got.AlertID)
	assert.Equal(t, types.Critical, got.Urgency)
}

func TestHubOffline(t *testing.T) {
	hub := NewHub(zerolog.Nop(), time.Second)
	err := hub.Send(context.Background(), "nobody", types.Payload{})
	assert.ErrorIs(t, err, ErrRecipientOffline)
}

func TestHubDisconnect(t *testing.T) {
	hub := NewHub(zerolog.Nop(), time.Second)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "nurse-2")
	require.Eventually(t, func() bool { return hub.Connected("nurse-2") == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Connected("nurse-2") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubRequiresRecipient(t *testing.T) {
	hub := NewHub(zerolog.Nop(), time.Second)
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
