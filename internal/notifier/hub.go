package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wardpager/wardpager/internal/types"
)

// ErrRecipientOffline is returned when a recipient has no open connection.
var ErrRecipientOffline = fmt.Errorf("%w: no realtime connection", ErrRecipientUnreachable)

// Hub is the realtime channel. Staff devices connect to /ws?recipient=<id>
// and receive alert payloads as JSON text frames.
type Hub struct {
	log          zerolog.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]map[*hubConn]struct{}
}

type hubConn struct {
	ws *websocket.Conn
	mu sync.Mutex // gorilla connections support one concurrent writer
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger, writeTimeout time.Duration) *Hub {
	return &Hub{
		log: log.With().Str("component", "realtime").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
		conns:        make(map[string]map[*hubConn]struct{}),
	}
}

func (h *Hub) Name() string { return "realtime" }

// ServeHTTP upgrades the request and holds the connection until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		http.Error(w, "recipient is required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("recipient", recipient).Msg("websocket upgrade failed")
		return
	}

	c := &hubConn{ws: ws}
	h.register(recipient, c)
	defer func() {
		h.unregister(recipient, c)
		ws.Close()
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(recipient string, c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[recipient]
	if !ok {
		set = make(map[*hubConn]struct{})
		h.conns[recipient] = set
	}
	set[c] = struct{}{}
	h.log.Info().Str("recipient", recipient).Int("connections", len(set)).Msg("recipient connected")
}

func (h *Hub) unregister(recipient string, c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[recipient]
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, recipient)
	}
	h.log.Info().Str("recipient", recipient).Msg("recipient disconnected")
}

// Connected returns the number of open connections for a recipient.
func (h *Hub) Connected(recipient string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[recipient])
}

// Send writes the payload to every connection of the recipient. It succeeds
// if at least one write succeeds.
func (h *Hub) Send(ctx context.Context, recipientID string, payload types.Payload) error {
	h.mu.RLock()
	targets := make([]*hubConn, 0, len(h.conns[recipientID]))
	for c := range h.conns[recipientID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("%s: %w", recipientID, ErrRecipientOffline)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	deadline := time.Now().Add(h.writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	var lastErr error
	delivered := 0
	for _, c := range targets {
		c.mu.Lock()
		_ = c.ws.SetWriteDeadline(deadline)
		err := c.ws.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return fmt.Errorf("write to %s: %w", recipientID, lastErr)
	}
	return nil
}

// Close closes every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for recipient, set := range h.conns {
		for c := range set {
			c.ws.Close()
		}
		delete(h.conns, recipient)
	}
}
