package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"xmf-forking-server/pkg/messaging"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = 54 * time.Second
	hubSendBuffer = 32
)

type hubClient struct {
	conn   *websocket.Conn
	callID string
	send   chan []byte
}

// TranscriptHub pushes call and transcription events to websocket
// subscribers. Subscribers may pass ?call_id= to receive a single call.
// It implements messaging.Publisher.
type TranscriptHub struct {
	upgrader websocket.Upgrader
	logger   *logrus.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

func NewTranscriptHub(logger *logrus.Logger) *TranscriptHub {
	return &TranscriptHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*hubClient]struct{}),
	}
}

// Clients is the number of connected subscribers.
func (h *TranscriptHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the subscriber until it disconnects.
func (h *TranscriptHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	c := &hubClient{conn: conn, callID: r.URL.Query().Get("call_id"), send: make(chan []byte, hubSendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.WithFields(logrus.Fields{
		"remote":  r.RemoteAddr,
		"call_id": c.callID,
	}).Info("Transcript subscriber connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop only services control frames; subscribers do not send data.
func (h *TranscriptHub) readLoop(c *hubClient) {
	defer h.remove(c)
	c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Debug("Transcript subscriber read error")
			}
			return
		}
	}
}

func (h *TranscriptHub) writeLoop(c *hubClient) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *TranscriptHub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Publish broadcasts the event. Slow subscribers miss events rather than
// block the publisher.
func (h *TranscriptHub) Publish(_ context.Context, event messaging.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.callID != "" && c.callID != event.CallID && c.callID != event.GUID {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.WithField("event", event.Type).Warn("Dropping event for slow transcript subscriber")
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *TranscriptHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
