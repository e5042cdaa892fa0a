package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulseboard/backend/internal/logging"
	"github.com/pulseboard/backend/internal/sandbox/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventFrame is one websocket message: an event a handler emitted, tagged
// with its panel.
type EventFrame struct {
	Type    string `json:"type"`
	PanelID string `json:"panel_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Hub fans handler events out to panel observers. Events are broadcast at
// every step boundary, including suspensions, so observers do not lag
// behind long extension I/O.
type Hub struct {
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan EventFrame
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast queues an event for every connected client. Slow clients drop
// frames rather than stalling the broadcast.
func (h *Hub) Broadcast(panelID string, ev types.EmittedEvent) {
	frame := EventFrame{Type: "event", PanelID: panelID, Name: ev.Name, Payload: ev.Payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
		}
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnection upgrades the request and serves the event stream until
// the peer disconnects.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan EventFrame, 64)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *Hub) writeLoop(client *wsClient) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case frame, ok := <-client.send:
			if !ok {
				return
			}
			if err := client.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ping.C:
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; the stream is one-way. It exists to
// notice disconnects and honor close handshakes.
func (h *Hub) readLoop(client *wsClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		close(client.send)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
