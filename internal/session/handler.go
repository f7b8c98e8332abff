package session

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamware/echo/internal/protocol"
)

const (
	// Time allowed to read the next pong from the client.
	pongWait = 60 * time.Second

	// Pings are sent slightly more often than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// Handler upgrades HTTP requests to WebSocket connections and attaches
// them to a Hub.
type Handler struct {
	hub          *Hub
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

// NewHandler creates a WebSocket handler for hub. Every origin is accepted:
// viewers reach the service through the tunnel's public host or the LAN
// address, neither of which is known in advance.
func NewHandler(hub *Hub, writeTimeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		hub:          hub,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket, admits the connection to
// the hub and serves it until either side closes. Writes run on their own
// goroutine; events are read and applied on the calling one.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := h.hub.Admit()
	h.logger.Debug("websocket attached", "conn", conn.ID, "remote", r.RemoteAddr)

	go h.writeLoop(ws, conn)
	h.readLoop(ws, conn)
}

// readLoop applies client events until the socket fails, then removes the
// connection from the hub.
func (h *Handler) readLoop(ws *websocket.Conn, conn *Connection) {
	defer func() {
		h.hub.Remove(conn.ID)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", "conn", conn.ID, "error", err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("malformed frame", "conn", conn.ID, "error", err)
			continue
		}
		if err := h.hub.Dispatch(conn.ID, env); err != nil {
			h.logger.Warn("event ignored", "conn", conn.ID, "error", err)
		}
	}
}

// writeLoop drains the connection's outbox onto the socket. A slow client
// only ever blocks this goroutine.
func (h *Handler) writeLoop(ws *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case env, ok := <-conn.Outbox():
			_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(env); err != nil {
				h.logger.Debug("websocket write failed", "conn", conn.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
