package fanout

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"telemetry-core/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// controlMessage is the only inbound frame clients send: joining or
// leaving a device room within their own tenant.
type controlMessage struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// WSHandler upgrades connections and bridges them onto the hub. The
// subscriber's tenant comes from the authenticated claims, never from
// the client.
type WSHandler struct {
	hub    *Hub
	logger *log.Logger
}

// NewWSHandler constructs a websocket handler.
func NewWSHandler(hub *Hub, logger *log.Logger) *WSHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &WSHandler{hub: hub, logger: logger}
}

// ServeHTTP handles GET /api/v1/events/ws.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.hub == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	admin := auth.RoleAtLeast(auth.RoleFromContext(r.Context()), auth.RoleAdmin)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("fanout: upgrade failed: %v", err)
		return
	}

	sub := h.hub.Subscribe(tenantID, admin)
	if sub == nil {
		conn.Close()
		return
	}
	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// readPump consumes control frames until the peer goes away.
func (h *WSHandler) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Printf("fanout: read error: %v", err)
			}
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		deviceID, ok := ParseDeviceRoom(msg.Room)
		if !ok {
			continue
		}
		switch msg.Action {
		case "subscribe":
			h.hub.JoinDevice(sub, deviceID)
		case "unsubscribe":
			h.hub.LeaveDevice(sub, deviceID)
		}
	}
}

// writePump drains the subscriber channel onto the wire and keeps the
// connection alive with pings.
func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case payload, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
