package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/freight-dispatch/internal/models"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTransport adapts a gorilla connection. gorilla allows one concurrent
// writer, so data frames are serialized; control frames are safe alongside.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) Close() error { return t.conn.Close() }

// ServeWS upgrades the request for an already authenticated actor, registers
// the connection and blocks reading until the peer goes away. Inbound data
// frames are ignored; pongs mark the connection alive.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user_id", actor.UserID, "error", err)
		return
	}
	c := h.Register(actor.UserID, actor.Role, &wsTransport{conn: ws})
	ws.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})
	h.log.Info("realtime connected", "user_id", actor.UserID, "role", actor.Role)

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	h.Unregister(c)
	h.log.Info("realtime disconnected", "user_id", actor.UserID)
}
