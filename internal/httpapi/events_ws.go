package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	syncpkg "github.com/dukapos/dukasync/internal/sync"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound event buffer; overflow drops the slowest client's events.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local control surface; the dashboard may load from any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Events upgrades the connection and mirrors the engine's event stream
// until the peer disconnects.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	events := make(chan syncpkg.Event, sendBuffer)
	remove := h.engine.AddEventListener(func(evt syncpkg.Event) {
		select {
		case events <- evt:
		default:
			// Slow consumer; dropping beats stalling the round.
		}
	})

	go h.writePump(conn, events, remove)
	go h.readPump(conn)
}

// writePump forwards events to the peer, interleaved with pings
func (h *Handler) writePump(conn *websocket.Conn, events chan syncpkg.Event, remove func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		remove()
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case evt := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
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

// readPump drains the connection so pongs and close frames are processed
func (h *Handler) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Msg("event stream closed")
			}
			return
		}
	}
}
