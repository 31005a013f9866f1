package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/munbon/sensorhub/internal/log"
)

const (
	wsWriteTimeout = 2 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// controlFrame is what clients send to manage their topic set.
type controlFrame struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

// WSHandler upgrades connections and binds each to a hub subscriber.
type WSHandler struct {
	hub *Hub
}

func NewWSHandler(hub *Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("websocket upgrade failed: %v", err)
		return
	}

	sub := h.hub.Subscribe()
	done := make(chan struct{})

	go h.readLoop(conn, sub, done)
	h.writeLoop(conn, sub, done)

	sub.Close()
	conn.Close()
}

func (h *WSHandler) readLoop(conn *websocket.Conn, sub *Subscriber, done chan struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		var frame controlFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("websocket read: %v", err)
			}
			return
		}
		if len(frame.Subscribe) > 0 {
			sub.Add(frame.Subscribe...)
		}
		if len(frame.Unsubscribe) > 0 {
			sub.Remove(frame.Unsubscribe...)
		}
	}
}

func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *Subscriber, done chan struct{}) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	events := make(chan Event)
	go func() {
		defer close(events)
		for {
			ev, ok := sub.Next(done)
			if !ok {
				return
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
