package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tune23wb/sms-panel/internal/app/events"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = (eventPongWait * 9) / 10
	eventBacklog    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamEvents upgrades to a websocket and forwards live events. The
// optional message_id and type query parameters narrow the stream. Slow
// clients lose events rather than stall publishers.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	messageID := r.URL.Query().Get("message_id")
	eventType := events.Type(r.URL.Query().Get("type"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	feed := make(chan events.Event, eventBacklog)
	unsubscribe := h.events.SubscribeFiltered(func(e events.Event) bool {
		return (messageID == "" || e.MessageID == messageID) && (eventType == "" || e.Type == eventType)
	}, func(e events.Event) {
		select {
		case feed <- e:
		default:
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-feed:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
