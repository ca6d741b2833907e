package handlers

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/1withall/nabr/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are the platform API gateway's job; internal callers only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleEventStream pushes verification CloudEvents to a websocket client.
// Optional ?type= filters to one event type.
// GET /v1/events/stream
func HandleEventStream(bus *events.EventBus) http.HandlerFunc {
	logger := log.New(log.Writer(), "[STREAM] ", log.LstdFlags)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("❌ Websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var ch chan *events.CloudEvent
		if et := r.URL.Query().Get("type"); et != "" {
			ch = bus.Subscribe(et)
		} else {
			ch = bus.Subscribe()
		}
		defer bus.Unsubscribe(ch)

		// Reader goroutine: detect client close.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}
