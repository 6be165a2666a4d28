package hub

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dashboard and desktop agent connect from their own origins;
	// authentication happens in the handshake frame, not at upgrade time.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to websocket connections and runs the
// connection lifecycle.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade failed: %v", err)
			return
		}
		h.Serve(r.Context(), ws)
	}
}
