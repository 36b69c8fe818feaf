package events

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mhartley/printflow-go/internal/api"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow connections from any origin (shop floor boards)
	},
}

// RegisterRoutes wires the live schedule feed to the router.
func RegisterRoutes(router chi.Router, hub *Hub) {
	router.HandleFunc("/v1/schedule/feed", feedHandler(hub))
	router.Method(http.MethodGet, "/v1/schedule/feed/status", api.Handler(statusHandler(hub)))
}

func feedHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade failed - error already written to response
			return
		}

		hub.Add(conn)
	}
}

func statusHandler(hub *Hub) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteResource(w, http.StatusOK, map[string]any{
			"object":  "schedule_feed_status",
			"clients": hub.ClientCount(),
		})
	}
}
