package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans out ride-lifecycle events to admin observers, grounded on the
// teacher's dispatch.Hub. Subscriptions are per-ride, not per-rider/driver:
// ride-lifecycle events (§3's audit trail) are what is streamed, not a participant
// notification channel (that stays out of scope per spec §1's Non-goals).
type Hub struct {
	mu         sync.RWMutex
	rideConns  map[string]map[*websocket.Conn]struct{}
	register   chan subscription
	unregister chan subscription
}

type subscription struct {
	rideID string
	conn   *websocket.Conn
}

func NewHub() *Hub {
	return &Hub{
		rideConns:  make(map[string]map[*websocket.Conn]struct{}),
		register:   make(chan subscription),
		unregister: make(chan subscription),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if h.rideConns[sub.rideID] == nil {
				h.rideConns[sub.rideID] = make(map[*websocket.Conn]struct{})
			}
			h.rideConns[sub.rideID][sub.conn] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.rideConns[sub.rideID]; ok {
				delete(conns, sub.conn)
				if len(conns) == 0 {
					delete(h.rideConns, sub.rideID)
				}
			}
			h.mu.Unlock()
			sub.conn.Close()
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// ServeRide upgrades the connection and streams the payloads Publish sends
// for rideID until the client disconnects.
func (h *Hub) ServeRide(w http.ResponseWriter, r *http.Request, rideID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf(`{"component":"api","event":"ws_upgrade_failed","error":%q}`, err.Error())
		return
	}
	h.register <- subscription{rideID: rideID, conn: conn}

	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				h.unregister <- subscription{rideID: rideID, conn: conn}
				return
			}
		}
	}()
}

// Publish broadcasts an event payload to every admin observer subscribed
// to rideID. Called by the accept_ride and end_trip handlers after they
// commit; ride creation, matching and cancellation are not published.
func (h *Hub) Publish(rideID string, payload any) {
	h.mu.RLock()
	conns := h.rideConns[rideID]
	h.mu.RUnlock()
	for conn := range conns {
		if err := conn.WriteJSON(payload); err != nil {
			h.unregister <- subscription{rideID: rideID, conn: conn}
		}
	}
}
