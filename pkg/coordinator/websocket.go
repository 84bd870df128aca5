package coordinator

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/mnohosten/twopc/pkg/txn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is one transaction state transition, broadcast to subscribers for
// observation only — it carries no decision-making weight.
type Event struct {
	TxID  txn.ID `json:"tx_id"`
	State string `json:"state"`
}

// EventHub fans out transaction events to connected WebSocket subscribers.
// It never blocks a driver goroutine: when a subscriber's buffer is full,
// the event is dropped for that subscriber rather than stalling Publish;
// the subscriber stays connected.
type EventHub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subscribers: make(map[string]chan Event)}
}

// Publish broadcasts ev to every current subscriber.
func (h *EventHub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			log.WithField("subscriber", id).Warn("dropping transaction event: subscriber not keeping up")
		}
	}
}

func (h *EventHub) subscribe() (string, chan Event) {
	id := fmt.Sprintf("ws-%d", time.Now().UnixNano())
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subscribers[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *EventHub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// ServeWS upgrades the connection and streams every subsequent transaction
// event to the client as JSON until it disconnects.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("failed to upgrade websocket connection")
		return
	}
	defer conn.Close()

	id, ch := h.subscribe()
	defer h.unsubscribe(id)

	// Drain and discard any client-sent messages so the read side notices a
	// disconnect and the write loop below can exit.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
