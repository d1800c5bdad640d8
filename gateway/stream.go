package gateway

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cloudx-io/openescrow/auction"
	"github.com/cloudx-io/openescrow/escrowapi"
)

const subscriberBuffer = 64

// Hub fans domain events out to websocket subscribers. It implements
// auction.Sink, so wiring it into the auction makes every state-affecting
// action visible on /ws/events in real time. Slow subscribers drop events
// rather than blocking the auction.
type Hub struct {
	log *zap.Logger

	mu          sync.Mutex
	subscribers map[chan escrowapi.EventMessage]struct{}
}

// NewHub creates an event hub with no subscribers.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:         log,
		subscribers: make(map[chan escrowapi.EventMessage]struct{}),
	}
}

// Publish implements auction.Sink.
func (h *Hub) Publish(evt auction.Event) {
	msg := wireEvent(evt)

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
			h.log.Warn("dropping event for slow subscriber", zap.String("event", string(evt.Type)))
		}
	}
}

func (h *Hub) subscribe() chan escrowapi.EventMessage {
	ch := make(chan escrowapi.EventMessage, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan escrowapi.EventMessage) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is public observability data; cross-origin reads are fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the connection and streams events until the client goes
// away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ch := h.subscribe()
	defer func() {
		h.unsubscribe(ch)
		_ = conn.Close()
	}()

	// Reader goroutine: we never expect client messages, but reading is how
	// the close frame is noticed.
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
		case <-done:
			return
		case <-r.Context().Done():
			return
		case msg := <-ch:
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func wireEvent(evt auction.Event) escrowapi.EventMessage {
	return escrowapi.EventMessage{
		ID:     evt.ID,
		Type:   string(evt.Type),
		Actor:  evt.Actor,
		Amount: escrowapi.FormatAmount(evt.Amount),
		Reason: evt.Reason,
		At:     evt.At,
	}
}
