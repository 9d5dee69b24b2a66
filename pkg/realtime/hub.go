// Package realtime pushes engine events to connected clients over SSE.
// Delivery is fire-and-forget: a slow or absent client never blocks the
// engine, events are simply dropped for that client.
package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"kindled/pkg/logger"
)

type EventType string

const (
	EventNewMessage       EventType = "new_message"
	EventCharacterTyping  EventType = "character_typing"
	EventCharacterOffline EventType = "character_offline"
	EventMoodChange       EventType = "mood_change"
	EventCharacterUnmatch EventType = "character_unmatched"
	EventAIResponseError  EventType = "ai_response_error"
)

type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

type Client struct {
	ID       uuid.UUID
	UserID   string
	Outbound chan Event
	done     chan struct{}
	once     sync.Once
}

func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) Done() <-chan struct{} { return c.done }

// Hub fans events out to every client subscribed to a user channel.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*Client]bool)}
}

func (h *Hub) Subscribe(userID string) *Client {
	c := &Client{
		ID:       uuid.New(),
		UserID:   userID,
		Outbound: make(chan Event, 16),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*Client]bool)
		h.clients[userID] = set
	}
	set[c] = true
	return c
}

func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.UserID)
		}
	}
	c.Close()
}

// Publish delivers ev to every client on the user's channel. Full client
// buffers drop the event rather than blocking.
func (h *Hub) Publish(userID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		select {
		case c.Outbound <- ev:
		default:
			logger.Debugf("realtime: dropping %s for slow client %s", ev.Type, c.ID)
		}
	}
}

// ServeSSE streams a subscribed client's events as server-sent events until
// the request context ends. The caller routes and authenticates; userID must
// already be trusted.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	c := h.Subscribe(userID)
	defer h.Unsubscribe(c)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.Done():
			return
		case ev := <-c.Outbound:
			payload, err := json.Marshal(ev)
			if err != nil {
				logger.Errorf("realtime: marshal event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
