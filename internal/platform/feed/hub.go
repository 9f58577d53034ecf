// Package feed streams parse outcomes to WebSocket subscribers. Clients
// subscribe to topics and receive an event for every parse that matches.
// Events carry header identifiers and counters only, never patient data.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7parse/internal/platform/hl7v2"
)

// TopicAll receives every event.
const TopicAll = "*"

// EventParseCompleted is the type of every event the hub publishes.
const EventParseCompleted = "parse.completed"

// Event is one parse outcome as sent to clients.
type Event struct {
	Type             string       `json:"type"`
	Source           string       `json:"source"`
	Status           hl7v2.Status `json:"status"`
	ControlID        string       `json:"control_id,omitempty"`
	MessageType      string       `json:"message_type,omitempty"`
	Errors           int          `json:"errors"`
	Warnings         int          `json:"warnings"`
	FallbackSegments int          `json:"fallback_segments"`
	Completeness     float64      `json:"completeness"`
	ElapsedMS        float64      `json:"elapsed_ms"`
	Timestamp        time.Time    `json:"timestamp"`
}

// NewEvent summarizes res.
func NewEvent(source string, res *hl7v2.Result, elapsed time.Duration, at time.Time) Event {
	ev := Event{
		Type:             EventParseCompleted,
		Source:           source,
		Status:           res.Status(),
		Errors:           res.Quality.Errors,
		Warnings:         res.Quality.Warnings,
		FallbackSegments: res.Quality.FallbackSegments,
		Completeness:     res.Quality.Completeness,
		ElapsedMS:        float64(elapsed) / float64(time.Millisecond),
		Timestamp:        at.UTC(),
	}
	if res.Header != nil {
		ev.ControlID = res.Header.ControlID
		ev.MessageType = res.Header.Code()
	}
	return ev
}

// Topics lists the topics ev is published on: TopicAll, "status:<status>"
// and "source:<source>".
func (ev Event) Topics() []string {
	return []string{TopicAll, "status:" + string(ev.Status), "source:" + ev.Source}
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one subscriber.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	conn   Conn
}

// Hub tracks clients and their topic subscriptions. It is safe for
// concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
	now     func() time.Time
}

// NewHub returns an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	topics := client.Topics
	client.Topics = nil
	h.subscribeLocked(client, topics)
}

// Unregister removes a client from every topic and closes its Send channel.
// Unregistering twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(client, topics)
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, topics)
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		if _, dup := h.clients[topic][client]; dup {
			continue
		}
		h.clients[topic][client] = struct{}{}
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) unsubscribeLocked(client *Client, topics []string) {
	removeSet := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		removeSet[topic] = struct{}{}
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches a ClientMessage to Subscribe or Unsubscribe.
// Unknown actions are ignored.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish sends ev once to every client subscribed to any of its topics.
// Clients whose buffer is full miss the event.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("feed: failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[*Client]struct{})
	for _, topic := range ev.Topics() {
		for client := range h.clients[topic] {
			if _, done := sent[client]; done {
				continue
			}
			sent[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().Str("client_id", client.ID).Msg("feed: client buffer full, event dropped")
			}
		}
	}
}

// ObserveParse implements hl7v2.Observer.
func (h *Hub) ObserveParse(_ context.Context, source string, res *hl7v2.Result, elapsed time.Duration) {
	h.Publish(NewEvent(source, res, elapsed, h.now()))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
