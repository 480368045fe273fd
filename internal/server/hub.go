// Package server exposes the control plane over HTTP and WebSocket: the
// gin routes of the public API and a hub that fans execution events out to
// subscribed watchers.
package server

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/events/bus"
)

// LastWatcherFunc fires when an execution's last watcher disconnects. The
// agent driver uses it to end sessions configured with endOnDisconnect.
type LastWatcherFunc func(executionID string)

// Hub routes bus events to WebSocket clients by execution id. The bus side
// is subscribed lazily: the first watcher of an execution opens the
// subscription, the last one leaving closes it.
type Hub struct {
	bus        bus.EventBus
	onLastGone LastWatcherFunc
	logger     *logger.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu        sync.RWMutex
	clients   map[*Client]bool
	watchers  map[string]map[*Client]bool // execution id -> clients
	upstreams map[string]bus.Subscription // execution id -> bus subscription
}

type broadcastMessage struct {
	executionID string
	payload     []byte
}

// NewHub creates the hub. onLastGone may be nil.
func NewHub(eventBus bus.EventBus, onLastGone LastWatcherFunc, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		bus:        eventBus,
		onLastGone: onLastGone,
		logger:     log.WithFields(zap.String("component", "ws-hub")),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
		clients:    make(map[*Client]bool),
		watchers:   make(map[string]map[*Client]bool),
		upstreams:  make(map[string]bus.Subscription),
	}
}

// Run processes registration and broadcast until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			for id, sub := range h.upstreams {
				_ = sub.Unsubscribe()
				delete(h.upstreams, id)
			}
			h.watchers = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.drop(client)

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := h.watchers[msg.executionID]
			h.mu.RUnlock()
			for client := range targets {
				select {
				case client.send <- msg.payload:
				default:
					// Send buffer full; the client is too slow to keep.
					h.drop(client)
				}
			}
		}
	}
}

// Register adds a connected client.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client and its subscriptions.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe attaches a client to one execution's event stream.
func (h *Hub) Subscribe(client *Client, executionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.watchers[executionID] == nil {
		h.watchers[executionID] = make(map[*Client]bool)
	}
	h.watchers[executionID][client] = true
	client.subscribed[executionID] = true

	if _, ok := h.upstreams[executionID]; ok {
		return nil
	}
	sub, err := h.bus.Subscribe(v1.ExecutionSubject(executionID), func(ctx context.Context, event *bus.Event) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		h.broadcast <- &broadcastMessage{executionID: executionID, payload: data}
		return nil
	})
	if err != nil {
		return err
	}
	h.upstreams[executionID] = sub
	h.logger.Debug("execution stream opened", zap.String("execution_id", executionID))
	return nil
}

// Unsubscribe detaches a client from one execution's stream.
func (h *Hub) Unsubscribe(client *Client, executionID string) {
	h.mu.Lock()
	last := h.removeWatcher(client, executionID)
	h.mu.Unlock()
	if last && h.onLastGone != nil {
		h.onLastGone(executionID)
	}
}

// WatcherCount reports how many clients watch an execution.
func (h *Hub) WatcherCount(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[executionID])
}

// drop removes a client entirely.
func (h *Hub) drop(client *Client) {
	var gone []string
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	for executionID := range client.subscribed {
		if h.removeWatcher(client, executionID) {
			gone = append(gone, executionID)
		}
	}
	h.mu.Unlock()
	if h.onLastGone != nil {
		for _, executionID := range gone {
			h.onLastGone(executionID)
		}
	}
}

// removeWatcher detaches a client under the hub lock and reports whether it
// was the execution's last watcher.
func (h *Hub) removeWatcher(client *Client, executionID string) bool {
	delete(client.subscribed, executionID)
	watchers, ok := h.watchers[executionID]
	if !ok {
		return false
	}
	delete(watchers, client)
	if len(watchers) > 0 {
		return false
	}
	delete(h.watchers, executionID)
	if sub, ok := h.upstreams[executionID]; ok {
		_ = sub.Unsubscribe()
		delete(h.upstreams, executionID)
	}
	h.logger.Debug("execution stream closed", zap.String("execution_id", executionID))
	return true
}
