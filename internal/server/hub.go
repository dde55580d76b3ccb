package server

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/havoclad/forgesteel/internal/room"
)

const defaultSendBuffer = 32

// ConnectedClient describes one live push channel. It exists only for the
// lifetime of the connection; durable room state is unaffected by its removal.
type ConnectedClient struct {
	ID          string
	Role        room.Role
	Name        string
	ConnectedAt time.Time
}

type hubSubscriber struct {
	client    ConnectedClient
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// close signals the connection's write pump to stop. The send channel itself
// is never closed, so concurrent fanout cannot race with teardown.
func (s *hubSubscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Hub is the in-memory connection registry and broadcast fanout. It is
// rebuilt empty on process restart; new connections reconcile via the
// snapshot pushed at register time. Delivery is fire-and-forget: a slow or
// dead channel has its messages dropped rather than stalling anyone else.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*hubSubscriber
	bufferSize  int
	logger      *zap.Logger
}

// NewHub constructs an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[string]*hubSubscriber),
		bufferSize:  defaultSendBuffer,
		logger:      logger,
	}
}

// Register adds a live channel for the identity, replacing (and closing) any
// previous channel registered under the same id. The returned subscriber's
// send channel feeds the connection's write pump.
func (h *Hub) Register(client ConnectedClient) *hubSubscriber {
	subscriber := &hubSubscriber{
		client: client,
		send:   make(chan []byte, h.bufferSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	previous := h.subscribers[client.ID]
	h.subscribers[client.ID] = subscriber
	h.mu.Unlock()
	if previous != nil {
		previous.close()
	}
	return subscriber
}

// Unregister removes the subscriber if it is still the one registered for its
// identity. A subscriber already replaced by a reconnect is left alone.
func (h *Hub) Unregister(subscriber *hubSubscriber) {
	if subscriber == nil {
		return
	}
	h.mu.Lock()
	if current, ok := h.subscribers[subscriber.client.ID]; ok && current == subscriber {
		delete(h.subscribers, subscriber.client.ID)
	}
	h.mu.Unlock()
	subscriber.close()
}

// Clients lists the connected clients in connection order.
func (h *Hub) Clients() []ConnectedClient {
	h.mu.RLock()
	clients := make([]ConnectedClient, 0, len(h.subscribers))
	for _, subscriber := range h.subscribers {
		clients = append(clients, subscriber.client)
	}
	h.mu.RUnlock()
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].ConnectedAt.Equal(clients[j].ConnectedAt) {
			return clients[i].ID < clients[j].ID
		}
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})
	return clients
}

// SetRoles recomputes every connected client's role against the current
// authority identity: director iff the ids match.
func (h *Hub) SetRoles(authorityID string) {
	h.mu.Lock()
	for id, subscriber := range h.subscribers {
		role := room.RolePlayer
		if authorityID != "" && id == authorityID {
			role = room.RoleDirector
		}
		subscriber.client.Role = role
	}
	h.mu.Unlock()
}

// SendTo delivers an event to a single identity's channel, if connected.
func (h *Hub) SendTo(clientID string, event any) {
	payload, err := encodeEvent(event)
	if err != nil {
		h.logger.Error("failed to encode push event", zap.Error(err))
		return
	}
	h.mu.RLock()
	subscriber := h.subscribers[clientID]
	h.mu.RUnlock()
	if subscriber == nil {
		return
	}
	h.deliver(subscriber, payload)
}

// Fanout delivers an event to every connected channel except the excluded
// originator. It never blocks the mutation path.
func (h *Hub) Fanout(event any, excludeClientID string) {
	payload, err := encodeEvent(event)
	if err != nil {
		h.logger.Error("failed to encode push event", zap.Error(err))
		return
	}
	h.mu.RLock()
	targets := make([]*hubSubscriber, 0, len(h.subscribers))
	for id, subscriber := range h.subscribers {
		if excludeClientID != "" && id == excludeClientID {
			continue
		}
		targets = append(targets, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range targets {
		h.deliver(subscriber, payload)
	}
}

func (h *Hub) deliver(subscriber *hubSubscriber, payload []byte) {
	select {
	case subscriber.send <- payload:
	default:
		h.logger.Warn("push channel full, dropping event",
			zap.String("client_id", subscriber.client.ID))
	}
}
