package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/traderdesk/traderdesk/internal/shared"
)

// Envelope is a single message delivered to connected clients.
type Envelope struct {
	Type    string    `json:"type"`
	Room    string    `json:"room"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Client is one connected subscriber. Messages are delivered on Ch; slow
// clients drop messages rather than block the hub.
type Client struct {
	ID       string
	Identity shared.Identity
	Ch       chan Envelope

	rooms    map[string]struct{}
	lastSeen time.Time
}

// PrincipalRoom is the private room every client auto-joins.
func PrincipalRoom(ident shared.Identity) string {
	return fmt.Sprintf("%s:%d", ident.Kind, ident.ID)
}

// Hub is the in-process connection registry. One mutex guards both maps;
// connect, disconnect and broadcast all run under it.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewHub constructs an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		logger:  logger,
		now:     time.Now,
	}
}

// Register connects a client and joins its private room.
func (h *Hub) Register(ident shared.Identity, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	c := &Client{
		ID:       uuid.NewString(),
		Identity: ident,
		Ch:       make(chan Envelope, buffer),
		rooms:    make(map[string]struct{}),
		lastSeen: h.now(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	h.joinLocked(c, PrincipalRoom(ident))
	return c
}

// Unregister disconnects the client and removes it from every room.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return
	}
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.clients, clientID)
	close(c.Ch)
}

// Join subscribes the client to a room.
func (h *Hub) Join(clientID, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return false
	}
	h.joinLocked(c, room)
	return true
}

// Leave unsubscribes the client from a room.
func (h *Hub) Leave(clientID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		h.leaveLocked(c, room)
	}
}

func (h *Hub) joinLocked(c *Client, room string) {
	c.rooms[room] = struct{}{}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[c.ID] = c
}

func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Broadcast delivers the envelope to every member of the room. Full client
// buffers are skipped; the dropped counter is returned for observability.
func (h *Hub) Broadcast(room string, env Envelope) (delivered, dropped int) {
	if env.SentAt.IsZero() {
		env.SentAt = h.now().UTC()
	}
	env.Room = room

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.rooms[room] {
		select {
		case c.Ch <- env:
			c.lastSeen = h.now()
			delivered++
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("notify broadcast dropped messages", "room", room, "dropped", dropped)
	}
	return delivered, dropped
}

// NotifyPrincipal sends a direct message to one principal's private room.
func (h *Hub) NotifyPrincipal(ident shared.Identity, env Envelope) (int, int) {
	return h.Broadcast(PrincipalRoom(ident), env)
}

// Touch marks the client as alive, called on every heartbeat.
func (h *Hub) Touch(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.lastSeen = h.now()
	}
}

// PruneIdle disconnects clients silent for longer than maxIdle and returns
// how many were removed. Wired to a background ticker.
func (h *Hub) PruneIdle(maxIdle time.Duration) int {
	cutoff := h.now().Add(-maxIdle)

	h.mu.Lock()
	var stale []string
	for id, c := range h.clients {
		if c.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.Unregister(id)
	}
	if len(stale) > 0 {
		h.logger.Info("pruned idle notify clients", "count", len(stale))
	}
	return len(stale)
}

// Stats reports current registry sizes.
func (h *Hub) Stats() (clients, rooms int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients), len(h.rooms)
}
