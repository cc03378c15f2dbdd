// Package gateway is the websocket transport: it owns connections and rooms,
// routes inbound events to the services and fans outbound events out.
package gateway

import (
	"context"
	"time"

	"pyrexxbook/chat-service/internal/presence"
	"pyrexxbook/chat-service/internal/service"

	"github.com/sirupsen/logrus"
)

const presenceTimeout = 5 * time.Second

type subscription struct {
	client *Client
	room   string
	join   bool
}

// delivery is one outbound frame and its audience.
type delivery struct {
	room    string
	connIDs []string
	all     bool
	except  *Client
	payload []byte
}

// Hub owns the connection table and room membership. All maps are touched
// only by the Run goroutine.
type Hub struct {
	clients map[string]*Client
	rooms   map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	outbound   chan delivery
	presence   chan struct{}
	done       chan struct{}

	registry *presence.Registry
	users    service.UserService
	logger   *logrus.Logger
}

func NewHub(registry *presence.Registry, users service.UserService, logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		outbound:   make(chan delivery, 256),
		presence:   make(chan struct{}, 1),
		done:       make(chan struct{}),
		registry:   registry,
		users:      users,
		logger:     logger,
	}
}

// Run processes hub operations until ctx is cancelled, then closes every
// connection's send queue.
func (h *Hub) Run(ctx context.Context) {
	go h.presenceLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.rooms = make(map[string]map[*Client]struct{})
			close(h.done)
			return
		case c := <-h.register:
			h.clients[c.id] = c
		case c := <-h.unregister:
			h.drop(c)
			h.leavePresence(c)
		case s := <-h.subscribe:
			h.applySubscription(s)
		case d := <-h.outbound:
			h.deliver(d)
		}
	}
}

func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) JoinRoom(c *Client, room string) {
	h.send(h.subscribe, subscription{client: c, room: room, join: true})
}

func (h *Hub) LeaveRoom(c *Client, room string) {
	h.send(h.subscribe, subscription{client: c, room: room})
}

func (h *Hub) send(ch chan subscription, s subscription) {
	select {
	case ch <- s:
	case <-h.done:
	}
}

// EmitToRoom implements service.Notifier.
func (h *Hub) EmitToRoom(conversationID, event string, payload any) {
	h.emit(delivery{room: conversationID}, event, payload)
}

// EmitToUser implements service.Notifier. It reaches every connection the
// user joined presence with.
func (h *Hub) EmitToUser(userID, event string, payload any) {
	connIDs := h.registry.ConnectionsFor(userID)
	if len(connIDs) == 0 {
		return
	}
	h.emit(delivery{connIDs: connIDs}, event, payload)
}

// relay sends to a room, skipping the originating connection.
func (h *Hub) relay(from *Client, room, event string, payload any) {
	h.emit(delivery{room: room, except: from}, event, payload)
}

func (h *Hub) broadcast(event string, payload any) {
	h.emit(delivery{all: true}, event, payload)
}

func (h *Hub) emit(d delivery, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("Failed to encode event")
		return
	}
	d.payload = data

	select {
	case h.outbound <- d:
	case <-h.done:
	}
}

func (h *Hub) deliver(d delivery) {
	switch {
	case d.all:
		for _, c := range h.clients {
			h.push(c, d.payload)
		}
	case d.room != "":
		for c := range h.rooms[d.room] {
			if c != d.except {
				h.push(c, d.payload)
			}
		}
	}
	for _, id := range d.connIDs {
		if c, ok := h.clients[id]; ok {
			h.push(c, d.payload)
		}
	}
}

// push queues payload without blocking. A connection whose queue is full is
// dropped.
func (h *Hub) push(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.logger.WithFields(logrus.Fields{
			"connection_id": c.id,
			"user_id":       c.userID,
		}).Warn("Dropping slow websocket connection")
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	close(c.send)
}

func (h *Hub) applySubscription(s subscription) {
	if _, ok := h.clients[s.client.id]; !ok {
		return
	}
	members, ok := h.rooms[s.room]
	if s.join {
		if !ok {
			members = make(map[*Client]struct{})
			h.rooms[s.room] = members
		}
		members[s.client] = struct{}{}
		return
	}
	if ok {
		delete(members, s.client)
		if len(members) == 0 {
			delete(h.rooms, s.room)
		}
	}
}

// joinPresence marks the connection's user online and schedules a presence
// broadcast.
func (h *Hub) joinPresence(c *Client) {
	t := h.registry.Join(c.userID, c.id)
	if t.Changed {
		h.logger.WithField("user_id", c.userID).Info("User online")
	}
	h.notifyPresence()
}

func (h *Hub) leavePresence(c *Client) {
	if _, ok := h.registry.UserOf(c.id); !ok {
		return
	}
	t := h.registry.Leave(c.id)
	if t.Changed {
		h.logger.WithField("user_id", t.UserID).Info("User offline")
		go h.persistLastSeen(t.UserID, t.At)
	}
	h.notifyPresence()
}

func (h *Hub) persistLastSeen(userID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	if err := h.users.MarkLastSeen(ctx, userID, at); err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Warn("Failed to persist last seen")
	}
}

// notifyPresence coalesces bursts of transitions into one broadcast.
func (h *Hub) notifyPresence() {
	select {
	case h.presence <- struct{}{}:
	default:
	}
}

func (h *Hub) presenceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.presence:
			h.broadcast(EventOnlineUsers, h.registry.OnlineUsers())
			h.broadcast(EventOnlineUsersMeta, h.presenceMeta(ctx))
		}
	}
}

func (h *Hub) presenceMeta(ctx context.Context) []presence.Meta {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()

	users, err := h.users.List(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to load users for presence, sending bare view")
		return h.registry.Snapshot()
	}
	return h.registry.Describe(users)
}
