// Package presence tracks which users currently hold live realtime
// connections. A user may hold several connections at once (tabs, devices)
// and stays online until the last one leaves.
package presence

import (
	"sort"
	"sync"
	"time"

	"pyrexxbook/chat-service/internal/models"
)

// Meta is the per-user presence view broadcast to clients.
type Meta struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
	Name     string     `json:"name,omitempty"`
	Avatar   string     `json:"avatar,omitempty"`
}

// Transition describes the effect of a Join or Leave on a user.
type Transition struct {
	UserID  string
	Changed bool
	At      time.Time
}

type Registry struct {
	mu       sync.RWMutex
	conns    map[string]map[string]struct{}
	owners   map[string]string
	lastSeen map[string]time.Time
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]map[string]struct{}),
		owners:   make(map[string]string),
		lastSeen: make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Join registers connID under userID. Joining again with the same handle is a
// no-op; a handle already owned by another user is moved. Changed is true
// when the user went from offline to online.
func (r *Registry) Join(userID, connID string) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[connID]; ok {
		if owner == userID {
			return Transition{UserID: userID, At: r.now()}
		}
		r.removeLocked(connID)
	}

	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	set[connID] = struct{}{}
	r.owners[connID] = userID

	return Transition{UserID: userID, Changed: len(set) == 1, At: r.now()}
}

// Leave removes connID from its owner. Changed is true when that was the
// owner's last connection; the owner's last-seen time is stamped then.
func (r *Registry) Leave(connID string) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(connID)
}

func (r *Registry) removeLocked(connID string) Transition {
	userID, ok := r.owners[connID]
	if !ok {
		return Transition{At: r.now()}
	}
	delete(r.owners, connID)

	now := r.now()
	set := r.conns[userID]
	delete(set, connID)
	if len(set) > 0 {
		return Transition{UserID: userID, At: now}
	}

	delete(r.conns, userID)
	r.lastSeen[userID] = now
	return Transition{UserID: userID, Changed: true, At: now}
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns[userID]) > 0
}

// ConnectionsFor returns a copy of the user's connection ids.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UserOf returns the user a connection was joined under.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.owners[connID]
	return userID, ok
}

func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.conns))
	for userID := range r.conns {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// LastSeen returns when the user's last connection closed in this process.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.lastSeen[userID]
	return t, ok
}

// Snapshot lists every user that is online or has been seen, sorted by id.
func (r *Registry) Snapshot() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.conns)+len(r.lastSeen))
	out := make([]Meta, 0, len(r.conns)+len(r.lastSeen))
	for userID := range r.conns {
		seen[userID] = struct{}{}
		out = append(out, Meta{UserID: userID, IsOnline: true, LastSeen: r.lastSeenPtr(userID)})
	}
	for userID := range r.lastSeen {
		if _, ok := seen[userID]; ok {
			continue
		}
		out = append(out, Meta{UserID: userID, LastSeen: r.lastSeenPtr(userID)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) lastSeenPtr(userID string) *time.Time {
	t, ok := r.lastSeen[userID]
	if !ok {
		return nil
	}
	return &t
}

// Describe merges live presence into users' display fields. The in-process
// last-seen time wins over the stored one.
func (r *Registry) Describe(users []*models.User) []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Meta, 0, len(users))
	for _, u := range users {
		m := Meta{
			UserID:   u.ID,
			IsOnline: len(r.conns[u.ID]) > 0,
			LastSeen: u.LastSeen,
			Name:     u.Name,
			Avatar:   u.Avatar,
		}
		if t := r.lastSeenPtr(u.ID); t != nil {
			m.LastSeen = t
		}
		out = append(out, m)
	}
	return out
}
