package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pyrexxbook/chat-service/internal/models"
)

// memoryRepository keeps everything in process memory. Values are copied on
// the way in and out so callers never share state with the store.
type memoryRepository struct {
	mu            sync.RWMutex
	users         map[string]*models.User
	conversations map[string]*models.Conversation
	byMembers     map[string]string
	messages      map[string]*models.Message
	timeline      map[string][]string
}

func NewMemoryRepository() ChatRepository {
	return &memoryRepository{
		users:         make(map[string]*models.User),
		conversations: make(map[string]*models.Conversation),
		byMembers:     make(map[string]string),
		messages:      make(map[string]*models.Message),
		timeline:      make(map[string][]string),
	}
}

func copyUser(u *models.User) *models.User {
	c := *u
	if u.LastSeen != nil {
		t := *u.LastSeen
		c.LastSeen = &t
	}
	return &c
}

func copyConversation(conv *models.Conversation) *models.Conversation {
	c := *conv
	c.Members = append([]string(nil), conv.Members...)
	return &c
}

func copyMessage(msg *models.Message) *models.Message {
	c := *msg
	if msg.DeliveredAt != nil {
		t := *msg.DeliveredAt
		c.DeliveredAt = &t
	}
	if msg.SeenAt != nil {
		t := *msg.SeenAt
		c.SeenAt = &t
	}
	return &c
}

func (r *memoryRepository) InitializeTables(ctx context.Context) error { return nil }
func (r *memoryRepository) Ping(ctx context.Context) error             { return nil }
func (r *memoryRepository) Close() error                               { return nil }

func (r *memoryRepository) CreateUser(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.ID]; ok {
		return fmt.Errorf("user %s: %w", user.ID, ErrConflict)
	}
	for _, u := range r.users {
		if u.Username == user.Username {
			return fmt.Errorf("user %s: %w", user.Username, ErrConflict)
		}
	}
	r.users[user.ID] = copyUser(user)
	return nil
}

func (r *memoryRepository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return copyUser(u), nil
}

func (r *memoryRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.Username == username {
			return copyUser(u), nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
}

func (r *memoryRepository) ListUsers(ctx context.Context) ([]*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*models.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, copyUser(u))
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

func (r *memoryRepository) UpdateUserLastSeen(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	t := at.UTC()
	u.LastSeen = &t
	return nil
}

func (r *memoryRepository) GetOrCreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	if len(conv.Members) != 2 {
		return nil, fmt.Errorf("conversation needs exactly two members, got %d", len(conv.Members))
	}
	key := models.MemberKey(conv.Members[0], conv.Members[1])

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byMembers[key]; ok {
		return copyConversation(r.conversations[id]), nil
	}

	stored := copyConversation(conv)
	sort.Strings(stored.Members)
	r.conversations[stored.ID] = stored
	r.byMembers[key] = stored.ID
	return copyConversation(stored), nil
}

func (r *memoryRepository) GetConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return copyConversation(conv), nil
}

func (r *memoryRepository) GetConversationByMembers(ctx context.Context, userID1, userID2 string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byMembers[models.MemberKey(userID1, userID2)]
	if !ok {
		return nil, fmt.Errorf("conversation between %s and %s: %w", userID1, userID2, ErrNotFound)
	}
	return copyConversation(r.conversations[id]), nil
}

func (r *memoryRepository) GetUserConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var convs []*models.Conversation
	for _, conv := range r.conversations {
		if conv.HasMember(userID) {
			convs = append(convs, copyConversation(conv))
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID > convs[j].ID
	})
	return convs, nil
}

func (r *memoryRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[msg.ConversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}
	if _, ok := r.messages[msg.ID]; ok {
		return fmt.Errorf("message %s: %w", msg.ID, ErrConflict)
	}
	if msg.ClientID != "" {
		for _, id := range r.timeline[msg.ConversationID] {
			existing := r.messages[id]
			if existing.SenderID == msg.SenderID && existing.ClientID == msg.ClientID {
				return fmt.Errorf("message %s: %w", msg.ID, ErrConflict)
			}
		}
	}

	r.messages[msg.ID] = copyMessage(msg)
	r.timeline[msg.ConversationID] = append(r.timeline[msg.ConversationID], msg.ID)
	conv.LastMessage = msg.Text
	conv.UpdatedAt = msg.CreatedAt.UTC()
	return nil
}

func (r *memoryRepository) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return copyMessage(msg), nil
}

func (r *memoryRepository) GetMessageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.timeline[conversationID] {
		msg := r.messages[id]
		if msg.SenderID == senderID && msg.ClientID == clientID {
			return copyMessage(msg), nil
		}
	}
	return nil, fmt.Errorf("message with client id %s: %w", clientID, ErrNotFound)
}

func (r *memoryRepository) GetConversationMessages(ctx context.Context, conversationID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.timeline[conversationID]
	if beforeMessageID != "" {
		cut := 0
		for i, id := range ids {
			if id == beforeMessageID {
				cut = i
				break
			}
		}
		ids = ids[:cut]
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	messages := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		messages = append(messages, copyMessage(r.messages[id]))
	}
	return messages, nil
}

func (r *memoryRepository) GetUnseenMessages(ctx context.Context, conversationID, receiverID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var messages []*models.Message
	for _, id := range r.timeline[conversationID] {
		msg := r.messages[id]
		if msg.ReceiverID == receiverID && msg.Status != models.StatusSeen {
			messages = append(messages, copyMessage(msg))
		}
	}
	return messages, nil
}

func (r *memoryRepository) AdvanceMessageStatus(ctx context.Context, id string, status models.MessageStatus, at time.Time) (bool, error) {
	if len(predecessors(status)) == 0 {
		return false, fmt.Errorf("cannot advance message to status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return false, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if msg.Status.Rank() >= status.Rank() {
		return false, nil
	}

	at = at.UTC()
	msg.Status = status
	if msg.DeliveredAt == nil {
		t := at
		msg.DeliveredAt = &t
	}
	if status == models.StatusSeen {
		t := at
		msg.SeenAt = &t
	}
	return true, nil
}
