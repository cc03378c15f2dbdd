package repository

import (
	"context"
	"errors"
	"time"

	"pyrexxbook/chat-service/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// ChatRepository is the durable store behind the messaging core.
type ChatRepository interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	UpdateUserLastSeen(ctx context.Context, id string, at time.Time) error

	// GetOrCreateConversation atomically returns the conversation for the
	// member pair of conv, inserting conv when none exists yet.
	GetOrCreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error)
	GetConversationByID(ctx context.Context, id string) (*models.Conversation, error)
	GetConversationByMembers(ctx context.Context, userID1, userID2 string) (*models.Conversation, error)
	GetUserConversations(ctx context.Context, userID string) ([]*models.Conversation, error)

	// CreateMessage persists msg and moves the owning conversation's
	// lastMessage/updatedAt in the same transaction. A repeated client id
	// for the same sender and conversation yields ErrConflict.
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessageByID(ctx context.Context, id string) (*models.Message, error)
	GetMessageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*models.Message, error)
	GetConversationMessages(ctx context.Context, conversationID string, limit int, beforeMessageID string) ([]*models.Message, error)
	GetUnseenMessages(ctx context.Context, conversationID, receiverID string) ([]*models.Message, error)

	// AdvanceMessageStatus moves a message forward to status, only from a
	// lower status. It reports false when the message was already at or past it.
	AdvanceMessageStatus(ctx context.Context, id string, status models.MessageStatus, at time.Time) (bool, error)

	InitializeTables(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

func predecessors(status models.MessageStatus) []models.MessageStatus {
	var out []models.MessageStatus
	for _, s := range []models.MessageStatus{models.StatusSent, models.StatusDelivered} {
		if s.Rank() < status.Rank() {
			out = append(out, s)
		}
	}
	return out
}
