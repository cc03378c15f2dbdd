package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"pyrexxbook/chat-service/internal/models"
	"pyrexxbook/chat-service/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Outbound realtime events emitted by the delivery engine.
const (
	EventNewMessage           = "newMessage"
	EventMessageStatusUpdated = "messageStatusUpdated"
)

const (
	DefaultMaxMessageLength = 2000
	DefaultStoreTimeout     = 5 * time.Second
)

// PresenceChecker answers whether a user can be reached in real time.
type PresenceChecker interface {
	IsOnline(userID string) bool
}

// Notifier pushes events to realtime connections. Delivery is best effort.
type Notifier interface {
	EmitToRoom(conversationID, event string, payload any)
	EmitToUser(userID, event string, payload any)
}

type SendRequest struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Text           string `json:"text"`
	ClientID       string `json:"clientId,omitempty"`
}

// StatusUpdate is the payload of messageStatusUpdated.
type StatusUpdate struct {
	MessageID      string               `json:"messageId"`
	ConversationID string               `json:"conversationId"`
	Status         models.MessageStatus `json:"status"`
	DeliveredAt    *time.Time           `json:"deliveredAt,omitempty"`
	SeenAt         *time.Time           `json:"seenAt,omitempty"`
}

type MessageOptions struct {
	MaxMessageLength int
	StoreTimeout     time.Duration
}

type MessageService interface {
	Send(ctx context.Context, req SendRequest) (*models.Message, error)
	AcknowledgeDelivered(ctx context.Context, messageID, conversationID, actorID string) (*models.Message, error)
	AcknowledgeSeen(ctx context.Context, messageID, conversationID, actorID string) (*models.Message, error)
	MarkConversationSeen(ctx context.Context, conversationID, readerID string) (int, error)
	History(ctx context.Context, conversationID, actorID string, limit int, beforeMessageID string) ([]*models.Message, error)
}

type messageService struct {
	repository repository.ChatRepository
	presence   PresenceChecker
	notifier   Notifier
	logger     *logrus.Logger
	opts       MessageOptions
	locks      *keyedMutex
	now        func() time.Time
}

func NewMessageService(repo repository.ChatRepository, presence PresenceChecker, notifier Notifier, logger *logrus.Logger, opts MessageOptions) MessageService {
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = DefaultMaxMessageLength
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	return &messageService{
		repository: repo,
		presence:   presence,
		notifier:   notifier,
		logger:     logger,
		opts:       opts,
		locks:      newKeyedMutex(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *messageService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

func (s *messageService) validate(req *SendRequest) error {
	switch {
	case req.ConversationID == "":
		return validationError("conversationId is required")
	case req.SenderID == "":
		return validationError("senderId is required")
	case req.ReceiverID == "":
		return validationError("receiverId is required")
	}

	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return validationError("text must not be empty")
	}
	if n := utf8.RuneCountInString(req.Text); n > s.opts.MaxMessageLength {
		return validationError("text is %d characters, limit is %d", n, s.opts.MaxMessageLength)
	}
	return nil
}

// Send persists a message and fans it out. The per-conversation lock is held
// across persist and emit so room order matches storage order.
func (s *messageService) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.ConversationID)
	defer unlock()

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	conv, err := s.repository.GetConversationByID(ctx, req.ConversationID)
	if err != nil {
		return nil, storeError(err)
	}
	if req.SenderID == req.ReceiverID || !conv.HasMember(req.SenderID) || !conv.HasMember(req.ReceiverID) {
		return nil, ErrForbidden
	}

	if req.ClientID != "" {
		existing, err := s.repository.GetMessageByClientID(ctx, req.ConversationID, req.SenderID, req.ClientID)
		if err == nil {
			s.emitMessage(existing)
			return existing, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, storeError(err)
		}
	}

	now := s.now()
	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Text:           req.Text,
		Status:         models.StatusSent,
		ClientID:       req.ClientID,
		CreatedAt:      now,
	}
	// A receiver that disconnects between this check and the write still
	// gets "delivered"; clients reconcile from history on reconnect.
	if s.presence.IsOnline(req.ReceiverID) {
		deliveredAt := now
		msg.Status = models.StatusDelivered
		msg.DeliveredAt = &deliveredAt
	}

	if err := s.repository.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrConflict) && req.ClientID != "" {
			existing, getErr := s.repository.GetMessageByClientID(ctx, req.ConversationID, req.SenderID, req.ClientID)
			if getErr == nil {
				s.emitMessage(existing)
				return existing, nil
			}
		}
		s.logger.WithError(err).WithField("conversation_id", req.ConversationID).Error("Failed to persist message")
		return nil, storeError(err)
	}

	s.logger.WithFields(logrus.Fields{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"status":          msg.Status,
	}).Info("Message sent")

	s.emitMessage(msg)
	return msg, nil
}

func (s *messageService) emitMessage(msg *models.Message) {
	s.notifier.EmitToRoom(msg.ConversationID, EventNewMessage, msg)
	s.notifier.EmitToUser(msg.ReceiverID, EventNewMessage, msg)
	s.notifier.EmitToUser(msg.SenderID, EventNewMessage, msg)
}

func (s *messageService) AcknowledgeDelivered(ctx context.Context, messageID, conversationID, actorID string) (*models.Message, error) {
	return s.acknowledge(ctx, messageID, conversationID, actorID, models.StatusDelivered)
}

func (s *messageService) AcknowledgeSeen(ctx context.Context, messageID, conversationID, actorID string) (*models.Message, error) {
	return s.acknowledge(ctx, messageID, conversationID, actorID, models.StatusSeen)
}

func (s *messageService) acknowledge(ctx context.Context, messageID, conversationID, actorID string, status models.MessageStatus) (*models.Message, error) {
	if messageID == "" || conversationID == "" {
		return nil, validationError("messageId and conversationId are required")
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	msg, err := s.repository.GetMessageByID(ctx, messageID)
	if err != nil {
		return nil, storeError(err)
	}
	if msg.ConversationID != conversationID {
		return nil, ErrNotFound
	}
	if actorID != msg.ReceiverID {
		return nil, ErrForbidden
	}

	msg, _, err = s.advance(ctx, msg, status)
	return msg, err
}

// advance moves msg forward to status and broadcasts the change. The caller
// holds the conversation lock.
func (s *messageService) advance(ctx context.Context, msg *models.Message, status models.MessageStatus) (*models.Message, bool, error) {
	if msg.Status.Rank() >= status.Rank() {
		return msg, false, nil
	}

	changed, err := s.repository.AdvanceMessageStatus(ctx, msg.ID, status, s.now())
	if err != nil {
		s.logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to advance message status")
		return nil, false, storeError(err)
	}

	current, err := s.repository.GetMessageByID(ctx, msg.ID)
	if err != nil {
		return nil, false, storeError(err)
	}
	if !changed {
		return current, false, nil
	}

	s.logger.WithFields(logrus.Fields{
		"message_id":      current.ID,
		"conversation_id": current.ConversationID,
		"status":          current.Status,
	}).Debug("Message status advanced")

	update := StatusUpdate{
		MessageID:      current.ID,
		ConversationID: current.ConversationID,
		Status:         current.Status,
		DeliveredAt:    current.DeliveredAt,
		SeenAt:         current.SeenAt,
	}
	s.notifier.EmitToRoom(current.ConversationID, EventMessageStatusUpdated, update)
	s.notifier.EmitToUser(current.SenderID, EventMessageStatusUpdated, update)
	return current, true, nil
}

func (s *messageService) MarkConversationSeen(ctx context.Context, conversationID, readerID string) (int, error) {
	if conversationID == "" || readerID == "" {
		return 0, validationError("conversationId and userId are required")
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	conv, err := s.repository.GetConversationByID(ctx, conversationID)
	if err != nil {
		return 0, storeError(err)
	}
	if !conv.HasMember(readerID) {
		return 0, ErrForbidden
	}

	unseen, err := s.repository.GetUnseenMessages(ctx, conversationID, readerID)
	if err != nil {
		return 0, storeError(err)
	}

	count := 0
	for _, msg := range unseen {
		_, changed, err := s.advance(ctx, msg, models.StatusSeen)
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}

func (s *messageService) History(ctx context.Context, conversationID, actorID string, limit int, beforeMessageID string) ([]*models.Message, error) {
	if conversationID == "" {
		return nil, validationError("conversationId is required")
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	conv, err := s.repository.GetConversationByID(ctx, conversationID)
	if err != nil {
		return nil, storeError(err)
	}
	if !conv.HasMember(actorID) {
		return nil, ErrForbidden
	}

	messages, err := s.repository.GetConversationMessages(ctx, conversationID, limit, beforeMessageID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get conversation messages")
		return nil, storeError(err)
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	return messages, nil
}
