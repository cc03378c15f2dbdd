package service

import (
	"context"
	"errors"
	"time"

	"pyrexxbook/chat-service/internal/models"
	"pyrexxbook/chat-service/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ConversationService interface {
	GetOrCreate(ctx context.Context, userA, userB string) (*models.Conversation, error)
	Get(ctx context.Context, conversationID string) (*models.Conversation, error)
	ListFor(ctx context.Context, userID string) ([]*models.Conversation, error)
	IsMember(conv *models.Conversation, userID string) bool
}

type conversationService struct {
	repository repository.ChatRepository
	logger     *logrus.Logger
	now        func() time.Time
}

func NewConversationService(repo repository.ChatRepository, logger *logrus.Logger) ConversationService {
	return &conversationService{
		repository: repo,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *conversationService) GetOrCreate(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, ErrInvalidParticipants
	}

	now := s.now()
	candidate := &models.Conversation{
		ID:        uuid.New().String(),
		Members:   []string{userA, userB},
		CreatedAt: now,
		UpdatedAt: now,
	}

	conv, err := s.repository.GetOrCreateConversation(ctx, candidate)
	if errors.Is(err, repository.ErrConflict) {
		conv, err = s.repository.GetConversationByMembers(ctx, userA, userB)
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to get or create conversation")
		return nil, storeError(err)
	}

	if conv.ID == candidate.ID {
		s.logger.WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"user_a":          userA,
			"user_b":          userB,
		}).Info("Conversation created")
	}

	return conv, nil
}

func (s *conversationService) Get(ctx context.Context, conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, validationError("conversation id is required")
	}

	conv, err := s.repository.GetConversationByID(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.WithError(err).Error("Failed to get conversation")
		}
		return nil, storeError(err)
	}

	return conv, nil
}

func (s *conversationService) ListFor(ctx context.Context, userID string) ([]*models.Conversation, error) {
	if userID == "" {
		return nil, validationError("user id is required")
	}

	convs, err := s.repository.GetUserConversations(ctx, userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list user conversations")
		return nil, storeError(err)
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}

	return convs, nil
}

func (s *conversationService) IsMember(conv *models.Conversation, userID string) bool {
	return conv.HasMember(userID)
}
