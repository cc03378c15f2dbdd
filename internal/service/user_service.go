package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"pyrexxbook/chat-service/internal/auth"
	"pyrexxbook/chat-service/internal/models"
	"pyrexxbook/chat-service/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const DefaultAvatar = "/uploads/default.png"

const (
	minPasswordLength = 6
	// bcrypt rejects longer inputs.
	maxPasswordBytes = 72
)

type UserService interface {
	Register(ctx context.Context, name, username, password string) (*models.User, error)
	Authenticate(ctx context.Context, username, password string) (*models.User, error)
	Get(ctx context.Context, userID string) (*models.User, error)
	List(ctx context.Context) ([]*models.User, error)
	MarkLastSeen(ctx context.Context, userID string, at time.Time) error
}

type userService struct {
	repository repository.ChatRepository
	logger     *logrus.Logger
	now        func() time.Time
}

func NewUserService(repo repository.ChatRepository, logger *logrus.Logger) UserService {
	return &userService{
		repository: repo,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register creates an account. An empty username is derived from the name.
func (s *userService) Register(ctx context.Context, name, username, password string) (*models.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("name is required")
	}
	if len(password) < minPasswordLength {
		return nil, validationError("password must be at least %d characters", minPasswordLength)
	}
	if len(password) > maxPasswordBytes {
		return nil, validationError("password must be at most %d bytes", maxPasswordBytes)
	}
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		username = strings.ToLower(strings.Join(strings.Fields(name), ""))
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Name:         name,
		Username:     username,
		Avatar:       DefaultAvatar,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	if err := s.repository.CreateUser(ctx, user); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			s.logger.WithError(err).Error("Failed to create user")
		}
		return nil, storeError(err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
	}).Info("User registered")

	return user, nil
}

func (s *userService) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.repository.GetUserByUsername(ctx, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return nil, ErrUnauthorized
	}
	return user, nil
}

func (s *userService) Get(ctx context.Context, userID string) (*models.User, error) {
	if userID == "" {
		return nil, validationError("user id is required")
	}
	user, err := s.repository.GetUserByID(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	return user, nil
}

func (s *userService) List(ctx context.Context) ([]*models.User, error) {
	users, err := s.repository.ListUsers(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list users")
		return nil, storeError(err)
	}
	if users == nil {
		users = []*models.User{}
	}
	return users, nil
}

func (s *userService) MarkLastSeen(ctx context.Context, userID string, at time.Time) error {
	return storeError(s.repository.UpdateUserLastSeen(ctx, userID, at))
}
