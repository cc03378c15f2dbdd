package grpc

import (
	"context"
	"io"
	"testing"

	"pyrexxbook/chat-service/internal/presence"
	"pyrexxbook/chat-service/internal/repository"
	"pyrexxbook/chat-service/internal/service"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/kegazani/metachat-proto/chat"
)

type noopNotifier struct{}

func (noopNotifier) EmitToRoom(string, string, any) {}
func (noopNotifier) EmitToUser(string, string, any) {}

func newTestServer() *ChatServer {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo := repository.NewMemoryRepository()
	conversations := service.NewConversationService(repo, logger)
	messages := service.NewMessageService(repo, presence.NewRegistry(), noopNotifier{}, logger, service.MessageOptions{})
	return NewChatServer(conversations, messages, logger)
}

func TestChatLifecycle(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	created, err := s.CreateChat(ctx, &pb.CreateChatRequest{UserId1: "u2", UserId2: "u1"})
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	again, err := s.CreateChat(ctx, &pb.CreateChatRequest{UserId1: "u1", UserId2: "u2"})
	if err != nil {
		t.Fatalf("CreateChat again: %v", err)
	}
	if created.Chat.Id != again.Chat.Id {
		t.Errorf("Expected one chat per pair, got %s and %s", created.Chat.Id, again.Chat.Id)
	}

	sent, err := s.SendMessage(ctx, &pb.SendMessageRequest{ChatId: created.Chat.Id, SenderId: "u1", Content: " hi "})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.Message.Content != "hi" || sent.Message.ReadAt != nil {
		t.Errorf("Unexpected message: %+v", sent.Message)
	}

	history, err := s.GetChatMessages(ctx, &pb.GetChatMessagesRequest{ChatId: created.Chat.Id})
	if err != nil {
		t.Fatalf("GetChatMessages: %v", err)
	}
	if len(history.Messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(history.Messages))
	}

	marked, err := s.MarkMessagesAsRead(ctx, &pb.MarkMessagesAsReadRequest{ChatId: created.Chat.Id, UserId: "u2"})
	if err != nil {
		t.Fatalf("MarkMessagesAsRead: %v", err)
	}
	if marked.MarkedCount != 1 {
		t.Errorf("Expected 1 marked, got %d", marked.MarkedCount)
	}

	history, _ = s.GetChatMessages(ctx, &pb.GetChatMessagesRequest{ChatId: created.Chat.Id, Limit: 500})
	if history.Messages[0].ReadAt == nil {
		t.Error("Expected readAt after marking as read")
	}

	chats, err := s.GetUserChats(ctx, &pb.GetUserChatsRequest{UserId: "u2"})
	if err != nil || len(chats.Chats) != 1 {
		t.Errorf("GetUserChats: %v, %d chats", err, len(chats.GetChats()))
	}
}

func TestStatusMapping(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	created, _ := s.CreateChat(ctx, &pb.CreateChatRequest{UserId1: "u1", UserId2: "u2"})

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{
			name: "same user twice",
			call: func() error {
				_, err := s.CreateChat(ctx, &pb.CreateChatRequest{UserId1: "u1", UserId2: "u1"})
				return err
			},
			want: codes.InvalidArgument,
		},
		{
			name: "unknown chat",
			call: func() error {
				_, err := s.GetChat(ctx, &pb.GetChatRequest{ChatId: "missing"})
				return err
			},
			want: codes.NotFound,
		},
		{
			name: "outsider sends",
			call: func() error {
				_, err := s.SendMessage(ctx, &pb.SendMessageRequest{ChatId: created.Chat.Id, SenderId: "u3", Content: "x"})
				return err
			},
			want: codes.PermissionDenied,
		},
		{
			name: "empty content",
			call: func() error {
				_, err := s.SendMessage(ctx, &pb.SendMessageRequest{ChatId: created.Chat.Id, SenderId: "u1", Content: "  "})
				return err
			},
			want: codes.InvalidArgument,
		},
		{
			name: "outsider marks read",
			call: func() error {
				_, err := s.MarkMessagesAsRead(ctx, &pb.MarkMessagesAsReadRequest{ChatId: created.Chat.Id, UserId: "u3"})
				return err
			},
			want: codes.PermissionDenied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := status.Code(tt.call()); got != tt.want {
				t.Errorf("got %v want %v", got, tt.want)
			}
		})
	}
}
