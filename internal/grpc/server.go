package grpc

import (
	"context"

	"pyrexxbook/chat-service/internal/models"
	"pyrexxbook/chat-service/internal/service"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	pb "github.com/kegazani/metachat-proto/chat"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 100
)

// ChatServer exposes conversations and messages to other services. Callers
// are trusted backends, so history reads are not tied to an end user.
type ChatServer struct {
	pb.UnimplementedChatServiceServer
	conversations service.ConversationService
	messages      service.MessageService
	logger        *logrus.Logger
}

func NewChatServer(conversations service.ConversationService, messages service.MessageService, logger *logrus.Logger) *ChatServer {
	return &ChatServer{
		conversations: conversations,
		messages:      messages,
		logger:        logger,
	}
}

func (s *ChatServer) CreateChat(ctx context.Context, req *pb.CreateChatRequest) (*pb.CreateChatResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"user_id1": req.UserId1,
		"user_id2": req.UserId2,
	}).Info("Creating chat via gRPC")

	conv, err := s.conversations.GetOrCreate(ctx, req.UserId1, req.UserId2)
	if err != nil {
		return nil, s.toStatus(err, "failed to create chat")
	}

	return &pb.CreateChatResponse{
		Chat: chatToProto(conv),
	}, nil
}

func (s *ChatServer) GetChat(ctx context.Context, req *pb.GetChatRequest) (*pb.GetChatResponse, error) {
	s.logger.WithField("chat_id", req.ChatId).Debug("Getting chat via gRPC")

	conv, err := s.conversations.Get(ctx, req.ChatId)
	if err != nil {
		return nil, s.toStatus(err, "failed to get chat")
	}

	return &pb.GetChatResponse{
		Chat: chatToProto(conv),
	}, nil
}

func (s *ChatServer) GetUserChats(ctx context.Context, req *pb.GetUserChatsRequest) (*pb.GetUserChatsResponse, error) {
	s.logger.WithField("user_id", req.UserId).Debug("Getting user chats via gRPC")

	convs, err := s.conversations.ListFor(ctx, req.UserId)
	if err != nil {
		return nil, s.toStatus(err, "failed to get user chats")
	}

	protoChats := make([]*pb.Chat, len(convs))
	for i, c := range convs {
		protoChats[i] = chatToProto(c)
	}

	return &pb.GetUserChatsResponse{
		Chats: protoChats,
	}, nil
}

// SendMessage addresses the message to the other member of the chat.
func (s *ChatServer) SendMessage(ctx context.Context, req *pb.SendMessageRequest) (*pb.SendMessageResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"chat_id":   req.ChatId,
		"sender_id": req.SenderId,
	}).Info("Sending message via gRPC")

	conv, err := s.conversations.Get(ctx, req.ChatId)
	if err != nil {
		return nil, s.toStatus(err, "failed to send message")
	}
	if !s.conversations.IsMember(conv, req.SenderId) {
		return nil, status.Error(codes.PermissionDenied, "user is not a participant in this chat")
	}

	msg, err := s.messages.Send(ctx, service.SendRequest{
		ConversationID: conv.ID,
		SenderID:       req.SenderId,
		ReceiverID:     conv.Peer(req.SenderId),
		Text:           req.Content,
	})
	if err != nil {
		return nil, s.toStatus(err, "failed to send message")
	}

	return &pb.SendMessageResponse{
		Message: messageToProto(msg),
	}, nil
}

func (s *ChatServer) GetChatMessages(ctx context.Context, req *pb.GetChatMessagesRequest) (*pb.GetChatMessagesResponse, error) {
	s.logger.WithField("chat_id", req.ChatId).Debug("Getting chat messages via gRPC")

	limit := int(req.Limit)
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	conv, err := s.conversations.Get(ctx, req.ChatId)
	if err != nil {
		return nil, s.toStatus(err, "failed to get chat messages")
	}

	messages, err := s.messages.History(ctx, conv.ID, conv.Members[0], limit, req.BeforeMessageId)
	if err != nil {
		return nil, s.toStatus(err, "failed to get chat messages")
	}

	protoMessages := make([]*pb.Message, len(messages))
	for i, m := range messages {
		protoMessages[i] = messageToProto(m)
	}

	return &pb.GetChatMessagesResponse{
		Messages: protoMessages,
	}, nil
}

func (s *ChatServer) MarkMessagesAsRead(ctx context.Context, req *pb.MarkMessagesAsReadRequest) (*pb.MarkMessagesAsReadResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"chat_id": req.ChatId,
		"user_id": req.UserId,
	}).Info("Marking messages as read via gRPC")

	count, err := s.messages.MarkConversationSeen(ctx, req.ChatId, req.UserId)
	if err != nil {
		return nil, s.toStatus(err, "failed to mark messages as read")
	}

	return &pb.MarkMessagesAsReadResponse{
		MarkedCount: int32(count),
	}, nil
}

func (s *ChatServer) toStatus(err error, msg string) error {
	var code codes.Code
	switch service.Code(err) {
	case service.CodeValidation:
		code = codes.InvalidArgument
	case service.CodeNotFound:
		code = codes.NotFound
	case service.CodeForbidden:
		code = codes.PermissionDenied
	case service.CodeConflict:
		code = codes.AlreadyExists
	case service.CodeUnauthorized:
		code = codes.Unauthenticated
	case service.CodeUnavailable:
		code = codes.Unavailable
	default:
		s.logger.WithError(err).Error(msg)
		return status.Errorf(codes.Internal, "%s", msg)
	}
	return status.Errorf(code, "%s: %v", msg, err)
}

func chatToProto(conv *models.Conversation) *pb.Chat {
	chat := &pb.Chat{
		Id:        conv.ID,
		CreatedAt: timestamppb.New(conv.CreatedAt),
		UpdatedAt: timestamppb.New(conv.UpdatedAt),
	}
	if len(conv.Members) == 2 {
		chat.UserId1 = conv.Members[0]
		chat.UserId2 = conv.Members[1]
	}
	return chat
}

func messageToProto(msg *models.Message) *pb.Message {
	protoMsg := &pb.Message{
		Id:        msg.ID,
		ChatId:    msg.ConversationID,
		SenderId:  msg.SenderID,
		Content:   msg.Text,
		CreatedAt: timestamppb.New(msg.CreatedAt),
	}

	if msg.SeenAt != nil {
		protoMsg.ReadAt = timestamppb.New(*msg.SeenAt)
	}

	return protoMsg
}
