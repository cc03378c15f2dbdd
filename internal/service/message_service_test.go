package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pyrexxbook/chat-service/internal/models"
	"pyrexxbook/chat-service/internal/presence"
	"pyrexxbook/chat-service/internal/repository"

	"github.com/sirupsen/logrus"
)

type emitted struct {
	target  string
	event   string
	payload any
}

type recordingNotifier struct {
	mu    sync.Mutex
	rooms []emitted
	users []emitted
}

func (n *recordingNotifier) EmitToRoom(conversationID, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rooms = append(n.rooms, emitted{target: conversationID, event: event, payload: payload})
}

func (n *recordingNotifier) EmitToUser(userID, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, emitted{target: userID, event: event, payload: payload})
}

func (n *recordingNotifier) roomEvents(event string) []emitted {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []emitted
	for _, e := range n.rooms {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (n *recordingNotifier) userEvents(userID, event string) []emitted {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []emitted
	for _, e := range n.users {
		if e.target == userID && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	repo          repository.ChatRepository
	presence      *presence.Registry
	notifier      *recordingNotifier
	conversations ConversationService
	messages      MessageService
	conv          *models.Conversation
}

// newFixture reproduces the starting point of the alice/bob scenarios:
// u1 and u2 share conversation conv, both offline.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	registry := presence.NewRegistry()
	notifier := &recordingNotifier{}
	logger := testLogger()

	f := &fixture{
		repo:          repo,
		presence:      registry,
		notifier:      notifier,
		conversations: NewConversationService(repo, logger),
		messages:      NewMessageService(repo, registry, notifier, logger, MessageOptions{MaxMessageLength: 20}),
	}

	conv, err := f.conversations.GetOrCreate(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	f.conv = conv
	return f
}

func (f *fixture) send(t *testing.T, text string) *models.Message {
	t.Helper()
	msg, err := f.messages.Send(context.Background(), SendRequest{
		ConversationID: f.conv.ID,
		SenderID:       "u1",
		ReceiverID:     "u2",
		Text:           text,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	return msg
}

func TestSendToOfflineReceiver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if f.conv.LastMessage != "" {
		t.Errorf("Expected empty lastMessage on create, got %q", f.conv.LastMessage)
	}

	m1 := f.send(t, "hi")
	if m1.Status != models.StatusSent {
		t.Errorf("Expected status sent, got %s", m1.Status)
	}
	if m1.DeliveredAt != nil {
		t.Errorf("Expected nil deliveredAt, got %v", m1.DeliveredAt)
	}

	conv, _ := f.conversations.Get(ctx, f.conv.ID)
	if conv.LastMessage != "hi" {
		t.Errorf("Expected lastMessage 'hi', got %q", conv.LastMessage)
	}
	if !conv.UpdatedAt.Equal(m1.CreatedAt) {
		t.Errorf("Expected updatedAt %v, got %v", m1.CreatedAt, conv.UpdatedAt)
	}

	history, _ := f.messages.History(ctx, f.conv.ID, "u1", 0, "")
	if len(history) != 1 {
		t.Errorf("Expected exactly one persisted message, got %d", len(history))
	}

	if got := f.notifier.roomEvents(EventNewMessage); len(got) != 1 || got[0].target != f.conv.ID {
		t.Errorf("Expected one newMessage to the room, got %v", got)
	}
	if got := f.notifier.userEvents("u2", EventNewMessage); len(got) != 1 {
		t.Errorf("Expected one newMessage to the receiver, got %d", len(got))
	}
}

func TestSendToOnlineReceiver(t *testing.T) {
	f := newFixture(t)
	f.send(t, "hi")

	f.presence.Join("u2", "h")
	m2 := f.send(t, "hi again")

	if m2.Status != models.StatusDelivered {
		t.Errorf("Expected status delivered, got %s", m2.Status)
	}
	if m2.DeliveredAt == nil {
		t.Error("Expected deliveredAt to be set")
	}
}

func TestAcknowledgeSeenBackfillsDelivered(t *testing.T) {
	f := newFixture(t)
	m1 := f.send(t, "hi")

	seen, err := f.messages.AcknowledgeSeen(context.Background(), m1.ID, f.conv.ID, "u2")
	if err != nil {
		t.Fatalf("AcknowledgeSeen failed: %v", err)
	}
	if seen.Status != models.StatusSeen {
		t.Errorf("Expected status seen, got %s", seen.Status)
	}
	if seen.DeliveredAt == nil || seen.SeenAt == nil {
		t.Fatalf("Expected both timestamps set, got delivered=%v seen=%v", seen.DeliveredAt, seen.SeenAt)
	}
	if seen.DeliveredAt.After(*seen.SeenAt) {
		t.Errorf("deliveredAt %v after seenAt %v", seen.DeliveredAt, seen.SeenAt)
	}

	updates := f.notifier.roomEvents(EventMessageStatusUpdated)
	if len(updates) != 1 {
		t.Fatalf("Expected 1 status update, got %d", len(updates))
	}
	if u := updates[0].payload.(StatusUpdate); u.Status != models.StatusSeen || u.MessageID != m1.ID {
		t.Errorf("Unexpected status update %+v", u)
	}
}

func TestDeliveredThenSeenMatchesSeenAlone(t *testing.T) {
	ctx := context.Background()

	a := newFixture(t)
	ma := a.send(t, "hi")
	if _, err := a.messages.AcknowledgeDelivered(ctx, ma.ID, a.conv.ID, "u2"); err != nil {
		t.Fatalf("AcknowledgeDelivered failed: %v", err)
	}
	ma, _ = a.messages.AcknowledgeSeen(ctx, ma.ID, a.conv.ID, "u2")

	b := newFixture(t)
	mb := b.send(t, "hi")
	mb, _ = b.messages.AcknowledgeSeen(ctx, mb.ID, b.conv.ID, "u2")

	for _, m := range []*models.Message{ma, mb} {
		if m.Status != models.StatusSeen || m.DeliveredAt == nil || m.SeenAt == nil {
			t.Errorf("Unexpected final state %+v", m)
			continue
		}
		if m.DeliveredAt.After(*m.SeenAt) {
			t.Errorf("deliveredAt %v after seenAt %v", m.DeliveredAt, m.SeenAt)
		}
	}

	if got := len(a.notifier.roomEvents(EventMessageStatusUpdated)); got != 2 {
		t.Errorf("Expected delivered and seen broadcasts, got %d", got)
	}
}

func TestAcknowledgeSeenIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m1 := f.send(t, "hi")

	first, _ := f.messages.AcknowledgeSeen(ctx, m1.ID, f.conv.ID, "u2")
	second, err := f.messages.AcknowledgeSeen(ctx, m1.ID, f.conv.ID, "u2")
	if err != nil {
		t.Fatalf("Second AcknowledgeSeen failed: %v", err)
	}
	if !second.SeenAt.Equal(*first.SeenAt) {
		t.Errorf("seenAt moved from %v to %v", first.SeenAt, second.SeenAt)
	}
	if got := len(f.notifier.roomEvents(EventMessageStatusUpdated)); got != 1 {
		t.Errorf("Expected a single broadcast, got %d", got)
	}
}

func TestNoRegressionAfterSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m1 := f.send(t, "hi")
	f.messages.AcknowledgeSeen(ctx, m1.ID, f.conv.ID, "u2")

	got, err := f.messages.AcknowledgeDelivered(ctx, m1.ID, f.conv.ID, "u2")
	if err != nil {
		t.Fatalf("AcknowledgeDelivered failed: %v", err)
	}
	if got.Status != models.StatusSeen {
		t.Errorf("Expected status to stay seen, got %s", got.Status)
	}
}

func TestAcknowledgeDeliveredNoopWhenDelivered(t *testing.T) {
	f := newFixture(t)
	f.presence.Join("u2", "h")
	m := f.send(t, "hi")

	got, err := f.messages.AcknowledgeDelivered(context.Background(), m.ID, f.conv.ID, "u2")
	if err != nil {
		t.Fatalf("AcknowledgeDelivered failed: %v", err)
	}
	if !got.DeliveredAt.Equal(*m.DeliveredAt) {
		t.Errorf("deliveredAt moved from %v to %v", m.DeliveredAt, got.DeliveredAt)
	}
	if n := len(f.notifier.roomEvents(EventMessageStatusUpdated)); n != 0 {
		t.Errorf("Expected no broadcast, got %d", n)
	}
}

func TestAcknowledgeErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m1 := f.send(t, "hi")

	tests := []struct {
		name           string
		messageID      string
		conversationID string
		actorID        string
		want           error
	}{
		{name: "Missing Ids", messageID: "", conversationID: f.conv.ID, actorID: "u2", want: ErrValidation},
		{name: "Unknown Message", messageID: "nope", conversationID: f.conv.ID, actorID: "u2", want: ErrNotFound},
		{name: "Wrong Conversation", messageID: m1.ID, conversationID: "other", actorID: "u2", want: ErrNotFound},
		{name: "Sender Cannot Ack", messageID: m1.ID, conversationID: f.conv.ID, actorID: "u1", want: ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.messages.AcknowledgeSeen(ctx, tt.messageID, tt.conversationID, tt.actorID)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSendRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{name: "Receiver Not Member", req: SendRequest{ConversationID: f.conv.ID, SenderID: "u1", ReceiverID: "u3", Text: "text"}, want: ErrForbidden},
		{name: "Sender Not Member", req: SendRequest{ConversationID: f.conv.ID, SenderID: "u3", ReceiverID: "u2", Text: "text"}, want: ErrForbidden},
		{name: "Self Message", req: SendRequest{ConversationID: f.conv.ID, SenderID: "u1", ReceiverID: "u1", Text: "text"}, want: ErrForbidden},
		{name: "Empty Text", req: SendRequest{ConversationID: f.conv.ID, SenderID: "u1", ReceiverID: "u2", Text: ""}, want: ErrValidation},
		{name: "Whitespace Text", req: SendRequest{ConversationID: f.conv.ID, SenderID: "u1", ReceiverID: "u2", Text: "  \n\t "}, want: ErrValidation},
		{name: "Too Long", req: SendRequest{ConversationID: f.conv.ID, SenderID: "u1", ReceiverID: "u2", Text: strings.Repeat("x", 21)}, want: ErrValidation},
		{name: "Missing Sender", req: SendRequest{ConversationID: f.conv.ID, ReceiverID: "u2", Text: "text"}, want: ErrValidation},
		{name: "Unknown Conversation", req: SendRequest{ConversationID: "nope", SenderID: "u1", ReceiverID: "u2", Text: "text"}, want: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.messages.Send(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	history, _ := f.messages.History(ctx, f.conv.ID, "u1", 0, "")
	if len(history) != 0 {
		t.Errorf("Expected no persisted messages, got %d", len(history))
	}
	conv, _ := f.conversations.Get(ctx, f.conv.ID)
	if conv.LastMessage != "" {
		t.Errorf("Expected lastMessage unchanged, got %q", conv.LastMessage)
	}
	if n := len(f.notifier.roomEvents(EventNewMessage)); n != 0 {
		t.Errorf("Expected no broadcasts, got %d", n)
	}
}

func TestSendTrimsAndCountsRunes(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "  "+strings.Repeat("é", 20)+"  ")
	if msg.Text != strings.Repeat("é", 20) {
		t.Errorf("Expected trimmed text, got %q", msg.Text)
	}
}

func TestSendWithClientIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := SendRequest{ConversationID: f.conv.ID, SenderID: "u1", ReceiverID: "u2", Text: "once", ClientID: "k1"}

	first, err := f.messages.Send(ctx, req)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	second, err := f.messages.Send(ctx, req)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Expected retry to return %s, got %s", first.ID, second.ID)
	}

	history, _ := f.messages.History(ctx, f.conv.ID, "u1", 0, "")
	if len(history) != 1 {
		t.Errorf("Expected 1 persisted message, got %d", len(history))
	}
}

func TestSendPreservesOrderWithinConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.messages.Send(ctx, SendRequest{ConversationID: f.conv.ID, SenderID: "u1", ReceiverID: "u2", Text: "x"})
		}()
	}
	wg.Wait()

	history, _ := f.messages.History(ctx, f.conv.ID, "u1", 0, "")
	broadcasts := f.notifier.roomEvents(EventNewMessage)
	if len(history) != n || len(broadcasts) != n {
		t.Fatalf("Expected %d messages and broadcasts, got %d and %d", n, len(history), len(broadcasts))
	}
	for i := range history {
		if got := broadcasts[i].payload.(*models.Message).ID; got != history[i].ID {
			t.Fatalf("Broadcast %d is %s, persisted order has %s", i, got, history[i].ID)
		}
	}
}

func TestMarkConversationSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, "one")
	f.send(t, "two")
	reply, _ := f.messages.Send(ctx, SendRequest{ConversationID: f.conv.ID, SenderID: "u2", ReceiverID: "u1", Text: "back"})

	count, err := f.messages.MarkConversationSeen(ctx, f.conv.ID, "u2")
	if err != nil {
		t.Fatalf("MarkConversationSeen failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 messages marked, got %d", count)
	}

	again, _ := f.messages.MarkConversationSeen(ctx, f.conv.ID, "u2")
	if again != 0 {
		t.Errorf("Expected 0 on second call, got %d", again)
	}

	got, _ := f.repo.GetMessageByID(ctx, reply.ID)
	if got.Status != models.StatusSent {
		t.Errorf("Expected u1's incoming message untouched, got %s", got.Status)
	}

	if _, err := f.messages.MarkConversationSeen(ctx, f.conv.ID, "u3"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
}

func TestHistoryRequiresMembership(t *testing.T) {
	f := newFixture(t)
	if _, err := f.messages.History(context.Background(), f.conv.ID, "u3", 0, ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
	if _, err := f.messages.History(context.Background(), "nope", "u1", 0, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

type slowRepository struct {
	repository.ChatRepository
}

func (r slowRepository) GetConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Second):
		return r.ChatRepository.GetConversationByID(ctx, id)
	}
}

func TestSendStoreTimeout(t *testing.T) {
	repo := slowRepository{repository.NewMemoryRepository()}
	svc := NewMessageService(repo, presence.NewRegistry(), &recordingNotifier{}, testLogger(), MessageOptions{StoreTimeout: 10 * time.Millisecond})

	_, err := svc.Send(context.Background(), SendRequest{ConversationID: "c1", SenderID: "u1", ReceiverID: "u2", Text: "hi"})
	if Code(err) != CodeUnavailable {
		t.Errorf("Expected %s, got %v", CodeUnavailable, err)
	}
}
