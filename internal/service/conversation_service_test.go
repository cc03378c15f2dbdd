package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pyrexxbook/chat-service/internal/models"
	"pyrexxbook/chat-service/internal/repository"
)

func TestGetOrCreateScenario(t *testing.T) {
	svc := NewConversationService(repository.NewMemoryRepository(), testLogger())
	ctx := context.Background()

	c1, err := svc.GetOrCreate(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if len(c1.Members) != 2 || c1.Members[0] != "u1" || c1.Members[1] != "u2" {
		t.Errorf("Expected members [u1 u2], got %v", c1.Members)
	}
	if c1.LastMessage != "" {
		t.Errorf("Expected empty lastMessage, got %q", c1.LastMessage)
	}

	again, err := svc.GetOrCreate(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if again.ID != c1.ID {
		t.Errorf("Expected %s for reversed pair, got %s", c1.ID, again.ID)
	}

	if !svc.IsMember(c1, "u1") || svc.IsMember(c1, "u3") {
		t.Error("IsMember returned the wrong answer")
	}
}

func TestGetOrCreateRejectsInvalidParticipants(t *testing.T) {
	svc := NewConversationService(repository.NewMemoryRepository(), testLogger())

	for _, pair := range [][2]string{{"u1", "u1"}, {"", "u2"}, {"u1", ""}} {
		_, err := svc.GetOrCreate(context.Background(), pair[0], pair[1])
		if !errors.Is(err, ErrInvalidParticipants) || !errors.Is(err, ErrValidation) {
			t.Errorf("GetOrCreate(%q, %q): expected ErrInvalidParticipants, got %v", pair[0], pair[1], err)
		}
	}
}

func TestGetOrCreateConcurrentReturnsOneConversation(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewConversationService(repo, testLogger())
	ctx := context.Background()

	const workers = 50
	ids := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u1", "u2"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := svc.GetOrCreate(ctx, a, b)
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			ids <- conv.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Errorf("Expected a single conversation id, saw %s and %s", first, id)
		}
	}

	convs, _ := svc.ListFor(ctx, "u1")
	if len(convs) != 1 {
		t.Errorf("Expected 1 stored conversation, got %d", len(convs))
	}
}

func TestListForNewestFirst(t *testing.T) {
	repo := repository.NewMemoryRepository()
	conversations := NewConversationService(repo, testLogger())
	messages := NewMessageService(repo, alwaysOffline{}, &recordingNotifier{}, testLogger(), MessageOptions{})
	ctx := context.Background()

	older, _ := conversations.GetOrCreate(ctx, "u1", "u2")
	newer, _ := conversations.GetOrCreate(ctx, "u1", "u3")

	time.Sleep(time.Millisecond)
	if _, err := messages.Send(ctx, SendRequest{ConversationID: older.ID, SenderID: "u2", ReceiverID: "u1", Text: "bump"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	convs, err := conversations.ListFor(ctx, "u1")
	if err != nil {
		t.Fatalf("ListFor failed: %v", err)
	}
	if len(convs) != 2 || convs[0].ID != older.ID || convs[1].ID != newer.ID {
		t.Errorf("Expected [%s %s], got %v", older.ID, newer.ID, convs)
	}

	empty, _ := conversations.ListFor(ctx, "u9")
	if empty == nil || len(empty) != 0 {
		t.Errorf("Expected empty non-nil list, got %v", empty)
	}
}

type alwaysOffline struct{}

func (alwaysOffline) IsOnline(string) bool { return false }

// racingRepository lets another writer win the insert and reports the
// unique violation to the caller.
type racingRepository struct {
	repository.ChatRepository
}

func (r racingRepository) GetOrCreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	winner := *conv
	winner.ID = "winner"
	winner.Members = append([]string(nil), conv.Members...)
	if _, err := r.ChatRepository.GetOrCreateConversation(ctx, &winner); err != nil {
		return nil, err
	}
	return nil, repository.ErrConflict
}

func TestGetOrCreateConflictReturnsWinner(t *testing.T) {
	svc := NewConversationService(racingRepository{repository.NewMemoryRepository()}, testLogger())

	conv, err := svc.GetOrCreate(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if conv.ID != "winner" {
		t.Errorf("Expected the winning conversation, got %s", conv.ID)
	}
}
