package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pyrexxbook/chat-service/internal/repository"
)

func TestRegisterPasswordLength(t *testing.T) {
	svc := NewUserService(repository.NewMemoryRepository(), testLogger())
	ctx := context.Background()

	tests := []struct {
		name     string
		password string
		wantCode string
	}{
		{name: "too short", password: "12345", wantCode: CodeValidation},
		{name: "longer than bcrypt accepts", password: strings.Repeat("p", 73), wantCode: CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, "Alice", "", tt.password)
			if got := Code(err); got != tt.wantCode {
				t.Errorf("Code(%v) = %s, want %s", err, got, tt.wantCode)
			}
		})
	}

	if _, err := svc.Register(ctx, "Alice", "", strings.Repeat("p", 72)); err != nil {
		t.Errorf("Expected a 72 byte password to be accepted, got %v", err)
	}
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := NewUserService(repository.NewMemoryRepository(), testLogger())
	ctx := context.Background()

	user, err := svc.Register(ctx, "Bob Stone", "", "secret1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.Username != "bobstone" || user.Avatar != DefaultAvatar {
		t.Errorf("Unexpected user: %+v", user)
	}

	if _, err := svc.Register(ctx, "Bob Stone", "", "secret1"); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for a taken username, got %v", err)
	}

	got, err := svc.Authenticate(ctx, " BobStone ", "secret1")
	if err != nil || got.ID != user.ID {
		t.Errorf("Authenticate = %v, %v", got, err)
	}
	if _, err := svc.Authenticate(ctx, "bobstone", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody", "secret1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for an unknown user, got %v", err)
	}
}

func TestMarkLastSeen(t *testing.T) {
	svc := NewUserService(repository.NewMemoryRepository(), testLogger())
	ctx := context.Background()

	user, _ := svc.Register(ctx, "Carol", "", "secret1")
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if err := svc.MarkLastSeen(ctx, user.ID, at); err != nil {
		t.Fatalf("MarkLastSeen failed: %v", err)
	}

	got, _ := svc.Get(ctx, user.ID)
	if got.LastSeen == nil || !got.LastSeen.Equal(at) {
		t.Errorf("Expected lastSeen %v, got %v", at, got.LastSeen)
	}
	if err := svc.MarkLastSeen(ctx, "missing", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
