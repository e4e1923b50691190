package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/redis"
)

func TestChatPoster_PersistsAndPublishes(t *testing.T) {
	store := &fakeMessageStore{}
	pub := &fakePublisher{}
	c := NewChatPoster(store, pub, zap.NewNop())
	thread := uuid.New()

	msg, posted, err := c.PostSystemMessage(context.Background(), thread, "Milestone done", db.Metadata{"milestone_id": "m1"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !posted {
		t.Fatal("expected message to be posted")
	}
	if len(store.messages) != 1 || !store.messages[0].IsSystem {
		t.Fatalf("expected one system message, got %+v", store.messages)
	}
	if msg == nil || msg.ID != store.messages[0].ID || msg.ThreadID != thread || msg.Content != "Milestone done" {
		t.Errorf("returned record does not match the stored message: %+v", msg)
	}
	if len(pub.events) != 1 || pub.events[0].channel != redis.ThreadChannel(thread.String()) || pub.events[0].event != EventMessageNew {
		t.Errorf("unexpected publish %+v", pub.events)
	}
}

func TestChatPoster_DedupeKey(t *testing.T) {
	store := &fakeMessageStore{}
	pub := &fakePublisher{}
	c := NewChatPoster(store, pub, zap.NewNop())
	thread := uuid.New()

	for i := 0; i < 3; i++ {
		msg, posted, err := c.PostSystemMessage(context.Background(), thread, "deadline", nil, "project_deadline:p")
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		if posted != (i == 0) || (msg != nil) != posted {
			t.Fatalf("post %d: posted=%v msg=%v", i, posted, msg)
		}
	}
	if len(store.messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(store.messages))
	}
	if len(pub.events) != 1 {
		t.Errorf("expected 1 publish, got %d", len(pub.events))
	}
}

func TestChatPoster_PublishFailureIsBestEffort(t *testing.T) {
	store := &fakeMessageStore{}
	c := NewChatPoster(store, &fakePublisher{err: errBoom}, zap.NewNop())

	_, posted, err := c.PostSystemMessage(context.Background(), uuid.New(), "hi", nil, "")
	if err != nil || !posted {
		t.Fatalf("publish failure must not fail the post: posted=%v err=%v", posted, err)
	}
}

func TestChatPoster_StoreFailure(t *testing.T) {
	c := NewChatPoster(&fakeMessageStore{err: errBoom}, &fakePublisher{}, zap.NewNop())

	_, _, err := c.PostSystemMessage(context.Background(), uuid.New(), "hi", nil, "")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestChatPoster_InvalidMetadata(t *testing.T) {
	store := &fakeMessageStore{}
	c := NewChatPoster(store, nil, zap.NewNop())

	_, _, err := c.PostSystemMessage(context.Background(), uuid.New(), "hi", db.Metadata{"bad": make(chan int)}, "")
	if err == nil {
		t.Fatal("expected metadata validation error")
	}
	if len(store.messages) != 0 {
		t.Error("invalid metadata must not be persisted")
	}
}
