package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ramenmap/backend/internal/moderation"
)

var _ moderation.Notifier = (*NoticeDispatcher)(nil)

func TestNoticeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewNoticeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.Publish(moderation.Notice{
		UserID:     "user-1",
		Type:       moderation.NoticeContentRemoved,
		ArtifactID: "artifact-a",
		Reason:     "harassment",
		Timestamp:  time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Type != moderation.NoticeContentRemoved || received.ArtifactID != "artifact-a" {
			t.Fatalf("unexpected notice %#v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notice within deadline")
	}
}

func TestNoticeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewNoticeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "user-3")
	defer otherCleanup()

	dispatcher.Publish(moderation.Notice{UserID: "user-3", Type: moderation.NoticeContentRemoved, ArtifactID: "artifact-c"})

	select {
	case <-userStream:
		t.Fatal("did not expect a notice for an unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case notice := <-otherStream:
		if notice.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", notice.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected notice for subscribed user")
	}
}

func TestNoticeDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewNoticeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-4")
	defer cleanup()

	for index := 0; index < noticeBufferSize+5; index++ {
		dispatcher.Publish(moderation.Notice{UserID: "user-4", Type: moderation.NoticeContentRemoved})
	}
	if len(stream) != noticeBufferSize {
		t.Fatalf("expected %d buffered notices, got %d", noticeBufferSize, len(stream))
	}
}

func TestNoticeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewNoticeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "user-5")
	defer cleanup()
	if dispatcher.Subscribers("user-5") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.Subscribers("user-5") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNoticeDispatcherReplaysBacklogOnSubscribe(t *testing.T) {
	dispatcher := NewNoticeDispatcher()
	for index := 0; index < noticeBacklogSize+3; index++ {
		dispatcher.Publish(moderation.Notice{
			UserID:     "user-6",
			Type:       moderation.NoticeContentRemoved,
			ArtifactID: fmt.Sprintf("artifact-%d", index),
		})
	}
	if dispatcher.Backlog("user-6") != noticeBacklogSize {
		t.Fatalf("expected backlog capped at %d, got %d", noticeBacklogSize, dispatcher.Backlog("user-6"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx, "user-6")
	defer cleanup()

	if len(stream) != noticeBacklogSize {
		t.Fatalf("expected %d replayed notices, got %d", noticeBacklogSize, len(stream))
	}
	if first := <-stream; first.ArtifactID != "artifact-3" {
		t.Fatalf("expected the oldest retained notice first, got %s", first.ArtifactID)
	}
	if dispatcher.Backlog("user-6") != 0 {
		t.Fatalf("expected backlog to be cleared after replay")
	}
}
