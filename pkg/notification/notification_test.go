package notification

import (
	"testing"
	"time"

	"github.com/autoqa/controlplane/pkg/clock"
	"github.com/autoqa/controlplane/pkg/healing"
)

type recordingDispatcher struct {
	dispatched []Notification
}

func (r *recordingDispatcher) Dispatch(n Notification) { r.dispatched = append(r.dispatched, n) }

func TestFeed_PublishAppendsAndCaps(t *testing.T) {
	feed := New(2, clock.NewManual(time.Now()), nil)

	feed.Publish(Notification{UserID: "u1", Kind: KindTestCompleted, Title: "one"})
	feed.Publish(Notification{UserID: "u1", Kind: KindTestCompleted, Title: "two"})
	feed.Publish(Notification{UserID: "u1", Kind: KindTestCompleted, Title: "three"})

	got := feed.ForUser("u1")
	if len(got) != 2 {
		t.Fatalf("expected feed capped at 2, got %d", len(got))
	}
	if got[0].Title != "two" || got[1].Title != "three" {
		t.Fatalf("expected oldest dropped, got %+v", got)
	}
}

func TestFeed_DispatcherInvoked(t *testing.T) {
	disp := &recordingDispatcher{}
	feed := New(10, clock.NewManual(time.Now()), disp)

	feed.Publish(Notification{UserID: "u1", Kind: KindSystemAlert, Title: "oops"})

	if len(disp.dispatched) != 1 {
		t.Fatalf("expected dispatcher invoked once, got %d", len(disp.dispatched))
	}
}

func TestHealingSink_ForwardsToFeed(t *testing.T) {
	feed := New(10, clock.NewManual(time.Now()), nil)
	sink := HealingSink{Feed: feed}

	sink.OnNotification(healing.Notification{
		ID:     "n1",
		UserID: "u1",
		Kind:   "HealingEvent",
		Title:  "Self-Healing Success",
	})

	got := feed.ForUser("u1")
	if len(got) != 1 || got[0].Kind != KindHealingEvent {
		t.Fatalf("expected 1 HealingEvent notification in feed, got %+v", got)
	}
}
