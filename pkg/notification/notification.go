// Package notification implements the Notification feed: an append-only,
// per-user bounded ring buffer fed by HealingEngine (through HealingSink)
// and any other caller of Publish, with an optional external dispatcher
// (Slack) for selected kinds.
package notification

import (
	"sync"
	"time"

	"github.com/autoqa/controlplane/pkg/clock"
	"github.com/autoqa/controlplane/pkg/healing"
)

// Kind enumerates the notification taxonomy.
type Kind string

const (
	KindTestCompleted Kind = "TestCompleted"
	KindTestFailed    Kind = "TestFailed"
	KindHealingEvent  Kind = "HealingEvent"
	KindSystemAlert   Kind = "SystemAlert"
)

// Notification is append-only once created.
type Notification struct {
	ID        string
	UserID    string
	Kind      Kind
	Title     string
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Dispatcher forwards a Notification to an external channel (e.g. Slack).
// Implementations must not block Publish for long.
type Dispatcher interface {
	Dispatch(n Notification)
}

// Feed is a per-user bounded append-only notification store.
type Feed struct {
	mu         sync.Mutex
	perUserCap int
	byUser     map[string][]Notification
	clk        clock.Clock
	dispatcher Dispatcher
}

// New creates a Feed capping each user's stored history at perUserCap
// entries (oldest dropped first — the feed itself is unbounded in the
// spec, but a production deployment always runs behind a retention cap).
func New(perUserCap int, clk clock.Clock, dispatcher Dispatcher) *Feed {
	if clk == nil {
		clk = clock.System{}
	}
	return &Feed{perUserCap: perUserCap, byUser: make(map[string][]Notification), clk: clk, dispatcher: dispatcher}
}

// Publish appends n to userID's feed and forwards it to the dispatcher, if
// configured.
func (f *Feed) Publish(n Notification) Notification {
	if n.ID == "" {
		n.ID = clock.NewNotificationID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = f.clk.Now()
	}

	f.mu.Lock()
	list := append(f.byUser[n.UserID], n)
	if f.perUserCap > 0 && len(list) > f.perUserCap {
		list = list[len(list)-f.perUserCap:]
	}
	f.byUser[n.UserID] = list
	f.mu.Unlock()

	if f.dispatcher != nil {
		f.dispatcher.Dispatch(n)
	}
	return n
}

// ForUser returns a snapshot of userID's notification history, newest last.
func (f *Feed) ForUser(userID string) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notification, len(f.byUser[userID]))
	copy(out, f.byUser[userID])
	return out
}

// HealingSink adapts a Feed to healing.Sink so HealingEngine can publish
// HealingEvent notifications directly into a user's feed.
type HealingSink struct {
	Feed *Feed
	// OnEvent, if set, additionally records the raw HealingEvent (e.g. for
	// an Orchestrator that needs the attempt log, not just the user-facing
	// notification text).
	OnEvent func(healing.HealingEvent)
}

func (s HealingSink) OnHealingEvent(e healing.HealingEvent) {
	if s.OnEvent != nil {
		s.OnEvent(e)
	}
}

func (s HealingSink) OnNotification(n healing.Notification) {
	var kind Kind
	switch n.Kind {
	case "SystemAlert":
		kind = KindSystemAlert
	default:
		kind = KindHealingEvent
	}
	s.Feed.Publish(Notification{
		ID:        n.ID,
		UserID:    n.UserID,
		Kind:      kind,
		Title:     n.Title,
		Message:   n.Message,
		Metadata:  n.Metadata,
		CreatedAt: n.CreatedAt,
	})
}
