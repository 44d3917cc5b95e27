// Package clock provides the monotonic time source and identity generation
// used throughout the control plane. Components depend on the Clock
// interface rather than calling time.Now directly so that tests can inject
// a deterministic clock without the component needing to know about it.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is a source of the current time. The real implementation wraps
// time.Now; tests use a Manual clock for deterministic ordering checks
// (e.g. HealingEvent timestamps must be monotonically ordered).
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by time.Now.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Manual is a test Clock that only advances when told to. Safe for
// concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a Manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// NewExecutionID generates a fresh UUIDv4 for an Execution.
func NewExecutionID() string {
	return uuid.New().String()
}

// NewContainerID generates a fresh UUIDv4 for a ContainerHandle.
func NewContainerID() string {
	return uuid.New().String()
}

// NewPodName generates a pod name of the form "autoqa-test-{8-hex}",
// guaranteed never to repeat within the process lifetime: its suffix is
// drawn from a fresh UUIDv4 and redrawn if that name was already issued.
func NewPodName() string {
	podNamesMu.Lock()
	defer podNamesMu.Unlock()
	for {
		name := fmt.Sprintf("autoqa-test-%s", uuid.New().String()[:8])
		if _, used := podNames[name]; !used {
			podNames[name] = struct{}{}
			return name
		}
	}
}

var (
	podNamesMu sync.Mutex
	podNames   = make(map[string]struct{})
)

// NewArtifactID generates a fresh UUIDv4 for an Artifact.
func NewArtifactID() string {
	return uuid.New().String()
}

// NewHealingEventID generates a fresh UUIDv4 for a HealingEvent.
func NewHealingEventID() string {
	return uuid.New().String()
}

// NewNotificationID generates a fresh UUIDv4 for a Notification.
func NewNotificationID() string {
	return uuid.New().String()
}

// NewSubscriptionID generates a fresh UUIDv4 for a Subscription.
func NewSubscriptionID() string {
	return uuid.New().String()
}

// NewClientID generates a fresh UUIDv4 for an event-stream client.
func NewClientID() string {
	return uuid.New().String()
}

// SortableTimestamp returns a lexicographically sortable timestamp suitable
// for artifact blob keys: compact ISO 8601 basic form with nanosecond
// precision, UTC (e.g. 20240102T030405.000000006Z).
func SortableTimestamp(t time.Time) string {
	return t.UTC().Format("20060102T150405.000000000Z")
}
