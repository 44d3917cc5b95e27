// Package pubsub implements the SubscriptionBus: a channel/subject model
// with permission- and filter-based fan-out, bounded subscriptions,
// and inactivity sweeping.
package pubsub

import (
	"sync"
	"time"

	"github.com/autoqa/controlplane/pkg/apperrors"
	"github.com/autoqa/controlplane/pkg/clock"
)

// ChannelKind is one of the three channel visibility modes.
type ChannelKind int

const (
	Public ChannelKind = iota
	Private
	Direct
)

// Permission is one of the three channel grant levels.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
	PermAdmin Permission = "admin"
)

// Channel is the addressable fan-out unit.
type Channel struct {
	ID          string
	Name        string
	Kind        ChannelKind
	Permissions map[string][]Permission // principal -> granted permissions
}

func (c *Channel) grantedTo(principal string) []Permission {
	perms := c.Permissions[principal]
	if c.Kind == Public {
		perms = append(append([]Permission{}, perms...), PermRead)
	}
	return perms
}

func hasAny(granted []Permission, required []Permission) bool {
	if len(required) == 0 {
		return true
	}
	for _, g := range granted {
		for _, r := range required {
			if g == r {
				return true
			}
		}
	}
	return false
}

// Subscription is one principal's live fan-out registration on a channel.
type Subscription struct {
	ID           string
	UserID       string
	ChannelID    string
	Permissions  []Permission
	Filters      map[string]string
	LastActivity time.Time
}

// Message is the unit published through a channel.
type Message struct {
	ChannelID           string
	RequiredPermissions []Permission
	Content             map[string]any
}

func matchesFilters(filters map[string]string, content map[string]any) bool {
	for k, want := range filters {
		got, ok := content[k]
		if !ok {
			return false
		}
		gotStr, ok := got.(string)
		if !ok || gotStr != want {
			return false
		}
	}
	return true
}

// Config bounds the bus's admission behavior.
type Config struct {
	MaxSubscriptionsPerUser    int
	MaxSubscriptionsPerChannel int
	SubscriptionTimeout        time.Duration
}

// Deliverer receives messages fanned out to a subscription. Implementations
// must not block the bus's Publish call for long; the WebSocket event
// stream is the production Deliverer.
type Deliverer interface {
	Deliver(sub Subscription, msg Message)
}

// DelivererFunc adapts a function to a Deliverer.
type DelivererFunc func(sub Subscription, msg Message)

func (f DelivererFunc) Deliver(sub Subscription, msg Message) { f(sub, msg) }

// Bus is the SubscriptionBus.
type Bus struct {
	mu  sync.RWMutex
	cfg Config
	clk clock.Clock

	channels      map[string]*Channel
	subscriptions map[string]*Subscription
	byUser        map[string]map[string]struct{} // userID -> subID set
	byChannel     map[string]map[string]struct{} // channelID -> subID set

	deliverer Deliverer
}

// New creates an empty Bus. deliverer may be nil; in that case Publish only
// updates internal bookkeeping and delivers nothing (useful for tests that
// only assert subscription semantics).
func New(cfg Config, clk clock.Clock, deliverer Deliverer) *Bus {
	if clk == nil {
		clk = clock.System{}
	}
	return &Bus{
		cfg:           cfg,
		clk:           clk,
		channels:      make(map[string]*Channel),
		subscriptions: make(map[string]*Subscription),
		byUser:        make(map[string]map[string]struct{}),
		byChannel:     make(map[string]map[string]struct{}),
		deliverer:     deliverer,
	}
}

// CreateChannel registers a channel. Overwrites any existing channel with
// the same ID.
func (b *Bus) CreateChannel(ch Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := ch
	if c.Permissions == nil {
		c.Permissions = make(map[string][]Permission)
	}
	b.channels[ch.ID] = &c
}

// Subscribe registers userID's interest in channelID with filters,
// returning the new subscription's identity. perms is the caller's
// declared want-list and is never trusted for the grant itself — the
// subscription's actual Permissions always come from the channel's own
// ACL via grantedTo, so a caller cannot self-declare access it wasn't
// granted.
func (b *Bus) Subscribe(userID, channelID string, perms []Permission, filters map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[channelID]
	if !ok {
		return "", apperrors.New(apperrors.PermissionDenied, "channel not found")
	}
	granted := ch.grantedTo(userID)
	if len(granted) == 0 {
		return "", apperrors.New(apperrors.PermissionDenied, "no permissions granted on channel")
	}

	if len(b.byUser[userID]) >= b.cfg.MaxSubscriptionsPerUser && b.cfg.MaxSubscriptionsPerUser > 0 {
		return "", apperrors.New(apperrors.UserLimitExceeded, "per-user subscription limit reached")
	}
	if len(b.byChannel[channelID]) >= b.cfg.MaxSubscriptionsPerChannel && b.cfg.MaxSubscriptionsPerChannel > 0 {
		return "", apperrors.New(apperrors.ChannelLimitExceeded, "per-channel subscription limit reached")
	}

	id := clock.NewSubscriptionID()
	sub := &Subscription{
		ID:           id,
		UserID:       userID,
		ChannelID:    channelID,
		Permissions:  granted,
		Filters:      filters,
		LastActivity: b.clk.Now(),
	}
	b.subscriptions[id] = sub

	if b.byUser[userID] == nil {
		b.byUser[userID] = make(map[string]struct{})
	}
	b.byUser[userID][id] = struct{}{}

	if b.byChannel[channelID] == nil {
		b.byChannel[channelID] = make(map[string]struct{})
	}
	b.byChannel[channelID][id] = struct{}{}

	return id, nil
}

// Unsubscribe removes id from every index. After it returns, no future
// Publish can deliver to the removed subscription.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(id)
}

func (b *Bus) unsubscribeLocked(id string) {
	sub, ok := b.subscriptions[id]
	if !ok {
		return
	}
	delete(b.subscriptions, id)
	delete(b.byUser[sub.UserID], id)
	if len(b.byUser[sub.UserID]) == 0 {
		delete(b.byUser, sub.UserID)
	}
	delete(b.byChannel[sub.ChannelID], id)
	if len(b.byChannel[sub.ChannelID]) == 0 {
		delete(b.byChannel, sub.ChannelID)
	}
}

// Publish delivers msg to every subscriber of msg.ChannelID whose granted
// permissions intersect msg.RequiredPermissions (when non-empty) and whose
// filters all match msg.Content. Returns the count of subscriptions
// the message was delivered to.
func (b *Bus) Publish(msg Message) int {
	b.mu.RLock()
	ch := b.channels[msg.ChannelID]
	subIDs := make([]string, 0, len(b.byChannel[msg.ChannelID]))
	for id := range b.byChannel[msg.ChannelID] {
		subIDs = append(subIDs, id)
	}
	subs := make([]Subscription, 0, len(subIDs))
	for _, id := range subIDs {
		if s, ok := b.subscriptions[id]; ok {
			subs = append(subs, *s)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	now := b.clk.Now()
	for _, sub := range subs {
		granted := sub.Permissions
		if ch != nil && ch.Kind == Public {
			granted = append(append([]Permission{}, granted...), PermRead)
		}
		if !hasAny(granted, msg.RequiredPermissions) {
			continue
		}
		if !matchesFilters(sub.Filters, msg.Content) {
			continue
		}
		if b.deliverer != nil {
			b.deliverer.Deliver(sub, msg)
		}
		b.touch(sub.ID, now)
		delivered++
	}
	return delivered
}

func (b *Bus) touch(id string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscriptions[id]; ok {
		sub.LastActivity = at
	}
}

// Sweep removes every subscription whose LastActivity predates
// subscriptionTimeout, returning the removed count. Intended to run on a
// background ticker.
func (b *Bus) Sweep() int {
	if b.cfg.SubscriptionTimeout <= 0 {
		return 0
	}
	cutoff := b.clk.Now().Add(-b.cfg.SubscriptionTimeout)

	b.mu.Lock()
	defer b.mu.Unlock()
	var stale []string
	for id, sub := range b.subscriptions {
		if sub.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		b.unsubscribeLocked(id)
	}
	return len(stale)
}

// SubscriptionCount returns the number of live subscriptions on channelID.
func (b *Bus) SubscriptionCount(channelID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byChannel[channelID])
}
