package notification

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// SlackDispatcher forwards notifications to a Slack channel, grounded on
// the same client/token/channel shape as the rest of this codebase's Slack
// integrations. A zero-value botToken makes it a noop (logging only).
type SlackDispatcher struct {
	client  *goslack.Client
	channel string
	log     *slog.Logger
}

// NewSlackDispatcher creates a SlackDispatcher. If botToken is empty the
// dispatcher is disabled and every Dispatch call is a logged no-op.
func NewSlackDispatcher(botToken, channel string, logger *slog.Logger) *SlackDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &SlackDispatcher{client: client, channel: channel, log: logger}
}

// IsEnabled reports whether the dispatcher has a usable Slack client.
func (d *SlackDispatcher) IsEnabled() bool {
	return d.client != nil && d.channel != ""
}

// Dispatch posts n to the configured channel. Only SystemAlert and
// HealingEvent kinds are forwarded to Slack; routine TestCompleted
// notifications stay in-feed only, to avoid flooding the channel.
func (d *SlackDispatcher) Dispatch(n Notification) {
	if n.Kind != KindSystemAlert && n.Kind != KindHealingEvent {
		return
	}
	if !d.IsEnabled() {
		d.log.Debug("slack dispatcher disabled, skipping notification", "notificationId", n.ID, "title", n.Title)
		return
	}

	text := fmt.Sprintf("%s: %s", n.Title, n.Message)
	blocks := []goslack.Block{
		goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*%s*\n%s", n.Title, n.Message), false, false), nil, nil),
	}

	_, _, err := d.client.PostMessageContext(context.Background(), d.channel,
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(text, false),
	)
	if err != nil {
		d.log.Warn("posting notification to slack failed", "notificationId", n.ID, "error", err)
	}
}
