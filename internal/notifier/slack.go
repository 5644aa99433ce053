package notifier

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/ternarybob/optorch/internal/common"
)

// SlackNotifier posts notifications to a configured incoming webhook. It
// carries no bot token and no channel-listing capability — webhook delivery
// is the entire surface this transport needs.
type SlackNotifier struct {
	webhookURL string
	channel    string
}

func NewSlackNotifier(cfg common.SlackConfig) *SlackNotifier {
	return &SlackNotifier{webhookURL: cfg.WebhookURL, channel: cfg.Channel}
}

func (s *SlackNotifier) Notify(ctx context.Context, subject, message string) error {
	msg := &slack.WebhookMessage{
		Channel: s.channel,
		Text:    fmt.Sprintf("*%s*\n%s", subject, message),
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook post: %w", err)
	}
	return nil
}
