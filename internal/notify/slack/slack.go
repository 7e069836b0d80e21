// Package slack implements the notify.Notifier interface for Slack.
package slack

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier posts alert messages to a Slack channel.
type Notifier struct {
	client    slackClient
	channelID string
}

// New creates a Slack Notifier from a bot token and target channel.
func New(botToken, channelID string) (*Notifier, error) {
	if botToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	return &Notifier{
		client:    slackapi.New(botToken),
		channelID: channelID,
	}, nil
}

// Alert posts the message to the configured channel.
func (n *Notifier) Alert(ctx context.Context, message string) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channelID,
		slackapi.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("slack: post to %s: %w", n.channelID, err)
	}
	return nil
}
