// Package discord implements the notify.Notifier interface for Discord.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier posts alert messages to a Discord channel.
type Notifier struct {
	session   session
	channelID string
}

// New creates a Discord Notifier and opens the gateway session.
func New(botToken, channelID string) (*Notifier, error) {
	if botToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord: channel is required")
	}

	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}
	return &Notifier{session: s, channelID: channelID}, nil
}

// Alert posts the message to the configured channel.
func (n *Notifier) Alert(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.session.ChannelMessageSend(n.channelID, message); err != nil {
		return fmt.Errorf("discord: send to %s: %w", n.channelID, err)
	}
	return nil
}

// Close shuts down the gateway session.
func (n *Notifier) Close() error {
	return n.session.Close()
}
