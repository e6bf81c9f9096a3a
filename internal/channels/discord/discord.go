// Package discord adapts the Discord gateway to the channel contract.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/undoablehq/undoable/internal/channels"
	"github.com/undoablehq/undoable/internal/config"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Channel is the Discord adapter. The discordgo session owns gateway
// reconnects; connect and disconnect events keep the status snapshot and
// backoff counter honest.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	cfg       config.ChannelConfig
	botUserID string
}

func New(cfg config.ChannelConfig) (*Channel, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBase("discord", "Discord", cfg, true),
		session:     session,
		cfg:         cfg,
	}, nil
}

// Client exposes the underlying session for raw API access.
func (c *Channel) Client() interface{} { return c.session }

// Start opens the gateway connection and registers the message handler.
func (c *Channel) Start(ctx context.Context, onMessage channels.MessageHandler) error {
	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) {
		c.MarkConnected()
	})
	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		c.MarkDisconnected(errors.New("gateway disconnected"))
	})
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, m, onMessage)
	})

	if err := c.session.Open(); err != nil {
		c.MarkDisconnected(err)
		return fmt.Errorf("discord: open session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		c.MarkDisconnected(err)
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.MarkConnected()
	slog.Info("discord bot ready", "username", user.Username)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	err := c.session.Close()
	c.MarkDisconnected(nil)
	return err
}

// Send delivers text to a Discord channel id, chunking at the platform
// limit.
func (c *Channel) Send(_ context.Context, to, text string) error {
	if to == "" {
		return errors.New("discord: empty channel id")
	}
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxMessageLen {
			cut := maxMessageLen
			if idx := strings.LastIndexByte(text[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cut = idx + 1
			}
			chunk = text[:cut]
			text = text[cut:]
		} else {
			text = ""
		}
		if _, err := c.session.ChannelMessageSend(to, chunk); err != nil {
			return fmt.Errorf("discord: send to %s: %w", to, err)
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, m *discordgo.MessageCreate, onMessage channels.MessageHandler) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	msg := channels.InboundMessage{
		ChannelID:  "discord",
		ChatID:     m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: displayName(m),
		Text:       m.Content,
		IsGroup:    m.GuildID != "",
		IsSelf:     m.Author.ID == c.botUserID,
		Timestamp:  m.Timestamp,
	}

	if !c.Accept(msg) {
		return
	}

	for _, att := range m.Attachments {
		if channels.IsImagePath(att.Filename) {
			if path := c.downloadAttachment(ctx, att); path != "" {
				msg.Media = append(msg.Media, path)
			}
			continue
		}
		if msg.Text != "" {
			msg.Text += "\n"
		}
		msg.Text += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if msg.Text == "" && len(msg.Media) == 0 {
		return
	}

	// Typing feedback while the run spins up. Best effort.
	_ = c.session.ChannelTyping(m.ChannelID)

	onMessage(msg)
}

// downloadAttachment fetches an image attachment and bounds it to the media
// limit.
func (c *Channel) downloadAttachment(ctx context.Context, att *discordgo.MessageAttachment) string {
	path, err := channels.DownloadFile(ctx, att.URL, c.cfg.MaxMediaBytes)
	if err != nil {
		slog.Warn("discord attachment download failed", "filename", att.Filename, "error", err)
		return ""
	}
	bounded, err := channels.DownscaleImage(path, c.cfg.MaxMediaBytes)
	if err != nil {
		slog.Warn("discord attachment downscale failed", "error", err)
		return path
	}
	return bounded
}

// displayName prefers server nickname, then global name, then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
