// Package telegram adapts the Telegram Bot API (long polling) to the
// channel contract.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/undoablehq/undoable/internal/channels"
	"github.com/undoablehq/undoable/internal/config"
)

// maxMessageLen is Telegram's hard limit for one sendMessage call.
const maxMessageLen = 4096

// pollTimeout is the long-polling wait passed to getUpdates.
const pollTimeout = 30

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot    *telego.Bot
	cfg    config.ChannelConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the adapter. The bot token is validated lazily on Start so a
// misconfigured channel can still be constructed and report its status.
func New(cfg config.ChannelConfig) (*Channel, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBase("telegram", "Telegram", cfg, true),
		bot:         bot,
		cfg:         cfg,
	}, nil
}

// Client exposes the underlying bot for raw API access.
func (c *Channel) Client() interface{} { return c.bot }

// Start begins long polling on its own goroutine. The poll loop owns
// reconnects; Start only fails when the first connect fails and the backoff
// budget is already spent.
func (c *Channel) Start(ctx context.Context, onMessage channels.MessageHandler) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.pollLoop(pollCtx, onMessage)
	return nil
}

// Stop cancels polling and waits for the loop to exit so Telegram releases
// the getUpdates lock before any new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram poll loop did not exit in time")
		}
	}
	c.MarkDisconnected(nil)
	return nil
}

// Send delivers text to a chat, splitting at Telegram's message limit.
func (c *Channel) Send(ctx context.Context, to, text string) error {
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: chat id %q is not numeric: %w", to, err)
	}

	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram: send to %d: %w", chatID, err)
		}
	}
	return nil
}

// pollLoop runs long polling with exponential reconnect backoff. Each
// successful subscribe resets the backoff.
func (c *Channel) pollLoop(ctx context.Context, onMessage channels.MessageHandler) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
			Timeout:        pollTimeout,
			AllowedUpdates: []string{"message"},
		})
		if err != nil {
			c.MarkDisconnected(err)
			slog.Warn("telegram polling failed", "error", err)
			if !c.WaitBackoff(ctx) {
				return
			}
			continue
		}

		c.MarkConnected()

		for update := range updates {
			if update.Message != nil {
				c.handleMessage(ctx, update.Message, onMessage)
			}
		}
		if ctx.Err() != nil {
			return
		}

		c.MarkDisconnected(errors.New("update stream closed"))
		if !c.WaitBackoff(ctx) {
			return
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, message *telego.Message, onMessage channels.MessageHandler) {
	user := message.From
	if user == nil || user.IsBot {
		return
	}
	if message.Text == "" && message.Caption == "" && message.Photo == nil {
		// Service messages (joins, pins, title changes) carry no content.
		return
	}

	text := message.Text
	if message.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += message.Caption
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	msg := channels.InboundMessage{
		ChannelID:  "telegram",
		ChatID:     strconv.FormatInt(message.Chat.ID, 10),
		SenderID:   strconv.FormatInt(user.ID, 10),
		SenderName: senderName(user),
		Text:       text,
		IsGroup:    isGroup,
		Timestamp:  time.Unix(int64(message.Date), 0),
	}

	if !c.Accept(msg) {
		return
	}

	if len(message.Photo) > 0 {
		if path := c.downloadPhoto(ctx, message.Photo); path != "" {
			msg.Media = append(msg.Media, path)
		}
	}
	if msg.Text == "" && len(msg.Media) == 0 {
		return
	}

	// Typing feedback while the run spins up. Best effort.
	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(message.Chat.ID), telego.ChatActionTyping))

	onMessage(msg)
}

// downloadPhoto fetches the highest-resolution size of a photo and bounds it
// to the channel's media limit, downscaling when needed.
func (c *Channel) downloadPhoto(ctx context.Context, sizes []telego.PhotoSize) string {
	photo := sizes[len(sizes)-1]

	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: photo.FileID})
	if err != nil || file.FilePath == "" {
		slog.Warn("telegram photo lookup failed", "file_id", photo.FileID, "error", err)
		return ""
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)
	path, err := channels.DownloadFile(ctx, url, c.cfg.MaxMediaBytes)
	if err != nil {
		slog.Warn("telegram photo download failed", "file_id", photo.FileID, "error", err)
		return ""
	}

	bounded, err := channels.DownscaleImage(path, c.cfg.MaxMediaBytes)
	if err != nil {
		slog.Warn("telegram photo downscale failed", "error", err)
		return path
	}
	return bounded
}

func senderName(user *telego.User) string {
	if user.Username != "" {
		return "@" + user.Username
	}
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}

// splitMessage breaks text into platform-sized chunks, preferring newline
// boundaries in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			parts = append(parts, text)
			break
		}
		cut := maxLen
		if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
			cut = idx + 1
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	return parts
}
