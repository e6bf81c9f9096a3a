// Package slack adapts Slack's Socket Mode transport to the channel
// contract. Socket Mode needs two credentials: the bot token (xoxb-) as the
// channel token and an app-level token (xapp-) under extra["appToken"].
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/undoablehq/undoable/internal/channels"
	"github.com/undoablehq/undoable/internal/config"
)

// Channel is the Slack adapter. The socketmode client owns the WebSocket
// and its reconnects; connection events keep the status snapshot current.
type Channel struct {
	*channels.BaseChannel
	api       *goslack.Client
	sock      *socketmode.Client
	botUserID string
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(cfg config.ChannelConfig) (*Channel, error) {
	if cfg.Token == "" {
		return nil, errors.New("slack: bot token is required")
	}
	appToken := cfg.Extra["appToken"]
	if appToken == "" {
		return nil, errors.New("slack: extra.appToken (xapp- token) is required for socket mode")
	}

	api := goslack.New(cfg.Token, goslack.OptionAppLevelToken(appToken))
	return &Channel{
		BaseChannel: channels.NewBase("slack", "Slack", cfg, true),
		api:         api,
		sock:        socketmode.New(api),
	}, nil
}

// Client exposes the underlying Web API client for raw access.
func (c *Channel) Client() interface{} { return c.api }

// Start verifies the bot identity, then runs the socket and event loops.
func (c *Channel) Start(ctx context.Context, onMessage channels.MessageHandler) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		c.MarkDisconnected(err)
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		if err := c.sock.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			c.MarkDisconnected(err)
			slog.Error("slack socket loop exited", "error", err)
		}
	}()
	go c.eventLoop(runCtx, onMessage)

	slog.Info("slack bot ready", "user_id", auth.UserID)
	return nil
}

// Stop cancels the socket loop.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
		}
	}
	c.MarkDisconnected(nil)
	return nil
}

// Send posts text to a channel or DM id.
func (c *Channel) Send(ctx context.Context, to, text string) error {
	if to == "" {
		return errors.New("slack: empty channel id")
	}
	_, _, err := c.api.PostMessageContext(ctx, to, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack: post to %s: %w", to, err)
	}
	return nil
}

// eventLoop consumes socket mode events. Every Events API envelope must be
// acked or Slack redelivers it.
func (c *Channel) eventLoop(ctx context.Context, onMessage channels.MessageHandler) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.sock.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				c.MarkConnected()
			case socketmode.EventTypeConnectionError:
				c.MarkDisconnected(errors.New("socket mode connection error"))
			case socketmode.EventTypeEventsAPI:
				payload, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					c.sock.Ack(*evt.Request)
				}
				c.handleEventsAPI(payload, onMessage)
			}
		}
	}
}

func (c *Channel) handleEventsAPI(payload slackevents.EventsAPIEvent, onMessage channels.MessageHandler) {
	if payload.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := payload.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Edits, deletions, joins and other subtypes are not user messages.
	if ev.SubType != "" || ev.BotID != "" || ev.User == "" || ev.Text == "" {
		return
	}

	msg := channels.InboundMessage{
		ChannelID: "slack",
		ChatID:    ev.Channel,
		SenderID:  ev.User,
		Text:      ev.Text,
		IsGroup:   ev.ChannelType != "im",
		IsSelf:    ev.User == c.botUserID,
		Timestamp: slackTime(ev.TimeStamp),
	}
	if !c.Accept(msg) {
		return
	}
	onMessage(msg)
}

// slackTime parses the "seconds.micros" ts format, falling back to now.
func slackTime(ts string) time.Time {
	if f, err := strconv.ParseFloat(ts, 64); err == nil {
		return time.Unix(int64(f), 0)
	}
	return time.Now()
}
