// Package whatsapp connects to a WhatsApp bridge process over WebSocket.
// The bridge speaks the real WhatsApp protocol; this adapter exchanges JSON
// frames with it: {"type":"init"|"qr"|"ready"|"message", ...}.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/undoablehq/undoable/internal/channels"
	"github.com/undoablehq/undoable/internal/config"
)

// Channel is the WhatsApp bridge adapter. Login state lives in authDir so a
// restart does not force a new QR scan.
type Channel struct {
	*channels.BaseChannel
	cfg       config.ChannelConfig
	bridgeURL string
	authDir   string

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

type bridgeFrame struct {
	Type     string   `json:"type"`
	From     string   `json:"from,omitempty"`
	FromName string   `json:"from_name,omitempty"`
	Chat     string   `json:"chat,omitempty"`
	To       string   `json:"to,omitempty"`
	Content  string   `json:"content,omitempty"`
	Media    []string `json:"media,omitempty"`
	AuthDir  string   `json:"auth_dir,omitempty"`
}

func New(cfg config.ChannelConfig, dataDir string) (*Channel, error) {
	bridgeURL := cfg.Extra["bridgeUrl"]
	if bridgeURL == "" {
		return nil, errors.New("whatsapp: extra.bridgeUrl is required")
	}

	authDir := filepath.Join(dataDir, "channels", "whatsapp")
	if err := os.MkdirAll(authDir, 0o700); err != nil {
		return nil, fmt.Errorf("whatsapp: create auth dir: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBase("whatsapp", "WhatsApp", cfg, true),
		cfg:         cfg,
		bridgeURL:   bridgeURL,
		authDir:     authDir,
	}, nil
}

// Start launches the bridge read loop. The first connect failure is not
// fatal; the loop keeps retrying under the shared backoff.
func (c *Channel) Start(ctx context.Context, onMessage channels.MessageHandler) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.listenLoop(runCtx, onMessage)

	slog.Info("whatsapp channel starting", "bridge_url", c.bridgeURL)
	return nil
}

// Stop closes the bridge connection and waits for the read loop to exit.
func (c *Channel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(10 * time.Second):
			slog.Warn("whatsapp read loop did not exit in time")
		}
	}
	c.MarkDisconnected(nil)
	return nil
}

// Send writes a message frame to the bridge.
func (c *Channel) Send(_ context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("whatsapp: bridge not connected")
	}
	data, err := json.Marshal(bridgeFrame{Type: "message", To: to, Content: text})
	if err != nil {
		return fmt.Errorf("whatsapp: marshal frame: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("whatsapp: write frame: %w", err)
	}
	return nil
}

func (c *Channel) listenLoop(ctx context.Context, onMessage channels.MessageHandler) {
	defer close(c.done)

	for ctx.Err() == nil {
		conn, err := c.connect(ctx)
		if err != nil {
			c.MarkDisconnected(err)
			if !c.WaitBackoff(ctx) {
				return
			}
			continue
		}

		c.readFrames(ctx, conn, onMessage)
		c.closeConn()
		if ctx.Err() != nil {
			return
		}
		c.MarkDisconnected(errors.New("bridge connection lost"))
		if !c.WaitBackoff(ctx) {
			return
		}
	}
}

// connect dials the bridge and sends the init frame naming the auth dir.
func (c *Channel) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.bridgeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: dial bridge %s: %w", c.bridgeURL, err)
	}

	init, _ := json.Marshal(bridgeFrame{Type: "init", AuthDir: c.authDir})
	if err := conn.WriteMessage(websocket.TextMessage, init); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("whatsapp: send init frame: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// readFrames consumes frames until the connection drops. The "ready" frame,
// not the dial, marks the channel connected: the bridge may still be waiting
// for a QR scan.
func (c *Channel) readFrames(ctx context.Context, conn *websocket.Conn, onMessage channels.MessageHandler) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("whatsapp bridge read failed", "error", err)
			}
			return
		}

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("whatsapp bridge sent invalid JSON", "error", err)
			continue
		}

		switch frame.Type {
		case "qr":
			c.MarkAwaitingScan()
			slog.Info("whatsapp waiting for QR scan; check the bridge output")
		case "ready":
			c.MarkConnected()
		case "message":
			c.handleMessage(frame, onMessage)
		}
	}
}

func (c *Channel) handleMessage(frame bridgeFrame, onMessage channels.MessageHandler) {
	if frame.From == "" {
		return
	}
	chatID := frame.Chat
	if chatID == "" {
		chatID = frame.From
	}

	msg := channels.InboundMessage{
		ChannelID:  "whatsapp",
		ChatID:     chatID,
		SenderID:   frame.From,
		SenderName: frame.FromName,
		Text:       frame.Content,
		Media:      frame.Media,
		IsGroup:    strings.HasSuffix(chatID, "@g.us"),
		Timestamp:  time.Now(),
	}
	if msg.Text == "" && len(msg.Media) == 0 {
		return
	}
	if !c.Accept(msg) {
		return
	}
	onMessage(msg)
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
