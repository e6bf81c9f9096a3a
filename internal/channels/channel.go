// Package channels connects external chat platforms (Telegram, Discord,
// Slack, WhatsApp) to the run executor. Every adapter satisfies the same
// small contract; the manager owns their lifecycle and bridges inbound
// messages into runs keyed by a stable per-chat session id.
package channels

import (
	"context"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/undoablehq/undoable/pkg/protocol"
)

// InboundMessage is one message received from a chat platform, normalized
// across adapters. Media holds local file paths of downloaded attachments.
type InboundMessage struct {
	ChannelID  string
	ChatID     string
	SenderID   string
	SenderName string
	Text       string
	Media      []string
	IsGroup    bool
	IsSelf     bool
	Timestamp  time.Time
}

// MessageHandler receives filtered inbound messages from an adapter.
type MessageHandler func(msg InboundMessage)

// Channel is the adapter contract. Start is non-blocking after setup;
// reconnect loops run on the adapter's own goroutines until Stop.
type Channel interface {
	// ID is the stable channel identifier ("telegram", "discord", ...).
	ID() string

	// Name is the human-readable platform name.
	Name() string

	// Start connects and begins delivering inbound messages to onMessage.
	Start(ctx context.Context, onMessage MessageHandler) error

	// Stop disconnects and stops all adapter goroutines.
	Stop(ctx context.Context) error

	// Send delivers text to a chat or user id on the platform.
	Send(ctx context.Context, to, text string) error

	// Status reports the current connection snapshot.
	Status() Status
}

// ClientAccessor exposes the underlying platform client for tool handlers
// that need raw API access. Adapters implement it when they have one.
type ClientAccessor interface {
	Client() interface{}
}

// Diagnostic is one actionable finding surfaced in a channel status.
type Diagnostic struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Recovery string `json:"recovery,omitempty"`
}

// Status is the derived snapshot returned by GET /channels. It is computed
// from config plus live runtime fields, never stored.
type Status struct {
	ChannelID       string       `json:"channelId"`
	Configured      bool         `json:"configured"`
	Connected       bool         `json:"connected"`
	Running         bool         `json:"running"`
	Status          string       `json:"status"`
	DMPolicy        string       `json:"dmPolicy,omitempty"`
	LastConnectedAt *time.Time   `json:"lastConnectedAt,omitempty"`
	LastError       string       `json:"lastError,omitempty"`
	Diagnostics     []Diagnostic `json:"diagnostics,omitempty"`
}

// statusEnum collapses the live fields into the wire status value.
func statusEnum(connected, awaitingScan bool, lastError string) string {
	switch {
	case connected:
		return protocol.ChannelStatusConnected
	case awaitingScan:
		return protocol.ChannelStatusAwaitingScan
	case lastError != "":
		return protocol.ChannelStatusError
	default:
		return protocol.ChannelStatusOffline
	}
}

// TruncatePreview shortens text for log previews, counting display cells so
// wide runes do not blow past the limit.
func TruncatePreview(s string, width int) string {
	return runewidth.Truncate(s, width, "...")
}
