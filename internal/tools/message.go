package tools

import (
	"context"
	"fmt"

	"github.com/undoablehq/undoable/pkg/protocol"
)

// ChannelSender delivers outbound text to a connected chat channel. The
// channel manager satisfies this.
type ChannelSender interface {
	Send(ctx context.Context, channelID, to, text string) error
}

// MessageTool sends a message through one of the configured chat channels.
// A delivered message cannot be recalled, so the tool is not undoable.
type MessageTool struct {
	sender ChannelSender
}

func NewMessageTool() *MessageTool { return &MessageTool{} }

// SetSender wires the channel manager. The tool reports an error until one
// is set, so it can be registered before channels come up.
func (t *MessageTool) SetSender(s ChannelSender) { t.sender = s }

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send a message to a chat on one of the connected channels"
}
func (t *MessageTool) Category() string { return protocol.CategoryNetwork }
func (t *MessageTool) Undoable() bool   { return false }
func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Channel id to send through (e.g. telegram, discord)",
			},
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Target chat or user id on that channel",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Text to send",
			},
		},
		"required": []string{"channel", "to", "message"},
	}
}

type messageArgs struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Message string `json:"message"`
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	var a messageArgs
	if err := decodeArgs(args, &a); err != nil {
		return ErrorResult(err.Error())
	}
	if a.Channel == "" || a.To == "" || a.Message == "" {
		return ErrorResult("channel, to and message are required")
	}
	if t.sender == nil {
		return ErrorResult("no channels are connected")
	}

	if err := t.sender.Send(ctx, a.Channel, a.To, a.Message); err != nil {
		return ErrorResult(fmt.Sprintf("send failed: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Message sent to %s via %s", a.To, a.Channel))
}
