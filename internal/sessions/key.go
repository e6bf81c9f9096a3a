// Package sessions persists chat transcripts, one JSON file per session id.
//
// Session ids are flat strings. Channel conversations use the canonical form
//
//	chat:{channelId}:{chatId}
//
// so every chat keeps its own transcript across runs and daemon restarts.
// Runs started over HTTP or by the scheduler pass whatever id the caller
// chose, or none at all for one-shot runs.
package sessions

import (
	"path/filepath"
	"strings"
)

// ChatKey returns the stable session id for one conversation on one channel.
func ChatKey(channelID, chatID string) string {
	return "chat:" + channelID + ":" + chatID
}

// IsChatSession reports whether a session id came from a channel conversation.
func IsChatSession(id string) bool {
	return strings.HasPrefix(id, "chat:")
}

// ChannelFromKey extracts the channel id from a chat session key, or "" for
// ids that are not chat sessions.
func ChannelFromKey(id string) string {
	if !IsChatSession(id) {
		return ""
	}
	rest := strings.TrimPrefix(id, "chat:")
	if i := strings.IndexByte(rest, ':'); i > 0 {
		return rest[:i]
	}
	return ""
}

// fileStem maps a session id to a filename-safe stem. Collisions are
// acceptable only for ids that differ in characters no channel produces.
func fileStem(id string) string {
	var sb strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	stem := sb.String()
	if stem == "" || stem == "." || stem == ".." || !filepath.IsLocal(stem) {
		return ""
	}
	return stem
}
