package channels

import (
	"regexp"
	"strings"
)

// SanitizeReply cleans assistant text for delivery to a chat platform.
// Some models leak reasoning tags, tool-call XML, or internal media paths
// into their final text; none of that belongs in a user-visible message.
func SanitizeReply(content string) string {
	if content == "" {
		return ""
	}
	content = stripToolMarkup(content)
	content = stripThinkingTags(content)
	content = stripMediaLines(content)
	content = collapseDuplicateBlocks(content)
	return strings.TrimSpace(content)
}

var toolMarkupPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`,
)

var toolMarkupIndicators = []string{
	"<function_call",
	"<tool_call",
	"<tool_use",
	"<parameter name=",
	"</parameter",
	"<invoke",
}

// stripToolMarkup removes tool-call XML that models emit as plain text when
// they fail to use the structured tool channel.
func stripToolMarkup(content string) string {
	lower := strings.ToLower(content)
	found := false
	for _, ind := range toolMarkupIndicators {
		if strings.Contains(lower, ind) {
			found = true
			break
		}
	}
	if !found {
		return content
	}
	return strings.TrimSpace(toolMarkupPattern.ReplaceAllString(content, ""))
}

// Go regexp has no backreferences, so each tag gets its own pattern.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// stripMediaLines drops MEDIA: attachment lines; they address the executor,
// not the user.
func stripMediaLines(content string) string {
	if !strings.Contains(content, "MEDIA:") {
		return content
	}
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "MEDIA:") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// collapseDuplicateBlocks removes a paragraph repeated immediately after
// itself, a failure mode of some models under retry.
func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}

	var kept []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(kept) > 0 && trimmed == strings.TrimSpace(kept[len(kept)-1]) {
			continue
		}
		kept = append(kept, block)
	}
	return strings.Join(kept, "\n\n")
}

// silentToken suppresses the outbound reply entirely. Group-chat prompts
// instruct the model to answer with it when no response is warranted.
const silentToken = "NO_REPLY"

// IsSilentReply reports whether text is, starts with, or ends with the
// silence token as a standalone word.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == silentToken {
		return true
	}
	if rest, ok := strings.CutPrefix(trimmed, silentToken); ok {
		if rest == "" || !isWordChar(rest[0]) {
			return true
		}
	}
	if before, ok := strings.CutSuffix(trimmed, silentToken); ok {
		if before == "" || !isWordChar(before[len(before)-1]) {
			return true
		}
	}
	return false
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}
