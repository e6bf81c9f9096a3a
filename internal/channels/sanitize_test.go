package channels

import "testing"

func TestSanitizeReply(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text untouched",
			in:   "Here is your answer.",
			want: "Here is your answer.",
		},
		{
			name: "thinking tags stripped",
			in:   "<think>step by step</think>The answer is 4.",
			want: "The answer is 4.",
		},
		{
			name: "thinking tags case insensitive and multiline",
			in:   "<Thinking>line one\nline two</Thinking>\nDone.",
			want: "Done.",
		},
		{
			name: "tool call markup stripped",
			in:   `<tool_call name="exec">ls -la</tool_call> listed the files`,
			want: "ls -la listed the files",
		},
		{
			name: "invoke and parameter tags stripped",
			in:   `<invoke name="read_file"><parameter name="path">/tmp/x</parameter></invoke>done`,
			want: "/tmp/xdone",
		},
		{
			name: "media lines removed",
			in:   "Look at this:\nMEDIA:/tmp/undoable_media_1.jpg\nNice, right?",
			want: "Look at this:\nNice, right?",
		},
		{
			name: "consecutive duplicate paragraphs collapsed",
			in:   "All done.\n\nAll done.",
			want: "All done.",
		},
		{
			name: "non-adjacent duplicates kept",
			in:   "Yes.\n\nMaybe.\n\nYes.",
			want: "Yes.\n\nMaybe.\n\nYes.",
		},
		{
			name: "surrounding whitespace trimmed",
			in:   "  \n hello \n  ",
			want: "hello",
		},
		{
			name: "empty input",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeReply(tt.in)
			if got != tt.want {
				t.Errorf("SanitizeReply(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsSilentReply(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"exact token", "NO_REPLY", true},
		{"token with whitespace", "  NO_REPLY \n", true},
		{"token then punctuation", "NO_REPLY.", true},
		{"token leads sentence", "NO_REPLY - nothing to add", true},
		{"token ends sentence", "I will stay quiet: NO_REPLY", true},
		{"token inside a word", "NO_REPLYING today", false},
		{"token suffix of a word", "THERE_IS_NO_REPLY", false},
		{"normal reply", "Sure, here it is.", false},
		{"empty", "", false},
		{"mentions the token mid-sentence", "reply with NO_REPLY when done", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSilentReply(tt.in); got != tt.want {
				t.Errorf("IsSilentReply(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
