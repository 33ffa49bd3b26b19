package orchestrator

import (
	"slices"
	"strings"
)

type cannedIntent struct {
	name     string
	keywords []string
	// words only match as whole words.
	words []string
	reply string
}

// cannedIntents is checked in order; the first match wins.
var cannedIntents = []cannedIntent{
	{name: "greeting", keywords: []string{"greeting"}, words: []string{"hello", "hi"}, reply: "Hello! How can I help you today?"},
	{name: "goodbye", keywords: []string{"goodbye"}, reply: "Goodbye! Have a great day!"},
	{name: "thanks", keywords: []string{"thanks"}, reply: "You're welcome! Is there anything else I can help with?"},
	{name: "help", keywords: []string{"help"}, reply: "I'm here to help! What do you need assistance with?"},
}

// FallbackReply is used when language generation fails.
const FallbackReply = "I understand. How can I help you with that?"

// matchCanned does a case-insensitive match against the intent table.
// Keywords match as substrings; "hello" and "hi" only as whole words so
// "Othello" or "this" do not trigger a greeting.
func matchCanned(text string) (cannedIntent, bool) {
	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
	for _, intent := range cannedIntents {
		for _, kw := range intent.keywords {
			if strings.Contains(lower, kw) {
				return intent, true
			}
		}
		for _, kw := range intent.words {
			if slices.Contains(words, kw) {
				return intent, true
			}
		}
	}
	return cannedIntent{}, false
}
