package reply

import (
	"strings"
	"sync"

	"github.com/lexiqai/companion-voice/internal/orchestrator"
)

var defaultLines = map[orchestrator.PromptKind][]string{
	orchestrator.KindReply: {
		"Sorry, I drifted off for a second. Could you say that again?",
		"Hmm, I lost my train of thought there. Tell me more?",
		"Sorry, {name} got a little distracted. What were you saying?",
		"That's interesting. Keep going, I'm listening.",
	},
	orchestrator.KindFollowUp: {
		"Still there? I'd love to hear what you're thinking.",
		"Take your time. I'm right here.",
		"What's on your mind?",
	},
	orchestrator.KindFarewell: {
		"Talk soon. Take care of yourself!",
		"It was really nice talking with you. Bye for now!",
	},
}

// FallbackLines hands out pre-written lines in rotation so repeated failures
// do not repeat the same sentence back to back
type FallbackLines struct {
	mu    sync.Mutex
	lines map[orchestrator.PromptKind][]string
	next  map[orchestrator.PromptKind]int
}

// NewFallbackLines returns the default line set
func NewFallbackLines() *FallbackLines {
	return &FallbackLines{lines: defaultLines, next: make(map[orchestrator.PromptKind]int)}
}

// Next returns the next line for kind with {name} replaced by the character name
func (f *FallbackLines) Next(kind orchestrator.PromptKind, characterName string) string {
	f.mu.Lock()
	lines := f.lines[kind]
	if len(lines) == 0 {
		lines = f.lines[orchestrator.KindReply]
	}
	i := f.next[kind] % len(lines)
	f.next[kind] = i + 1
	f.mu.Unlock()

	name := characterName
	if name == "" {
		name = "I"
	}
	return strings.ReplaceAll(lines[i], "{name}", name)
}
