package orchestrator

import (
	"context"
	"errors"

	"github.com/lexiqai/companion-voice/internal/session"
)

// ErrEmptyReply is returned when the backend produced no text
var ErrEmptyReply = errors.New("empty reply from text generation")

// PromptKind selects what kind of line the companion should produce
type PromptKind string

const (
	KindReply    PromptKind = "reply"    // Answer the user's utterance
	KindFollowUp PromptKind = "followup" // Re-engage after the user fell silent
	KindFarewell PromptKind = "farewell" // Close the call
)

// Prompt is everything the text generation backend needs for one line
type Prompt struct {
	SessionID string
	Kind      PromptKind
	Utterance string
	History   []session.Utterance
	Character session.Character
	Intensity float64
}

// ReplyGenerator produces companion reply text. Implementations are slow and fallible.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, prompt *Prompt) (string, error)
}

// OrchestratorResponse is one streamed message from the orchestrator
type OrchestratorResponse struct {
	TextChunk   string
	IsDone      bool
	TotalTokens int32
	Error       *Error
}

// Error represents an error from the Orchestrator
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return "orchestrator error " + e.Code + ": " + e.Message
}
