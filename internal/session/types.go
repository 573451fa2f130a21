package session

import (
	"errors"
	"time"
)

// ErrSessionAlreadyActive is returned when a device already has a live call
var ErrSessionAlreadyActive = errors.New("session already active for device")

// ErrSessionEnded is returned when mutating a session after it ended
var ErrSessionEnded = errors.New("session ended")

// TurnState is the conversational state of a call
type TurnState int

const (
	StateIdle TurnState = iota
	StateListening
	StateUserSpeaking
	StateProcessing
	StateAiSpeaking
	StateMuted
	StateEnded
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateUserSpeaking:
		return "user_speaking"
	case StateProcessing:
		return "processing"
	case StateAiSpeaking:
		return "ai_speaking"
	case StateMuted:
		return "muted"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Speaker identifies who produced an utterance
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// Utterance is one line of the conversation. Values are never mutated after creation.
type Utterance struct {
	Speaker    Speaker
	Text       string
	CreatedAt  time.Time
	Confidence *float64
}

// NewUserUtterance builds a user utterance with recognition confidence
func NewUserUtterance(text string, confidence float64, at time.Time) Utterance {
	c := confidence
	return Utterance{Speaker: SpeakerUser, Text: text, CreatedAt: at, Confidence: &c}
}

// NewAIUtterance builds an AI utterance
func NewAIUtterance(text string, at time.Time) Utterance {
	return Utterance{Speaker: SpeakerAI, Text: text, CreatedAt: at}
}

// Character is the companion persona and voice a call speaks with
type Character struct {
	ID      string
	Name    string
	VoiceID string
}
