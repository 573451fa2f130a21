package tts

import (
	"context"
	"errors"
)

var (
	// ErrAllEndpointsFailed is returned when no TTS endpoint produced audio
	ErrAllEndpointsFailed = errors.New("all TTS endpoints failed")

	// ErrEmptyText is returned when asked to synthesize nothing
	ErrEmptyText = errors.New("empty text")
)

// Clip sources
const (
	SourceNetwork = "network"
	SourceLocal   = "local"
)

// ContentTypeClientSpeech marks a clip the client must speak with its own on-device voice
const ContentTypeClientSpeech = "application/x-speech-synthesis"

// VoiceSettings are the prosody parameters sent with each TTS request. All
// numeric values are in [0,1].
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// DefaultVoiceSettings returns neutral voice settings
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0.0,
		UseSpeakerBoost: true,
	}
}

// Clamp keeps every numeric setting within [0,1]
func (v VoiceSettings) Clamp() VoiceSettings {
	v.Stability = clamp01(v.Stability)
	v.SimilarityBoost = clamp01(v.SimilarityBoost)
	v.Style = clamp01(v.Style)
	return v
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Request is the TTS request body
type Request struct {
	Text          string        `json:"text"`
	VoiceID       string        `json:"voice_id"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// Clip is a synthesized utterance ready for playback
type Clip struct {
	ID          string
	Data        []byte
	ContentType string
	Text        string
	Source      string
}

// Synthesizer turns text into a playable clip
type Synthesizer interface {
	Synthesize(ctx context.Context, req *Request) (*Clip, error)
}
