package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// ClientSpeechSynthesizer produces clips that instruct the client to speak the
// text with its on-device voice. It never touches the network.
type ClientSpeechSynthesizer struct {
	Rate   float64
	Pitch  float64
	Volume float64
}

// NewClientSpeechSynthesizer returns a synthesizer with default voice parameters
func NewClientSpeechSynthesizer() *ClientSpeechSynthesizer {
	return &ClientSpeechSynthesizer{Rate: 1.0, Pitch: 1.0, Volume: 1.0}
}

// clientSpeech is the payload of a client speech clip
type clientSpeech struct {
	Text   string  `json:"text"`
	Rate   float64 `json:"rate"`
	Pitch  float64 `json:"pitch"`
	Volume float64 `json:"volume"`
}

// Synthesize wraps the text for on-device playback
func (s *ClientSpeechSynthesizer) Synthesize(ctx context.Context, req *Request) (*Clip, error) {
	if req == nil || strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(clientSpeech{Text: req.Text, Rate: s.Rate, Pitch: s.Pitch, Volume: s.Volume})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal client speech: %w", err)
	}

	return &Clip{
		ID:          uuid.New().String(),
		Data:        data,
		ContentType: ContentTypeClientSpeech,
		Text:        req.Text,
		Source:      SourceLocal,
	}, nil
}

// CommandSynthesizer renders speech with a local text-to-speech binary that
// writes WAV to stdout, such as espeak-ng.
type CommandSynthesizer struct {
	Command string
	Args    []string
}

// NewCommandSynthesizer returns a synthesizer for an espeak-compatible command
func NewCommandSynthesizer(command string) *CommandSynthesizer {
	return &CommandSynthesizer{Command: command, Args: []string{"--stdout"}}
}

// Synthesize runs the command; cancelling ctx kills it
func (s *CommandSynthesizer) Synthesize(ctx context.Context, req *Request) (*Clip, error) {
	if req == nil || strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	args := append(append([]string{}, s.Args...), req.Text)
	cmd := exec.CommandContext(ctx, s.Command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("local synthesizer %s failed: %w: %s", s.Command, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("local synthesizer %s produced no audio", s.Command)
	}

	return &Clip{
		ID:          uuid.New().String(),
		Data:        stdout.Bytes(),
		ContentType: "audio/wav",
		Text:        req.Text,
		Source:      SourceLocal,
	}, nil
}
