package reply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/config"
	"github.com/lexiqai/companion-voice/internal/observability"
	"github.com/lexiqai/companion-voice/internal/orchestrator"
	"github.com/lexiqai/companion-voice/internal/session"
	"github.com/lexiqai/companion-voice/internal/tts"
)

// intensityStep is how much each completed exchange warms the relationship
const intensityStep = 0.02

// Options shapes replies
type Options struct {
	HistoryWindow  int
	MaxSentences   int
	MaxChars       int
	TextGenTimeout time.Duration
	TTSTimeout     time.Duration
	ModelID        string
	DefaultVoiceID string
}

// OptionsFromConfig builds Options from configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HistoryWindow:  cfg.HistoryWindow,
		MaxSentences:   cfg.ReplyMaxSentences,
		MaxChars:       cfg.ReplyMaxChars,
		TextGenTimeout: time.Duration(cfg.OrchestratorTimeout) * time.Second,
		TTSTimeout:     time.Duration(cfg.TTSTimeout) * time.Second,
		ModelID:        cfg.ElevenLabsModelID,
		DefaultVoiceID: cfg.ElevenLabsVoiceID,
	}
}

// Response is a spoken line ready for playback
type Response struct {
	Text      string
	Clip      *tts.Clip
	Generated bool // false when a pre-written line was used
}

// Synthesizer turns "the user said X" into "the companion says Y, spoken".
// Backend failures degrade to pre-written lines and the local voice so the
// conversation never goes silent.
type Synthesizer struct {
	generator orchestrator.ReplyGenerator
	network   tts.Synthesizer
	local     tts.Synthesizer
	device    tts.Synthesizer
	fallback  *FallbackLines
	opts      Options
	logger    zerolog.Logger
}

// NewSynthesizer creates a response synthesizer
func NewSynthesizer(generator orchestrator.ReplyGenerator, network, local tts.Synthesizer, opts Options, logger zerolog.Logger) *Synthesizer {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 15
	}
	return &Synthesizer{
		generator: generator,
		network:   network,
		local:     local,
		device:    tts.NewClientSpeechSynthesizer(),
		fallback:  NewFallbackLines(),
		opts:      opts,
		logger:    logger.With().Str("component", "response_synthesizer").Logger(),
	}
}

// Respond obtains and speaks the reply to text and records it. The caller
// records the user's utterance first so history keeps event order.
// A cancelled ctx returns ctx.Err() and nothing is recorded for the AI.
func (s *Synthesizer) Respond(ctx context.Context, sess *session.CallSession, text string, confidence float64) (*Response, error) {
	return s.compose(ctx, sess, orchestrator.KindReply, text)
}

// FollowUp produces an unprompted line after the user has gone quiet
func (s *Synthesizer) FollowUp(ctx context.Context, sess *session.CallSession) (*Response, error) {
	return s.compose(ctx, sess, orchestrator.KindFollowUp, "")
}

// Farewell produces the closing line of a call
func (s *Synthesizer) Farewell(ctx context.Context, sess *session.CallSession) (*Response, error) {
	return s.compose(ctx, sess, orchestrator.KindFarewell, "")
}

func (s *Synthesizer) compose(ctx context.Context, sess *session.CallSession, kind orchestrator.PromptKind, input string) (*Response, error) {
	character := sess.Character()
	prompt := &orchestrator.Prompt{
		SessionID: sess.ID(),
		Kind:      kind,
		Utterance: input,
		History:   sess.Recent(s.opts.HistoryWindow),
		Character: character,
		Intensity: sess.Intensity(),
	}

	generated := true
	line, err := s.generate(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Text generation failed, using fallback line")
		observability.RecordComponentError("textgen", "response_synthesizer")
		line = s.fallback.Next(kind, character.Name)
		generated = false
	}

	spoken := TrimForSpeech(line, s.opts.MaxSentences, s.opts.MaxChars)
	if spoken == "" {
		spoken = s.fallback.Next(kind, character.Name)
		generated = false
	}

	req := &tts.Request{
		Text:          spoken,
		VoiceID:       character.VoiceID,
		ModelID:       s.opts.ModelID,
		VoiceSettings: DeriveProsody(input, sess.Intensity()),
	}
	if req.VoiceID == "" {
		req.VoiceID = s.opts.DefaultVoiceID
	}

	clip, err := s.speak(ctx, req)
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := sess.Append(session.NewAIUtterance(spoken, time.Now())); err != nil {
		return nil, err
	}
	if kind == orchestrator.KindReply {
		sess.AdjustIntensity(intensityStep)
	}

	return &Response{Text: spoken, Clip: clip, Generated: generated}, nil
}

func (s *Synthesizer) generate(ctx context.Context, prompt *orchestrator.Prompt) (string, error) {
	if s.generator == nil {
		return "", errors.New("no text generator configured")
	}
	if s.opts.TextGenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TextGenTimeout)
		defer cancel()
	}
	return s.generator.GenerateReply(ctx, prompt)
}

// speak tries the network voice and falls back to the local one
func (s *Synthesizer) speak(ctx context.Context, req *tts.Request) (*tts.Clip, error) {
	if s.network != nil {
		netCtx := ctx
		if s.opts.TTSTimeout > 0 {
			var cancel context.CancelFunc
			netCtx, cancel = context.WithTimeout(ctx, s.opts.TTSTimeout)
			defer cancel()
		}

		clip, err := s.network.Synthesize(netCtx, req)
		if err == nil {
			return clip, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		} else if errors.Is(err, tts.ErrAllEndpointsFailed) {
			reason = "endpoints_failed"
		}
		observability.RecordTTSFallback(reason)
		s.logger.Warn().Err(err).Str("reason", reason).Msg("Network TTS failed, using local voice")
	}

	local := *req
	local.VoiceSettings = tts.DefaultVoiceSettings()
	if s.local != nil {
		clip, err := s.local.Synthesize(ctx, &local)
		if err == nil {
			return clip, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		observability.RecordTTSFallback("local_failed")
		s.logger.Warn().Err(err).Msg("Local voice failed, asking the client to speak")
	}

	// The on-device voice only fails on empty text or a cancelled ctx
	clip, err := s.device.Synthesize(ctx, &local)
	if err != nil {
		return nil, fmt.Errorf("client speech failed: %w", err)
	}
	return clip, nil
}
