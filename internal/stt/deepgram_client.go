package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/config"
	"github.com/lexiqai/companion-voice/internal/observability"
	"github.com/lexiqai/companion-voice/internal/resilience"
)

var errDeepgramConnect = errors.New("failed to connect to Deepgram")

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	session *deepgramSession
}

// Message forwards transcription results to the session
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.session.handleMessage(message)
	return nil
}

// Error ends the session with a classified recognition error
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	detail := fmt.Sprintf("%+v", errorResponse)
	m.session.logger.Warn().Str("detail", detail).Msg("Deepgram error")
	m.session.end(&RecognitionError{Code: ClassifyEngineError(detail), Detail: detail})
	return nil
}

// Close ends the session when the socket closes
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	m.session.end(nil)
	return nil
}

// DeepgramEngine opens Deepgram live transcription streams for 16-bit PCM audio
type DeepgramEngine struct {
	config         *config.Config
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramEngine creates a Deepgram recognition engine
func NewDeepgramEngine(cfg *config.Config, logger zerolog.Logger) *DeepgramEngine {
	circuitBreaker := resilience.NewCircuitBreaker(
		"deepgram",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange = func(name string, state resilience.CircuitState, failed bool) {
		observability.ObserveCircuitBreaker(name, int(state), failed)
	}

	return &DeepgramEngine{
		config:         cfg,
		circuitBreaker: circuitBreaker,
		logger:         logger.With().Str("component", "deepgram").Logger(),
	}
}

// Healthy reports whether the engine is configured and its breaker admits streams
func (d *DeepgramEngine) Healthy(ctx context.Context) (bool, error) {
	if d.config.DeepgramAPIKey == "" {
		return false, fmt.Errorf("deepgram API key not configured")
	}
	if d.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// Open starts a new Deepgram streaming transcription session
func (d *DeepgramEngine) Open(ctx context.Context, events EngineEvents) (EngineSession, error) {
	sessCtx, cancel := context.WithCancel(ctx)
	session := &deepgramSession{
		events: events,
		cancel: cancel,
		logger: d.logger,
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.DeepgramModel,
		Language:       d.config.DeepgramLanguage,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.config.AudioSampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		session:                session,
	}

	err := d.circuitBreaker.Execute(sessCtx, func(ctx context.Context) error {
		client, err := listenClient.NewWSUsingCallback(
			ctx,
			d.config.DeepgramAPIKey,
			nil, // ClientOptions - nil uses defaults
			tOptions,
			callback,
		)
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		if !client.Connect() {
			return errDeepgramConnect
		}
		session.client = client
		return nil
	})
	if err != nil {
		cancel()
		code := ErrorNetwork
		if errors.Is(err, resilience.ErrCircuitOpen) {
			code = ErrorAborted
		} else if ClassifyEngineError(err.Error()) == ErrorNotAllowed {
			code = ErrorNotAllowed
		}
		return nil, &RecognitionError{Code: code, Detail: err.Error()}
	}

	d.logger.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Int("sample_rate", d.config.AudioSampleRate).
		Msg("Deepgram stream opened")
	return session, nil
}

// deepgramSession is one open Deepgram socket
type deepgramSession struct {
	client *listenClient.WSCallback
	events EngineEvents
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.Mutex
	pending []string
	conf    float64
	ended   bool
	endOnce sync.Once
}

// handleMessage processes messages from Deepgram. Finalized segments are
// buffered until Deepgram marks the end of speech so each utterance yields
// exactly one final result.
func (s *deepgramSession) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	alt := msg.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}

	if !msg.IsFinal {
		interim := strings.TrimSpace(strings.Join(append(append([]string{}, s.pending...), text), " "))
		s.mu.Unlock()
		if text != "" && s.events.OnResult != nil {
			s.events.OnResult(&TranscriptionResult{Text: interim, Confidence: alt.Confidence, StartTime: msg.Start, Duration: msg.Duration})
		}
		return
	}

	if text != "" {
		s.pending = append(s.pending, text)
		if alt.Confidence > s.conf || s.conf == 0 {
			s.conf = alt.Confidence
		}
	}
	if !msg.SpeechFinal {
		s.mu.Unlock()
		return
	}
	result := s.flushLocked()
	s.mu.Unlock()

	if result != nil && s.events.OnResult != nil {
		s.events.OnResult(result)
	}
}

func (s *deepgramSession) flushLocked() *TranscriptionResult {
	if len(s.pending) == 0 {
		return nil
	}
	result := &TranscriptionResult{
		Text:       strings.Join(s.pending, " "),
		IsFinal:    true,
		Confidence: s.conf,
	}
	s.pending = nil
	s.conf = 0
	return result
}

// SendAudio sends an audio chunk to Deepgram
func (s *deepgramSession) SendAudio(audioData []byte) error {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended || s.client == nil {
		return fmt.Errorf("deepgram stream is not active")
	}

	if _, err := s.client.Write(audioData); err != nil {
		s.end(&RecognitionError{Code: ErrorNetwork, Detail: err.Error()})
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// Stop finishes the Deepgram stream
func (s *deepgramSession) Stop() error {
	if s.client != nil {
		s.client.Finish()
	}
	s.end(nil)
	return nil
}

// end reports the session end exactly once, flushing any buffered final text
func (s *deepgramSession) end(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.ended = true
		result := s.flushLocked()
		s.mu.Unlock()

		if result != nil && err == nil && s.events.OnResult != nil {
			s.events.OnResult(result)
		}
		s.cancel()
		if s.events.OnEnded != nil {
			s.events.OnEnded(err)
		}
	})
}
