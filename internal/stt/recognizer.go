package stt

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/observability"
	"github.com/lexiqai/companion-voice/internal/resilience"
)

// RecognizerCallbacks receives recognizer output. Any callback may be nil.
type RecognizerCallbacks struct {
	OnInterim func(text string)
	OnFinal   func(text string, confidence float64)
	OnEnded   func(err error)
	OnFatal   func(err error)
}

// Recognizer keeps a continuous recognition stream alive for as long as the
// caller wants to listen. Streams that end on their own are restarted after a
// bounded backoff unless the caller stopped them or permission was denied.
type Recognizer struct {
	engine    Engine
	callbacks RecognizerCallbacks
	logger    zerolog.Logger

	restart   resilience.Timer
	reconnect *resilience.Reconnector

	mu           sync.Mutex
	ctx          context.Context
	current      EngineSession
	session      uint64
	running      bool
	desire       bool
	explicitStop bool
	closed       bool
}

// NewRecognizer creates a recognizer over engine
func NewRecognizer(engine Engine, reconnect *resilience.ReconnectConfig, callbacks RecognizerCallbacks, logger zerolog.Logger) *Recognizer {
	return &Recognizer{
		engine:    engine,
		callbacks: callbacks,
		logger:    logger.With().Str("component", "recognizer").Logger(),
		reconnect: resilience.NewReconnector(reconnect),
		ctx:       context.Background(),
	}
}

// Start begins continuous recognition. Starting while already running is a no-op.
func (r *Recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	r.reconnect.Reset()
	r.mu.Unlock()
	return r.start(ctx)
}

func (r *Recognizer) start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRecognizerClosed
	}
	if r.running {
		r.mu.Unlock()
		r.logger.Debug().Msg("Recognizer already running, ignoring start")
		return nil
	}
	r.restart.Cancel()
	r.session++
	sess := r.session
	r.running = true
	r.desire = true
	r.explicitStop = false
	r.ctx = ctx
	r.mu.Unlock()

	es, err := r.engine.Open(ctx, EngineEvents{
		OnResult: func(res *TranscriptionResult) { r.handleResult(sess, res) },
		OnEnded:  func(err error) { r.handleEnded(sess, err) },
	})
	if err != nil {
		r.logger.Warn().Err(err).Uint64("session", sess).Msg("Recognizer failed to open stream")
		r.handleEnded(sess, err)
		return err
	}

	r.mu.Lock()
	if r.session == sess && r.running {
		r.current = es
		r.mu.Unlock()
		r.logger.Debug().Uint64("session", sess).Msg("Recognizer started")
		return nil
	}
	r.mu.Unlock()

	// Stopped while opening
	_ = es.Stop()
	return nil
}

// Stop ends recognition and suppresses auto-restart. Idempotent.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	r.restart.Cancel()
	r.desire = false
	if r.explicitStop || !r.running {
		r.explicitStop = true
		r.mu.Unlock()
		return nil
	}
	r.explicitStop = true
	r.running = false
	es := r.current
	r.current = nil
	r.mu.Unlock()

	if es == nil {
		return nil
	}
	if err := es.Stop(); err != nil {
		r.logger.Debug().Err(err).Msg("Recognizer stream stop returned error")
	}
	return nil
}

// Close stops recognition permanently
func (r *Recognizer) Close() error {
	err := r.Stop()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return err
}

// SetDesireListening records whether the caller still wants audio transcribed.
// Clearing it cancels any pending restart.
func (r *Recognizer) SetDesireListening(desire bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.desire = desire
	if !desire {
		r.restart.Cancel()
	}
}

// IsRunning reports whether a stream is open
func (r *Recognizer) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// RestartPending reports whether an auto-restart is scheduled
func (r *Recognizer) RestartPending() bool {
	return r.restart.Pending()
}

// SendAudio forwards PCM to the open stream. Audio is dropped while stopped.
func (r *Recognizer) SendAudio(audioData []byte) error {
	r.mu.Lock()
	es := r.current
	running := r.running
	r.mu.Unlock()

	if !running || es == nil {
		return nil
	}
	return es.SendAudio(audioData)
}

func (r *Recognizer) handleResult(sess uint64, res *TranscriptionResult) {
	if res == nil || res.Text == "" {
		return
	}

	r.mu.Lock()
	if sess != r.session || !r.running {
		r.mu.Unlock()
		r.logger.Debug().Uint64("session", sess).Msg("Dropping result from stale recognizer stream")
		return
	}
	r.reconnect.Reset()
	r.mu.Unlock()

	if res.IsFinal {
		if r.callbacks.OnFinal != nil {
			r.callbacks.OnFinal(res.Text, res.Confidence)
		}
		return
	}
	if r.callbacks.OnInterim != nil {
		r.callbacks.OnInterim(res.Text)
	}
}

func (r *Recognizer) handleEnded(sess uint64, err error) {
	r.mu.Lock()
	if sess != r.session {
		r.mu.Unlock()
		r.logger.Debug().Uint64("session", sess).Msg("Earlier recognizer stream ended")
		if r.callbacks.OnEnded != nil {
			r.callbacks.OnEnded(err)
		}
		return
	}
	r.running = false
	r.current = nil
	explicit := r.explicitStop
	desire := r.desire
	closed := r.closed
	ctx := r.ctx
	r.mu.Unlock()

	if r.callbacks.OnEnded != nil {
		r.callbacks.OnEnded(err)
	}

	if CodeOf(err) == ErrorNotAllowed {
		r.SetDesireListening(false)
		r.logger.Error().Err(err).Msg("Recognition permission denied, not restarting")
		if r.callbacks.OnFatal != nil {
			r.callbacks.OnFatal(fmt.Errorf("%w: %v", ErrMicrophonePermissionDenied, err))
		}
		return
	}

	if explicit || !desire || closed || ctx.Err() != nil {
		return
	}

	reason := "ended"
	if code := CodeOf(err); code != "" {
		reason = string(code)
	} else if err != nil {
		reason = "error"
	}

	r.mu.Lock()
	delay, ok := r.reconnect.Next()
	attempt := r.reconnect.Attempts()
	r.mu.Unlock()

	if !ok {
		r.logger.Error().Err(err).Int("attempts", attempt).Msg("Recognizer restart attempts exhausted")
		if r.callbacks.OnFatal != nil {
			r.callbacks.OnFatal(fmt.Errorf("recognizer restart attempts exhausted: %w", err))
		}
		return
	}

	observability.RecordRecognizerRestart(reason)
	r.logger.Info().
		Str("reason", reason).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("Recognizer stream ended, scheduling restart")

	r.restart.Schedule(delay, func() {
		r.mu.Lock()
		skip := r.running || r.explicitStop || !r.desire || r.closed
		r.mu.Unlock()
		if skip {
			return
		}
		if err := r.start(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Recognizer restart failed")
		}
	})
}
