package turn

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/observability"
	"github.com/lexiqai/companion-voice/internal/reply"
	"github.com/lexiqai/companion-voice/internal/resilience"
	"github.com/lexiqai/companion-voice/internal/session"
	"github.com/lexiqai/companion-voice/internal/tts"
)

const (
	defaultClosingTimeout = 5 * time.Second
	eventBuffer           = 64
)

// Recognizer is the part of the speech recognizer the controller drives
type Recognizer interface {
	Start(ctx context.Context) error
	Stop() error
	SetDesireListening(desire bool)
}

// Playback is the part of the playback queue the controller drives
type Playback interface {
	EnqueueAndPlay(ctx context.Context, clip *tts.Clip) (bool, error)
	Cancel()
	IsPlaying() bool
}

// Responder produces spoken lines
type Responder interface {
	Respond(ctx context.Context, sess *session.CallSession, text string, confidence float64) (*reply.Response, error)
	FollowUp(ctx context.Context, sess *session.CallSession) (*reply.Response, error)
	Farewell(ctx context.Context, sess *session.CallSession) (*reply.Response, error)
}

// Hooks observe the controller. Hooks run on controller goroutines and must not block.
type Hooks struct {
	OnStateChange func(from, to session.TurnState)
	OnUtterance   func(u session.Utterance)
	OnEnded       func(err error)
}

// Config wires a controller to its collaborators
type Config struct {
	Session        *session.CallSession
	Recognizer     Recognizer
	Playback       Playback
	Responder      Responder
	Metrics        *observability.Metrics
	Hooks          Hooks
	FollowUp       FollowUpConfig
	ClosingTimeout time.Duration
}

// Controller runs the turn machine for one call. Events are applied in
// arrival order on a single goroutine and effects are executed there.
type Controller struct {
	sess           *session.CallSession
	recognizer     Recognizer
	playback       Playback
	responder      Responder
	metrics        *observability.Metrics
	hooks          Hooks
	closingTimeout time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	events  chan Event
	recOps  chan func()
	silence resilience.Timer

	mu      sync.RWMutex
	machine Machine

	// owned by the event loop
	respondCtx    context.Context
	respondCancel context.CancelFunc

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}
	ended     chan struct{}
	endErr    error
}

// NewController creates a controller in the Idle state. Call Start to run it.
func NewController(cfg Config, logger zerolog.Logger) *Controller {
	closing := cfg.ClosingTimeout
	if closing <= 0 {
		closing = defaultClosingTimeout
	}
	return &Controller{
		sess:           cfg.Session,
		recognizer:     cfg.Recognizer,
		playback:       cfg.Playback,
		responder:      cfg.Responder,
		metrics:        cfg.Metrics,
		hooks:          cfg.Hooks,
		closingTimeout: closing,
		logger:         logger.With().Str("component", "turn_controller").Logger(),
		now:            time.Now,
		events:         make(chan Event, eventBuffer),
		recOps:         make(chan func(), eventBuffer),
		machine:        NewMachine(cfg.FollowUp),
		done:           make(chan struct{}),
		ended:          make(chan struct{}),
	}
}

// Start runs the event loop until the call ends. Cancelling ctx ends the call
// without a farewell.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)
		go c.recognizerLoop()
		go c.run(ctx)
	})
}

// Ready moves Idle to Listening once the microphone and recognizer are available
func (c *Controller) Ready() { c.post(Event{Kind: EventReady}) }

// SpeechStarted reports the user started speaking
func (c *Controller) SpeechStarted() { c.post(Event{Kind: EventSpeechStarted}) }

// SpeechEnded reports the user stopped speaking
func (c *Controller) SpeechEnded() { c.post(Event{Kind: EventSpeechEnded}) }

// FinalResult reports a finalized transcript
func (c *Controller) FinalResult(text string, confidence float64) {
	c.post(Event{Kind: EventFinalResult, Text: text, Confidence: confidence})
}

// Mute stops listening, or defers that until the AI finishes speaking
func (c *Controller) Mute() { c.post(Event{Kind: EventMute}) }

// Unmute resumes listening
func (c *Controller) Unmute() { c.post(Event{Kind: EventUnmute}) }

// Fatal ends the call because of err
func (c *Controller) Fatal(err error) { c.post(Event{Kind: EventFatal, Err: err}) }

// End ends the call, optionally speaking a closing line first, and waits for
// teardown to complete or ctx to expire.
func (c *Controller) End(ctx context.Context, farewell bool) error {
	c.post(Event{Kind: EventEnd, Farewell: farewell})
	select {
	case <-c.ended:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ended is closed once the call has been torn down
func (c *Controller) Ended() <-chan struct{} { return c.ended }

// Err returns the error that ended the call, if it ended fatally
func (c *Controller) Err() error {
	select {
	case <-c.ended:
		return c.endErr
	default:
		return nil
	}
}

// State returns the current turn state
func (c *Controller) State() session.TurnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.machine.State
}

// MutePending reports whether a deferred mute is waiting for the AI to finish
func (c *Controller) MutePending() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.machine.MutePending()
}

func (c *Controller) post(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) run(parent context.Context) {
	defer close(c.done)
	parentDone := parent.Done()

	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-parentDone:
			parentDone = nil
			c.handle(Event{Kind: EventEnd, At: c.now()})
		case <-c.ended:
			return
		}
	}
}

func (c *Controller) handle(ev Event) {
	c.mu.Lock()
	prev := c.machine
	next, effects := prev.Apply(ev)
	c.machine = next
	c.mu.Unlock()

	if next.State != prev.State {
		c.sess.SetState(next.State)
		c.metrics.RecordTransition(prev.State.String(), next.State.String())
		c.logger.Debug().
			Str("event", ev.Kind.String()).
			Str("from", prev.State.String()).
			Str("to", next.State.String()).
			Uint64("generation", next.Generation).
			Msg("Turn state changed")
		if c.hooks.OnStateChange != nil {
			c.hooks.OnStateChange(prev.State, next.State)
		}
	}

	for _, e := range effects {
		c.execute(e)
	}
}

func (c *Controller) execute(e Effect) {
	switch e.Kind {
	case EffectStartRecognizer:
		c.recognizerOp(func() {
			c.recognizer.SetDesireListening(true)
			if err := c.recognizer.Start(c.ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to start recognizer")
			}
		})

	case EffectStopRecognizer:
		c.recognizerOp(func() { _ = c.recognizer.Stop() })

	case EffectRestartRecognizer:
		c.recognizerOp(func() {
			_ = c.recognizer.Stop()
			c.recognizer.SetDesireListening(true)
			if err := c.recognizer.Start(c.ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to restart recognizer")
			}
		})

	case EffectCancelPlayback:
		c.playback.Cancel()

	case EffectCancelResponse:
		c.cancelResponse()

	case EffectRespond:
		// Recorded here so the prompt history follows final order
		u := session.NewUserUtterance(e.Text, e.Confidence, c.now())
		if err := c.sess.Append(u); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to record user utterance")
		}
		if c.hooks.OnUtterance != nil {
			c.hooks.OnUtterance(u)
		}
		ctx := c.beginResponse()
		gen := e.Generation
		text, confidence := e.Text, e.Confidence
		go c.deliver(gen, func() (*reply.Response, error) {
			return c.responder.Respond(ctx, c.sess, text, confidence)
		})

	case EffectFollowUp:
		ctx := c.beginResponse()
		go c.deliver(e.Generation, func() (*reply.Response, error) {
			return c.responder.FollowUp(ctx, c.sess)
		})

	case EffectPlay:
		c.play(e)

	case EffectArmSilence:
		timer := e.Timer
		c.silence.Schedule(e.Delay, func() { c.post(Event{Kind: EventSilenceElapsed, Timer: timer}) })

	case EffectCancelSilence:
		c.silence.Cancel()

	case EffectBargeIn:
		c.metrics.RecordBargeIn()
		c.logger.Info().Msg("User barged in")

	case EffectStale:
		c.metrics.RecordStaleEvent(e.Reason)
		c.logger.Debug().Str("reason", e.Reason).Msg("Discarded stale event")

	case EffectTeardown:
		go c.teardown(e)
	}
}

// recognizerOp runs fn on the recognizer goroutine so starts and stops keep their order
func (c *Controller) recognizerOp(fn func()) {
	select {
	case c.recOps <- fn:
	case <-c.ctx.Done():
	}
}

func (c *Controller) recognizerLoop() {
	for {
		select {
		case fn := <-c.recOps:
			fn()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) beginResponse() context.Context {
	c.cancelResponse()
	c.respondCtx, c.respondCancel = context.WithCancel(c.ctx)
	return c.respondCtx
}

func (c *Controller) cancelResponse() {
	if c.respondCancel != nil {
		c.respondCancel()
		c.respondCancel = nil
		c.respondCtx = nil
	}
}

// deliver reports the outcome of a response request back to the event loop
func (c *Controller) deliver(gen uint64, fn func() (*reply.Response, error)) {
	resp, err := fn()
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Debug().Err(err).Uint64("generation", gen).Msg("Response request ended without a reply")
		}
		c.post(Event{Kind: EventResponseFailed, Generation: gen, Err: err})
		return
	}
	c.post(Event{Kind: EventResponseReady, Generation: gen, Response: resp})
}

func (c *Controller) play(e Effect) {
	resp := e.Response
	if resp == nil || resp.Clip == nil {
		// Posting from the event loop would block on a full queue
		go c.post(Event{Kind: EventPlaybackFinished, Generation: e.Generation})
		return
	}

	ctx := c.respondCtx
	if ctx == nil {
		ctx = c.ctx
	}
	if e.FollowUp {
		c.metrics.RecordFollowUp()
	}
	if c.hooks.OnUtterance != nil {
		c.hooks.OnUtterance(session.NewAIUtterance(resp.Text, c.now()))
	}

	gen := e.Generation
	go func() {
		completed, err := c.playback.EnqueueAndPlay(ctx, resp.Clip)
		if err != nil {
			c.metrics.RecordError("playback", "turn_controller")
			c.logger.Warn().Err(err).Str("clip_id", resp.Clip.ID).Msg("Playback failed")
		}
		c.post(Event{Kind: EventPlaybackFinished, Generation: gen, Completed: completed})
	}()
}

// teardown speaks the closing line within the closing timeout and releases the session
func (c *Controller) teardown(e Effect) {
	if e.Farewell && c.responder != nil {
		c.sayFarewell()
	}
	c.playback.Cancel()
	c.silence.Cancel()

	for name, err := range c.sess.Release() {
		c.logger.Warn().Err(err).Str("resource", name).Msg("Failed to release resource")
	}
	c.cancel()
	c.metrics.RecordSessionEnd()

	if e.Err != nil {
		c.metrics.RecordError("fatal", "turn_controller")
		c.logger.Error().Err(e.Err).Msg("Call ended on fatal error")
	} else {
		c.logger.Info().Msg("Call ended")
	}

	c.endErr = e.Err
	if c.hooks.OnEnded != nil {
		c.hooks.OnEnded(e.Err)
	}
	close(c.ended)
}

func (c *Controller) sayFarewell() {
	ctx, cancel := context.WithTimeout(context.Background(), c.closingTimeout)
	defer cancel()

	resp, err := c.responder.Farewell(ctx, c.sess)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Closing line unavailable")
		return
	}
	if c.hooks.OnUtterance != nil {
		c.hooks.OnUtterance(session.NewAIUtterance(resp.Text, c.now()))
	}
	if _, err := c.playback.EnqueueAndPlay(ctx, resp.Clip); err != nil {
		c.logger.Warn().Err(err).Msg("Closing line playback failed")
	}
}
