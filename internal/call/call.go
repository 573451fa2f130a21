package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/audio"
	"github.com/lexiqai/companion-voice/internal/config"
	"github.com/lexiqai/companion-voice/internal/observability"
	"github.com/lexiqai/companion-voice/internal/playback"
	"github.com/lexiqai/companion-voice/internal/resilience"
	"github.com/lexiqai/companion-voice/internal/session"
	"github.com/lexiqai/companion-voice/internal/stt"
	"github.com/lexiqai/companion-voice/internal/turn"
)

const persistTimeout = 10 * time.Second

// TranscriptStore persists a finished call
type TranscriptStore interface {
	SaveCall(ctx context.Context, sess *session.CallSession, endErr error) error
}

// Deps are shared by every call on the process
type Deps struct {
	Config    *config.Config
	Engine    stt.Engine
	Responder turn.Responder
	Registry  *session.Registry
	Store     TranscriptStore // optional
}

// Params describe one incoming call
type Params struct {
	DeviceID      string
	Character     session.Character
	Intensity     float64
	SampleRate    int // rate of the PCM passed to Feed; zero means the configured rate
	CorrelationID string
}

// Events report call activity to the transport. Any field may be nil.
type Events struct {
	OnState      func(state session.TurnState)
	OnTranscript func(speaker session.Speaker, text string, final bool)
	OnLevel      func(sample audio.VoiceActivitySample)
	OnEnded      func(err error)
}

// Call is one live conversation: microphone, activity monitor, recognizer,
// playback and turn controller bound to a single CallSession.
type Call struct {
	sess       *session.CallSession
	mic        *audio.MicStream
	monitor    *audio.ActivityMonitor
	recognizer *stt.Recognizer
	queue      *playback.Queue
	ctrl       *turn.Controller
	metrics    *observability.Metrics
	inRate     int
	outRate    int
	logger     zerolog.Logger
}

// Start sets up a call for params and begins listening. player renders the
// companion's clips on the client.
func Start(ctx context.Context, deps Deps, params Params, player playback.Player, events Events) (*Call, error) {
	cfg := deps.Config
	if params.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}

	sess := session.New(params.DeviceID, params.Character, params.Intensity)
	if deps.Registry != nil {
		if err := deps.Registry.Register(sess); err != nil {
			return nil, err
		}
	}

	logger := observability.SessionLogger(params.CorrelationID, sess.ID(), params.DeviceID)
	metrics := observability.NewSessionMetrics(sess.ID())
	metrics.RecordSessionStart()

	inRate := params.SampleRate
	if inRate <= 0 {
		inRate = cfg.AudioSampleRate
	}

	c := &Call{
		sess:    sess,
		mic:     audio.NewMicStream("mic-"+sess.ID(), cfg.AudioSampleRate, cfg.AudioBufferSize),
		queue:   playback.NewQueue(player, time.Duration(cfg.PlaybackMaxClip)*time.Second, logger),
		metrics: metrics,
		inRate:  inRate,
		outRate: cfg.AudioSampleRate,
		logger:  logger.With().Str("component", "call").Logger(),
	}

	c.recognizer = stt.NewRecognizer(deps.Engine, &resilience.ReconnectConfig{
		Backoff:    config.Millis(cfg.RecognizerRestartBackoff),
		Multiplier: 2.0,
		MaxBackoff: config.Millis(cfg.RecognizerRestartMaxBackoff),
	}, stt.RecognizerCallbacks{
		OnInterim: func(text string) {
			if events.OnTranscript != nil {
				events.OnTranscript(session.SpeakerUser, text, false)
			}
		},
		OnFinal: func(text string, confidence float64) { c.ctrl.FinalResult(text, confidence) },
		OnFatal: func(err error) { c.ctrl.Fatal(err) },
	}, logger)

	c.monitor = audio.NewActivityMonitor(&audio.MonitorConfig{
		VAD: &audio.VADConfig{
			LevelThreshold: cfg.VADLevelThreshold,
			FullScaleRMS:   cfg.VADFullScaleRMS,
			SpeechFrames:   cfg.VADSpeechFrames,
			SilenceFrames:  cfg.VADSilenceFrames,
		},
		FrameInterval: config.Millis(cfg.VADFrameIntervalMs),
		StallFrames:   audio.DefaultMonitorConfig().StallFrames,
	}, audio.MonitorCallbacks{
		OnLevel:         events.OnLevel,
		OnSpeechStarted: func(audio.VoiceActivitySample) { c.ctrl.SpeechStarted() },
		OnSpeechEnded:   func(audio.VoiceActivitySample) { c.ctrl.SpeechEnded() },
	}, logger)

	c.ctrl = turn.NewController(turn.Config{
		Session:    sess,
		Recognizer: c.recognizer,
		Playback:   c.queue,
		Responder:  deps.Responder,
		Metrics:    metrics,
		Hooks: turn.Hooks{
			OnStateChange: func(_, to session.TurnState) {
				if events.OnState != nil {
					events.OnState(to)
				}
			},
			OnUtterance: func(u session.Utterance) {
				if events.OnTranscript != nil {
					events.OnTranscript(u.Speaker, u.Text, true)
				}
			},
			OnEnded: func(err error) {
				c.persist(deps.Store, err)
				if events.OnEnded != nil {
					events.OnEnded(err)
				}
			},
		},
		FollowUp: turn.FollowUpConfig{
			Enabled:  cfg.FollowUpEnabled,
			Silence:  config.Millis(cfg.FollowUpSilence),
			Recency:  config.Millis(cfg.FollowUpRecency),
			Cooldown: config.Millis(cfg.FollowUpCooldown),
		},
		ClosingTimeout: config.Millis(cfg.ClosingTimeout),
	}, logger)

	// Released in reverse: monitor, recognizer, playback, microphone
	_ = sess.Attach("microphone", c.mic)
	_ = sess.Attach("playback", session.CloserFunc(func() error {
		c.queue.Cancel()
		return nil
	}))
	_ = sess.Attach("recognizer", c.recognizer)

	handle, err := c.monitor.Start(ctx, c.mic)
	if err != nil {
		sess.Release()
		metrics.RecordSessionEnd()
		return nil, fmt.Errorf("failed to start activity monitor: %w", err)
	}
	_ = sess.Attach("activity_monitor", session.CloserFunc(func() error {
		handle.Stop()
		return nil
	}))

	c.ctrl.Start(ctx)
	c.ctrl.Ready()

	c.logger.Info().
		Str("character", params.Character.Name).
		Int("sample_rate", inRate).
		Msg("Call started")
	return c, nil
}

// Feed delivers microphone PCM16LE mono audio
func (c *Call) Feed(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if c.inRate != c.outRate {
		resampled, err := audio.ResamplePCM(pcm, c.inRate, c.outRate)
		if err != nil {
			return fmt.Errorf("failed to resample audio: %w", err)
		}
		pcm = resampled
	}

	if _, err := c.mic.Write(pcm); err != nil {
		return err
	}
	c.metrics.RecordAudioBytes("in", int64(len(pcm)))

	if err := c.recognizer.SendAudio(pcm); err != nil {
		c.metrics.RecordError("stt_send_error", "recognizer")
		c.logger.Debug().Err(err).Msg("Failed to forward audio to recognizer")
	}
	return nil
}

// Mute stops listening, deferred until the companion finishes speaking
func (c *Call) Mute() { c.ctrl.Mute() }

// Unmute resumes listening
func (c *Call) Unmute() {
	c.monitor.Reset()
	c.ctrl.Unmute()
}

// End tears the call down, optionally with a closing line
func (c *Call) End(ctx context.Context, farewell bool) error {
	return c.ctrl.End(ctx, farewell)
}

// Done is closed after teardown
func (c *Call) Done() <-chan struct{} { return c.ctrl.Ended() }

// Err returns the fatal error that ended the call, if any
func (c *Call) Err() error { return c.ctrl.Err() }

// Session returns the call's session
func (c *Call) Session() *session.CallSession { return c.sess }

// State returns the current turn state
func (c *Call) State() session.TurnState { return c.ctrl.State() }

// Microphone returns the call's microphone stream
func (c *Call) Microphone() *audio.MicStream { return c.mic }

// IsPlaying reports whether a clip is playing
func (c *Call) IsPlaying() bool { return c.queue.IsPlaying() }

// persist writes the transcript in the background so teardown never waits on the database
func (c *Call) persist(store TranscriptStore, endErr error) {
	if store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := store.SaveCall(ctx, c.sess, endErr); err != nil {
			c.metrics.RecordError("persist_error", "store")
			c.logger.Warn().Err(err).Msg("Failed to persist transcript")
			return
		}
		c.logger.Debug().Msg("Transcript persisted")
	}()
}

// IsFatal reports whether err ended a call for a reason the user must act on
func IsFatal(err error) bool {
	return errors.Is(err, stt.ErrMicrophonePermissionDenied) || errors.Is(err, audio.ErrMicrophoneUnavailable)
}
