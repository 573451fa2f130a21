package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrMicrophoneUnavailable is returned when monitoring is started without a usable stream
var ErrMicrophoneUnavailable = errors.New("microphone unavailable")

// VoiceActivitySample is one classified level reading
type VoiceActivitySample struct {
	Level      float64
	IsSpeaking bool
	At         time.Time
}

// MonitorCallbacks receives monitor output. Any callback may be nil.
type MonitorCallbacks struct {
	OnLevel         func(VoiceActivitySample)
	OnSpeechStarted func(VoiceActivitySample)
	OnSpeechEnded   func(VoiceActivitySample)
}

// MonitorConfig configures an ActivityMonitor
type MonitorConfig struct {
	VAD           *VADConfig
	FrameInterval time.Duration // Sampling period
	StallFrames   int           // Empty ticks tolerated before the mic is read as silent
}

// DefaultMonitorConfig returns a default monitor configuration
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		VAD:           DefaultVADConfig(),
		FrameInterval: 16 * time.Millisecond,
		StallFrames:   3,
	}
}

// ActivityMonitor turns microphone PCM into a normalized voice-presence signal
// with edge-triggered speech start and end notifications.
type ActivityMonitor struct {
	config    *MonitorConfig
	callbacks MonitorCallbacks
	logger    zerolog.Logger

	mu  sync.Mutex
	vad *VADDetector
}

// NewActivityMonitor creates a monitor
func NewActivityMonitor(config *MonitorConfig, callbacks MonitorCallbacks, logger zerolog.Logger) *ActivityMonitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	if config.FrameInterval <= 0 {
		config.FrameInterval = 16 * time.Millisecond
	}
	return &ActivityMonitor{
		config:    config,
		callbacks: callbacks,
		logger:    logger.With().Str("component", "activity_monitor").Logger(),
		vad:       NewVADDetector(config.VAD),
	}
}

// MonitorHandle controls a running sampling loop
type MonitorHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts sampling and waits for the loop to exit. Idempotent.
func (h *MonitorHandle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.cancel()
		<-h.done
	})
}

// Done is closed once the sampling loop has exited
func (h *MonitorHandle) Done() <-chan struct{} {
	return h.done
}

// Start begins sampling the stream until ctx is cancelled, the handle is
// stopped or the stream closes.
func (m *ActivityMonitor) Start(ctx context.Context, stream *MicStream) (*MonitorHandle, error) {
	if stream == nil || !stream.Active() {
		return nil, ErrMicrophoneUnavailable
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &MonitorHandle{cancel: cancel, done: make(chan struct{})}

	go m.run(loopCtx, stream, h.done)

	m.logger.Debug().
		Str("stream_id", stream.ID()).
		Dur("frame_interval", m.config.FrameInterval).
		Msg("Activity monitor started")
	return h, nil
}

func (m *ActivityMonitor) run(ctx context.Context, stream *MicStream, done chan struct{}) {
	defer close(done)

	frameSamples := int(float64(stream.SampleRate()) * m.config.FrameInterval.Seconds())
	if frameSamples < 1 {
		frameSamples = 1
	}
	frame := make([]byte, frameSamples*2)

	ticker := time.NewTicker(m.config.FrameInterval)
	defer ticker.Stop()

	idle := 0
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug().Msg("Activity monitor stopped")
			return
		case now := <-ticker.C:
			if !stream.Active() {
				m.logger.Debug().Msg("Microphone stream closed, monitor exiting")
				return
			}

			processed := 0
			for stream.Available() >= len(frame) {
				n := stream.Read(frame)
				samples, err := BytesToSamples(frame[:n-n%2])
				if err != nil {
					continue
				}
				m.ProcessLevel(m.vad.Level(samples), now)
				processed++
			}

			if processed > 0 {
				idle = 0
				continue
			}
			idle++
			if idle >= m.config.StallFrames {
				m.ProcessLevel(0, now)
			}
		}
	}
}

// ProcessLevel feeds one normalized level reading through the detector and
// fires callbacks. Exposed so the monitor can be driven without audio.
func (m *ActivityMonitor) ProcessLevel(level float64, at time.Time) VoiceActivitySample {
	m.mu.Lock()
	isSpeaking, started, ended := m.vad.ProcessLevel(level)
	m.mu.Unlock()

	sample := VoiceActivitySample{Level: level, IsSpeaking: isSpeaking, At: at}

	if m.callbacks.OnLevel != nil {
		m.callbacks.OnLevel(sample)
	}
	if started && m.callbacks.OnSpeechStarted != nil {
		m.callbacks.OnSpeechStarted(sample)
	}
	if ended && m.callbacks.OnSpeechEnded != nil {
		m.callbacks.OnSpeechEnded(sample)
	}
	return sample
}

// Reset clears detector state, e.g. after an unmute
func (m *ActivityMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vad.Reset()
}
