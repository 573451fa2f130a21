package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/config"
	"github.com/lexiqai/companion-voice/internal/orchestrator"
	"github.com/lexiqai/companion-voice/internal/playback"
	"github.com/lexiqai/companion-voice/internal/reply"
	"github.com/lexiqai/companion-voice/internal/session"
	"github.com/lexiqai/companion-voice/internal/stt"
	"github.com/lexiqai/companion-voice/internal/tts"
)

type engineSession struct {
	events stt.EngineEvents
	once   sync.Once
}

func (s *engineSession) SendAudio([]byte) error { return nil }

func (s *engineSession) Stop() error {
	s.once.Do(func() { s.events.OnEnded(nil) })
	return nil
}

type fakeEngine struct {
	mu       sync.Mutex
	sessions []*engineSession
}

func (e *fakeEngine) Open(ctx context.Context, events stt.EngineEvents) (stt.EngineSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &engineSession{events: events}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) say(text string) {
	e.mu.Lock()
	s := e.sessions[len(e.sessions)-1]
	e.mu.Unlock()
	s.events.OnResult(&stt.TranscriptionResult{Text: text, IsFinal: true, Confidence: 0.95})
}

func (e *fakeEngine) opened() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

type replyGenerator struct{}

func (replyGenerator) GenerateReply(ctx context.Context, p *orchestrator.Prompt) (string, error) {
	return "Nice to hear from you! What's new?", nil
}

type memoryStore struct {
	mu    sync.Mutex
	saved []*session.CallSession
}

func (s *memoryStore) SaveCall(ctx context.Context, sess *session.CallSession, endErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, sess)
	return nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func testConfig() *config.Config {
	return &config.Config{
		AudioSampleRate:             16000,
		AudioBufferSize:             32000,
		VADLevelThreshold:           0.13,
		VADFullScaleRMS:             6000,
		VADSpeechFrames:             1,
		VADSilenceFrames:            3,
		VADFrameIntervalMs:          10,
		RecognizerRestartBackoff:    10,
		RecognizerRestartMaxBackoff: 50,
		FollowUpEnabled:             false,
		FollowUpSilence:             4500,
		FollowUpRecency:             12000,
		FollowUpCooldown:            8000,
		ClosingTimeout:              500,
		PlaybackMaxClip:             5,
		HistoryWindow:               15,
		ReplyMaxSentences:           2,
		ReplyMaxChars:               240,
	}
}

func testDeps(engine stt.Engine, store TranscriptStore) Deps {
	cfg := testConfig()
	return Deps{
		Config: cfg,
		Engine: engine,
		Responder: reply.NewSynthesizer(replyGenerator{}, nil, tts.NewClientSpeechSynthesizer(),
			reply.OptionsFromConfig(cfg), zerolog.Nop()),
		Registry: session.NewRegistry(),
		Store:    store,
	}
}

func instantPlayer() playback.Player {
	return playback.PlayerFunc(func(ctx context.Context, clip *tts.Clip) error { return nil })
}

func loudPCM(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(12000)
		if i%2 == 1 {
			v = -12000
		}
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// containsInOrder reports whether want appears in got as a subsequence
func containsInOrder(got []session.TurnState, want ...session.TurnState) bool {
	i := 0
	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestCall_Conversation(t *testing.T) {
	engine := &fakeEngine{}
	store := &memoryStore{}

	var mu sync.Mutex
	var states []session.TurnState
	events := Events{
		OnState: func(s session.TurnState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := Start(ctx, testDeps(engine, store), Params{
		DeviceID:  "device-1",
		Character: session.Character{Name: "Luna"},
	}, instantPlayer(), events)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	waitFor(t, "listening", func() bool { return c.State() == session.StateListening })
	waitFor(t, "recognizer open", func() bool { return engine.opened() == 1 })

	if err := c.Feed(loudPCM(1600)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	waitFor(t, "user speaking", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return containsInOrder(states, session.StateUserSpeaking)
	})

	engine.say("Hello")
	waitFor(t, "reply finished", func() bool {
		_, ai := c.Session().Counts()
		return ai == 1 && c.State() == session.StateListening
	})

	endCtx, endCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer endCancel()
	if err := c.End(endCtx, false); err != nil {
		t.Fatalf("end: %v", err)
	}

	if c.Microphone().Active() {
		t.Error("Expected microphone released")
	}
	waitFor(t, "transcript persisted", func() bool { return store.count() == 1 })

	mu.Lock()
	defer mu.Unlock()
	if !containsInOrder(states,
		session.StateListening,
		session.StateUserSpeaking,
		session.StateProcessing,
		session.StateAiSpeaking,
		session.StateListening,
		session.StateEnded,
	) {
		t.Errorf("Unexpected transitions %v", states)
	}
	if states[len(states)-1] != session.StateEnded {
		t.Errorf("Expected final state ended, got %s", states[len(states)-1])
	}
}

func TestCall_OneSessionPerDevice(t *testing.T) {
	deps := testDeps(&fakeEngine{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := Start(ctx, deps, Params{DeviceID: "device-1"}, instantPlayer(), Events{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if _, err := Start(ctx, deps, Params{DeviceID: "device-1"}, instantPlayer(), Events{}); !errors.Is(err, session.ErrSessionAlreadyActive) {
		t.Errorf("Expected ErrSessionAlreadyActive, got %v", err)
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer endCancel()
	if err := first.End(endCtx, false); err != nil {
		t.Fatalf("end: %v", err)
	}

	second, err := Start(ctx, deps, Params{DeviceID: "device-1"}, instantPlayer(), Events{})
	if err != nil {
		t.Fatalf("Expected device to be free after teardown, got %v", err)
	}
	_ = second.End(endCtx, false)
}

func TestCall_FeedResamples(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := Start(ctx, testDeps(&fakeEngine{}, nil), Params{DeviceID: "device-2", SampleRate: 8000}, instantPlayer(), Events{})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer c.End(context.Background(), false)

	if err := c.Feed(make([]byte, 320)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if got := c.Microphone().BytesReceived(); got != 640 {
		t.Errorf("Expected 8kHz audio upsampled to 640 bytes, got %d", got)
	}
	if err := c.Feed([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for odd-length PCM")
	}
}

func TestCall_MissingDevice(t *testing.T) {
	if _, err := Start(context.Background(), testDeps(&fakeEngine{}, nil), Params{}, instantPlayer(), Events{}); err == nil {
		t.Error("Expected error without device id")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(stt.ErrMicrophonePermissionDenied) {
		t.Error("Expected permission denial to be fatal")
	}
	if IsFatal(errors.New("network")) {
		t.Error("Expected generic error not to be fatal")
	}
}
