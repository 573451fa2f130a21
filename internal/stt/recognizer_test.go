package stt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/resilience"
)

type fakeSession struct {
	engine *fakeEngine
	events EngineEvents
	once   sync.Once
	sent   int
}

func (s *fakeSession) SendAudio(audioData []byte) error {
	s.sent += len(audioData)
	return nil
}

func (s *fakeSession) Stop() error {
	s.engine.mu.Lock()
	s.engine.stops++
	s.engine.mu.Unlock()
	s.end(nil)
	return nil
}

func (s *fakeSession) end(err error) {
	s.once.Do(func() { s.events.OnEnded(err) })
}

type fakeEngine struct {
	mu       sync.Mutex
	opens    int
	stops    int
	sessions []*fakeSession
	openErr  error
}

func (e *fakeEngine) Open(ctx context.Context, events EngineEvents) (EngineSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens++
	if e.openErr != nil {
		return nil, e.openErr
	}
	s := &fakeSession{engine: e, events: events}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) last() *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[len(e.sessions)-1]
}

func (e *fakeEngine) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

func fastReconnect() *resilience.ReconnectConfig {
	return &resilience.ReconnectConfig{Backoff: 10 * time.Millisecond, Multiplier: 2, MaxBackoff: 40 * time.Millisecond}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestRecognizer_StartWhileRunningIsNoop(t *testing.T) {
	engine := &fakeEngine{}
	r := NewRecognizer(engine, fastReconnect(), RecognizerCallbacks{}, zerolog.Nop())

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Expected second start to be a no-op, got %v", err)
	}
	if engine.openCount() != 1 {
		t.Errorf("Expected 1 open, got %d", engine.openCount())
	}
}

func TestRecognizer_StopIdempotent(t *testing.T) {
	engine := &fakeEngine{}
	var ended int
	r := NewRecognizer(engine, fastReconnect(), RecognizerCallbacks{
		OnEnded: func(error) { ended++ },
	}, zerolog.Nop())

	r.Start(context.Background())
	if err := r.Stop(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Expected second stop to succeed, got %v", err)
	}

	if engine.stops != 1 {
		t.Errorf("Expected engine stopped once, got %d", engine.stops)
	}
	if ended != 1 {
		t.Errorf("Expected 1 ended event, got %d", ended)
	}
	if r.IsRunning() {
		t.Error("Expected recognizer not running")
	}

	time.Sleep(30 * time.Millisecond)
	if engine.openCount() != 1 {
		t.Errorf("Expected no restart after explicit stop, got %d opens", engine.openCount())
	}
}

func TestRecognizer_AutoRestartAfterUnexpectedEnd(t *testing.T) {
	engine := &fakeEngine{}
	r := NewRecognizer(engine, fastReconnect(), RecognizerCallbacks{}, zerolog.Nop())

	r.Start(context.Background())
	engine.last().end(&RecognitionError{Code: ErrorNoSpeech})

	if !r.RestartPending() && engine.openCount() < 2 {
		t.Error("Expected a restart to be scheduled")
	}
	waitFor(t, "restart", func() bool { return engine.openCount() == 2 })
	if !r.IsRunning() {
		t.Error("Expected recognizer running after restart")
	}
}

func TestRecognizer_NoRestartWhenNotDesired(t *testing.T) {
	engine := &fakeEngine{}
	r := NewRecognizer(engine, fastReconnect(), RecognizerCallbacks{}, zerolog.Nop())

	r.Start(context.Background())
	r.SetDesireListening(false)
	engine.last().end(nil)

	time.Sleep(30 * time.Millisecond)
	if engine.openCount() != 1 {
		t.Errorf("Expected no restart, got %d opens", engine.openCount())
	}
}

func TestRecognizer_PermissionDeniedIsFatal(t *testing.T) {
	engine := &fakeEngine{}
	var fatal error
	r := NewRecognizer(engine, fastReconnect(), RecognizerCallbacks{
		OnFatal: func(err error) { fatal = err },
	}, zerolog.Nop())

	r.Start(context.Background())
	engine.last().end(&RecognitionError{Code: ErrorNotAllowed, Detail: "INVALID_AUTH"})

	if !errors.Is(fatal, ErrMicrophonePermissionDenied) {
		t.Errorf("Expected ErrMicrophonePermissionDenied, got %v", fatal)
	}
	time.Sleep(30 * time.Millisecond)
	if engine.openCount() != 1 {
		t.Errorf("Expected no restart after permission denial, got %d opens", engine.openCount())
	}
}

func TestRecognizer_StopThenStartIgnoresLateEnd(t *testing.T) {
	engine := &fakeEngine{}
	var finals []string
	r := NewRecognizer(engine, fastReconnect(), RecognizerCallbacks{
		OnFinal: func(text string, _ float64) { finals = append(finals, text) },
	}, zerolog.Nop())

	r.Start(context.Background())
	first := engine.last()
	r.Stop()
	r.Start(context.Background())

	// Late result and end from the first stream
	first.events.OnResult(&TranscriptionResult{Text: "stale", IsFinal: true})
	first.events.OnEnded(&RecognitionError{Code: ErrorAborted})

	if !r.IsRunning() {
		t.Error("Expected current stream to stay running")
	}
	if len(finals) != 0 {
		t.Errorf("Expected stale final to be dropped, got %v", finals)
	}

	engine.last().events.OnResult(&TranscriptionResult{Text: "hello", IsFinal: true, Confidence: 0.9})
	if len(finals) != 1 || finals[0] != "hello" {
		t.Errorf("Expected [hello], got %v", finals)
	}
}

func TestRecognizer_InterimAndFinal(t *testing.T) {
	engine := &fakeEngine{}
	var interims []string
	var finalConf float64
	r := NewRecognizer(engine, fastReconnect(), RecognizerCallbacks{
		OnInterim: func(text string) { interims = append(interims, text) },
		OnFinal:   func(_ string, c float64) { finalConf = c },
	}, zerolog.Nop())

	r.Start(context.Background())
	s := engine.last()
	s.events.OnResult(&TranscriptionResult{Text: "hel"})
	s.events.OnResult(&TranscriptionResult{Text: "hello"})
	s.events.OnResult(&TranscriptionResult{Text: "hello there", IsFinal: true, Confidence: 0.8})

	if len(interims) != 2 {
		t.Errorf("Expected 2 interim results, got %d", len(interims))
	}
	if finalConf != 0.8 {
		t.Errorf("Expected confidence 0.8, got %v", finalConf)
	}
}

func TestRecognizer_SendAudioDroppedWhileStopped(t *testing.T) {
	engine := &fakeEngine{}
	r := NewRecognizer(engine, fastReconnect(), RecognizerCallbacks{}, zerolog.Nop())

	if err := r.SendAudio([]byte{1, 2}); err != nil {
		t.Errorf("Expected audio to be dropped silently, got %v", err)
	}

	r.Start(context.Background())
	r.SendAudio([]byte{1, 2, 3, 4})
	if engine.last().sent != 4 {
		t.Errorf("Expected 4 bytes forwarded, got %d", engine.last().sent)
	}
}

func TestRecognizer_OpenFailureSchedulesRestart(t *testing.T) {
	engine := &fakeEngine{openErr: &RecognitionError{Code: ErrorNetwork, Detail: "dial"}}
	r := NewRecognizer(engine, fastReconnect(), RecognizerCallbacks{}, zerolog.Nop())

	if err := r.Start(context.Background()); err == nil {
		t.Fatal("Expected open error")
	}

	engine.mu.Lock()
	engine.openErr = nil
	engine.mu.Unlock()

	waitFor(t, "recovery", func() bool { return r.IsRunning() })
}

func TestRecognizer_Closed(t *testing.T) {
	r := NewRecognizer(&fakeEngine{}, fastReconnect(), RecognizerCallbacks{}, zerolog.Nop())
	r.Close()

	if err := r.Start(context.Background()); !errors.Is(err, ErrRecognizerClosed) {
		t.Errorf("Expected ErrRecognizerClosed, got %v", err)
	}
}

func TestClassifyEngineError(t *testing.T) {
	tests := []struct {
		detail   string
		expected ErrorCode
	}{
		{"&{Type:Error ErrCode:INVALID_AUTH}", ErrorNotAllowed},
		{"websocket: bad handshake (HTTP 401)", ErrorNotAllowed},
		{"NET-0001: no audio received", ErrorNoSpeech},
		{"context canceled", ErrorAborted},
		{"connection reset by peer", ErrorNetwork},
	}

	for _, tt := range tests {
		if got := ClassifyEngineError(tt.detail); got != tt.expected {
			t.Errorf("ClassifyEngineError(%q): expected %s, got %s", tt.detail, tt.expected, got)
		}
	}
}
