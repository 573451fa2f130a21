package gateway

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/call"
	"github.com/lexiqai/companion-voice/internal/config"
	"github.com/lexiqai/companion-voice/internal/orchestrator"
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

func (e *fakeEngine) opened() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *fakeEngine) say(text string) {
	e.mu.Lock()
	s := e.sessions[len(e.sessions)-1]
	e.mu.Unlock()
	s.events.OnResult(&stt.TranscriptionResult{Text: text, IsFinal: true, Confidence: 0.9})
}

type staticGenerator struct{}

func (staticGenerator) GenerateReply(ctx context.Context, p *orchestrator.Prompt) (string, error) {
	return "Hey there! How was your day?", nil
}

func newTestServer(t *testing.T, engine stt.Engine) (*httptest.Server, *Handler) {
	t.Helper()
	cfg := &config.Config{
		AudioSampleRate:             16000,
		AudioBufferSize:             32000,
		VADLevelThreshold:           0.13,
		VADFullScaleRMS:             6000,
		VADSpeechFrames:             1,
		VADSilenceFrames:            3,
		VADFrameIntervalMs:          10,
		RecognizerRestartBackoff:    10,
		RecognizerRestartMaxBackoff: 50,
		FollowUpSilence:             4500,
		FollowUpRecency:             12000,
		FollowUpCooldown:            8000,
		ClosingTimeout:              500,
		PlaybackMaxClip:             5,
		HistoryWindow:               15,
		ReplyMaxSentences:           2,
		ReplyMaxChars:               240,
	}
	deps := call.Deps{
		Config: cfg,
		Engine: engine,
		Responder: reply.NewSynthesizer(staticGenerator{}, nil, tts.NewClientSpeechSynthesizer(),
			reply.OptionsFromConfig(cfg), zerolog.Nop()),
		Registry: session.NewRegistry(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandler(ctx, deps, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil skips messages until match accepts one
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(ServerMessage) bool) ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Timed out waiting for %s: %v", what, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func stateIs(state string) func(ServerMessage) bool {
	return func(m ServerMessage) bool { return m.Event == EventState && m.State == state }
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

func TestHandler_CallLifecycle(t *testing.T) {
	engine := &fakeEngine{}
	srv, _ := newTestServer(t, engine)
	conn := dial(t, srv)

	err := conn.WriteJSON(ClientMessage{Event: EventStart, Start: &StartPayload{
		DeviceID:      "device-1",
		CharacterName: "Luna",
	}})
	if err != nil {
		t.Fatalf("write start: %v", err)
	}
	readUntil(t, conn, "listening", stateIs("listening"))
	waitFor(t, "recognizer open", func() bool { return engine.opened() >= 1 })

	engine.say("I got a new job")

	user := readUntil(t, conn, "user transcript", func(m ServerMessage) bool {
		return m.Event == EventTranscript && m.Transcript.Speaker == "user"
	})
	if user.Transcript.Text != "I got a new job" || !user.Transcript.Final {
		t.Errorf("Unexpected user transcript %+v", user.Transcript)
	}

	audioMsg := readUntil(t, conn, "audio", func(m ServerMessage) bool { return m.Event == EventAudio })
	if audioMsg.Audio.ClipID == "" {
		t.Fatal("Expected clip id")
	}
	if audioMsg.Audio.ContentType != tts.ContentTypeClientSpeech {
		t.Errorf("Expected client speech clip, got %s", audioMsg.Audio.ContentType)
	}
	if audioMsg.Audio.Text != "Hey there! How was your day?" {
		t.Errorf("Unexpected clip text %q", audioMsg.Audio.Text)
	}

	err = conn.WriteJSON(ClientMessage{Event: EventPlaybackDone, Playback: &PlaybackDone{
		ClipID: audioMsg.Audio.ClipID,
		State:  PlaybackFinished,
	}})
	if err != nil {
		t.Fatalf("write playback_done: %v", err)
	}
	readUntil(t, conn, "listening after reply", stateIs("listening"))

	if err := conn.WriteJSON(ClientMessage{Event: EventStop, Stop: &StopPayload{}}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	readUntil(t, conn, "ended", stateIs("ended"))

	// server closes the socket after teardown
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseNormalClosure {
				t.Errorf("Expected normal closure, got %d", closeErr.Code)
			}
			break
		}
	}
}

func TestHandler_OneCallPerDevice(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})

	first := dial(t, srv)
	if err := first.WriteJSON(ClientMessage{Event: EventStart, Start: &StartPayload{DeviceID: "device-7"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, first, "listening", stateIs("listening"))

	second := dial(t, srv)
	if err := second.WriteJSON(ClientMessage{Event: EventStart, Start: &StartPayload{DeviceID: "device-7"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, second, "error", func(m ServerMessage) bool { return m.Event == EventError })
	if msg.Error.Code != ErrCodeSessionActive {
		t.Errorf("Expected %s, got %s", ErrCodeSessionActive, msg.Error.Code)
	}
}

func TestHandler_BadMessages(t *testing.T) {
	srv, _ := newTestServer(t, &fakeEngine{})
	conn := dial(t, srv)

	tests := []struct {
		name    string
		payload string
		code    string
	}{
		{"invalid json", "{not json", ErrCodeBadMessage},
		{"start without device", `{"event":"start","start":{}}`, ErrCodeBadMessage},
		{"stop without call", `{"event":"stop"}`, ErrCodeNoCall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.payload)); err != nil {
				t.Fatalf("write: %v", err)
			}
			msg := readUntil(t, conn, "error", func(m ServerMessage) bool { return m.Event == EventError })
			if msg.Error.Code != tt.code {
				t.Errorf("Expected %s, got %s", tt.code, msg.Error.Code)
			}
		})
	}
}

func TestHandler_DisconnectReleasesDevice(t *testing.T) {
	srv, h := newTestServer(t, &fakeEngine{})

	conn := dial(t, srv)
	if err := conn.WriteJSON(ClientMessage{Event: EventStart, Start: &StartPayload{DeviceID: "device-9"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, "listening", stateIs("listening"))
	conn.Close()

	waitFor(t, "device released", func() bool {
		_, ok := h.deps.Registry.Get("device-9")
		return !ok
	})
}

func TestPlayer_CancelSendsClear(t *testing.T) {
	var mu sync.Mutex
	var sent []ServerMessage
	p := newWSPlayer(func(m ServerMessage) error {
		mu.Lock()
		sent = append(sent, m)
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Play(ctx, &tts.Clip{ID: "clip-1", Data: []byte("hi"), ContentType: "audio/mpeg"})
	}()

	waitFor(t, "audio sent", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	})
	if p.Done("other-clip", PlaybackFinished) {
		t.Error("Expected unknown clip to be ignored")
	}
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 2 || sent[1].Event != EventClear || sent[1].Clear.ClipID != "clip-1" {
		t.Errorf("Expected clear for clip-1, got %+v", sent)
	}
	if sent[0].Audio.Payload != "aGk=" {
		t.Errorf("Expected base64 payload, got %q", sent[0].Audio.Payload)
	}
}

func TestPlayer_Done(t *testing.T) {
	p := newWSPlayer(func(ServerMessage) error { return nil })
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Play(context.Background(), &tts.Clip{ID: "clip-2"})
	}()

	waitFor(t, "clip registered", func() bool { return p.Done("clip-2", PlaybackStopped) })
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Play to return after playback_done")
	}
}

func TestPlayer_CancelledBeforeSend(t *testing.T) {
	sent := 0
	p := newWSPlayer(func(ServerMessage) error {
		sent++
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Play(ctx, &tts.Clip{ID: "clip-3", Data: []byte("hi")}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if sent != 0 {
		t.Errorf("Expected nothing sent for a cancelled clip, got %d messages", sent)
	}
}
