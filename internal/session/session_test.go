package session

import (
	"errors"
	"testing"
	"time"
)

func TestCallSession_HistoryOrder(t *testing.T) {
	s := New("device-1", Character{ID: "luna", Name: "Luna"}, 0.2)
	base := time.Now()

	s.Append(NewUserUtterance("hello", 0.9, base))
	s.Append(NewAIUtterance("hi!", base.Add(time.Second)))
	s.Append(NewUserUtterance("how are you", 0.8, base.Add(2*time.Second)))

	transcript := s.Transcript()
	if len(transcript) != 3 {
		t.Fatalf("Expected 3 utterances, got %d", len(transcript))
	}
	for i := 1; i < len(transcript); i++ {
		if transcript[i].CreatedAt.Before(transcript[i-1].CreatedAt) {
			t.Errorf("Expected history ordered by creation time at index %d", i)
		}
	}

	user, ai := s.Counts()
	if user != 2 || ai != 1 {
		t.Errorf("Expected 2 user / 1 ai, got %d / %d", user, ai)
	}
	if *transcript[0].Confidence != 0.9 {
		t.Errorf("Expected confidence 0.9, got %v", *transcript[0].Confidence)
	}
	if transcript[1].Confidence != nil {
		t.Error("Expected AI utterance to carry no confidence")
	}
}

func TestCallSession_Recent(t *testing.T) {
	s := New("device-1", Character{}, 0)
	for i := 0; i < 20; i++ {
		s.Append(NewAIUtterance(string(rune('a'+i)), time.Now()))
	}

	recent := s.Recent(15)
	if len(recent) != 15 {
		t.Fatalf("Expected 15 recent utterances, got %d", len(recent))
	}
	if recent[0].Text != "f" || recent[14].Text != "t" {
		t.Errorf("Expected window f..t, got %s..%s", recent[0].Text, recent[14].Text)
	}
	if len(s.Transcript()) != 20 {
		t.Error("Expected full transcript retained")
	}

	recent[0].Text = "mutated"
	if s.Recent(15)[0].Text != "f" {
		t.Error("Expected Recent to return a copy")
	}
}

func TestCallSession_ReleaseOrderAndIdempotence(t *testing.T) {
	s := New("device-1", Character{}, 0)
	var order []string
	s.Attach("mic", CloserFunc(func() error { order = append(order, "mic"); return nil }))
	s.Attach("recognizer", CloserFunc(func() error { order = append(order, "recognizer"); return errors.New("already closed") }))
	s.Attach("playback", CloserFunc(func() error { order = append(order, "playback"); return nil }))

	errs := s.Release()
	if len(order) != 3 || order[0] != "playback" || order[2] != "mic" {
		t.Errorf("Expected reverse release order, got %v", order)
	}
	if errs["recognizer"] == nil {
		t.Error("Expected recognizer close error to be reported")
	}
	if s.State() != StateEnded {
		t.Errorf("Expected ended state, got %s", s.State())
	}

	if errs := s.Release(); errs != nil {
		t.Errorf("Expected second release to be a no-op, got %v", errs)
	}
	if len(order) != 3 {
		t.Errorf("Expected resources closed once, got %v", order)
	}

	if err := s.Append(NewAIUtterance("late", time.Now())); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Expected ErrSessionEnded, got %v", err)
	}
}

func TestCallSession_AttachAfterRelease(t *testing.T) {
	s := New("device-1", Character{}, 0)
	s.Release()

	closed := false
	err := s.Attach("late", CloserFunc(func() error { closed = true; return nil }))
	if !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Expected ErrSessionEnded, got %v", err)
	}
	if !closed {
		t.Error("Expected late resource to be closed immediately")
	}
}

func TestCallSession_Intensity(t *testing.T) {
	s := New("device-1", Character{}, 0.95)
	if got := s.AdjustIntensity(0.2); got != 1 {
		t.Errorf("Expected clamp at 1, got %v", got)
	}
	if got := s.AdjustIntensity(-3); got != 0 {
		t.Errorf("Expected clamp at 0, got %v", got)
	}
}

func TestRegistry_OneSessionPerDevice(t *testing.T) {
	r := NewRegistry()
	first := New("device-1", Character{}, 0)
	second := New("device-1", Character{}, 0)
	other := New("device-2", Character{}, 0)

	if err := r.Register(first); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := r.Register(second); !errors.Is(err, ErrSessionAlreadyActive) {
		t.Errorf("Expected ErrSessionAlreadyActive, got %v", err)
	}
	if err := r.Register(other); err != nil {
		t.Errorf("Expected other device to register, got %v", err)
	}
	if r.Active() != 2 {
		t.Errorf("Expected 2 active sessions, got %d", r.Active())
	}

	first.Release()
	if _, ok := r.Get("device-1"); ok {
		t.Error("Expected released session to be unregistered")
	}
	if err := r.Register(second); err != nil {
		t.Errorf("Expected device to be reusable after release, got %v", err)
	}
}

func TestTurnState_String(t *testing.T) {
	tests := map[TurnState]string{
		StateIdle:         "idle",
		StateListening:    "listening",
		StateUserSpeaking: "user_speaking",
		StateProcessing:   "processing",
		StateAiSpeaking:   "ai_speaking",
		StateMuted:        "muted",
		StateEnded:        "ended",
	}
	for state, want := range tests {
		if state.String() != want {
			t.Errorf("Expected %s, got %s", want, state.String())
		}
	}
}
