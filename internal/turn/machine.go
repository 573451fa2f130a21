package turn

import (
	"time"

	"github.com/lexiqai/companion-voice/internal/reply"
	"github.com/lexiqai/companion-voice/internal/session"
)

// EventKind identifies an input to the turn machine
type EventKind int

const (
	EventReady EventKind = iota
	EventSpeechStarted
	EventSpeechEnded
	EventFinalResult
	EventResponseReady
	EventResponseFailed
	EventPlaybackFinished
	EventSilenceElapsed
	EventMute
	EventUnmute
	EventEnd
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechEnded:
		return "speech_ended"
	case EventFinalResult:
		return "final_result"
	case EventResponseReady:
		return "response_ready"
	case EventResponseFailed:
		return "response_failed"
	case EventPlaybackFinished:
		return "playback_finished"
	case EventSilenceElapsed:
		return "silence_elapsed"
	case EventMute:
		return "mute"
	case EventUnmute:
		return "unmute"
	case EventEnd:
		return "end"
	case EventFatal:
		return "fatal"
	}
	return "unknown"
}

// Event is one input to the machine. Generation ties response and playback
// events to the request that produced them.
type Event struct {
	Kind       EventKind
	At         time.Time
	Text       string
	Confidence float64
	Generation uint64
	Response   *reply.Response
	Completed  bool
	Farewell   bool
	Err        error
	Timer      uint64 // silence timer that fired
}

// EffectKind identifies work the controller must perform
type EffectKind int

const (
	EffectStartRecognizer EffectKind = iota
	EffectStopRecognizer
	EffectRestartRecognizer
	EffectCancelPlayback
	EffectCancelResponse
	EffectRespond
	EffectFollowUp
	EffectPlay
	EffectArmSilence
	EffectCancelSilence
	EffectTeardown
	EffectBargeIn
	EffectStale
)

func (k EffectKind) String() string {
	switch k {
	case EffectStartRecognizer:
		return "start_recognizer"
	case EffectStopRecognizer:
		return "stop_recognizer"
	case EffectRestartRecognizer:
		return "restart_recognizer"
	case EffectCancelPlayback:
		return "cancel_playback"
	case EffectCancelResponse:
		return "cancel_response"
	case EffectRespond:
		return "respond"
	case EffectFollowUp:
		return "follow_up"
	case EffectPlay:
		return "play"
	case EffectArmSilence:
		return "arm_silence"
	case EffectCancelSilence:
		return "cancel_silence"
	case EffectTeardown:
		return "teardown"
	case EffectBargeIn:
		return "barge_in"
	case EffectStale:
		return "stale"
	}
	return "unknown"
}

// Effect is a side effect requested by a transition
type Effect struct {
	Kind       EffectKind
	Text       string
	Confidence float64
	Generation uint64
	Delay      time.Duration
	Response   *reply.Response
	FollowUp   bool
	Farewell   bool
	Err        error
	Reason     string
	Timer      uint64 // identifies an armed silence timer
}

// FollowUpConfig tunes unsolicited follow-ups
type FollowUpConfig struct {
	Enabled  bool
	Silence  time.Duration // quiet time after the user stops before a follow-up is considered
	Recency  time.Duration // the last user utterance must be at most this old
	Cooldown time.Duration // minimum time since the AI last started speaking
}

// DefaultFollowUpConfig returns the tuned defaults
func DefaultFollowUpConfig() FollowUpConfig {
	return FollowUpConfig{
		Enabled:  true,
		Silence:  4500 * time.Millisecond,
		Recency:  12 * time.Second,
		Cooldown: 8 * time.Second,
	}
}

// Machine is the turn-taking state. Apply never mutates its receiver, so a
// Machine value can be replayed against event sequences in tests.
type Machine struct {
	State      session.TurnState
	Generation uint64

	cfg FollowUpConfig

	utterances     int // finalized user utterances
	followUpFor    int // utterance index that already received a follow-up
	followUpActive bool
	rearmed        bool
	mutePending    bool
	silenceTimer   uint64 // bumped on every arm and cancel
	lastUserAt     time.Time
	lastAIStartAt  time.Time
}

// NewMachine returns an Idle machine
func NewMachine(cfg FollowUpConfig) Machine {
	return Machine{State: session.StateIdle, cfg: cfg}
}

// MutePending reports whether a mute will take effect once the AI finishes
func (m Machine) MutePending() bool { return m.mutePending }

// Apply returns the machine after ev and the effects to execute, in order
func (m Machine) Apply(ev Event) (Machine, []Effect) {
	if m.State == session.StateEnded {
		return m, nil
	}

	next, effects := m.apply(ev)
	for i := range effects {
		switch effects[i].Kind {
		case EffectArmSilence, EffectCancelSilence:
			next.silenceTimer++
			effects[i].Timer = next.silenceTimer
		}
	}
	return next, effects
}

func (m Machine) apply(ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case EventReady:
		return m.ready()
	case EventSpeechStarted:
		return m.speechStarted()
	case EventSpeechEnded:
		return m.speechEnded()
	case EventFinalResult:
		return m.finalResult(ev)
	case EventResponseReady:
		return m.responseReady(ev)
	case EventResponseFailed:
		return m.responseFailed(ev)
	case EventPlaybackFinished:
		return m.playbackFinished(ev)
	case EventSilenceElapsed:
		return m.silenceElapsed(ev)
	case EventMute:
		return m.mute()
	case EventUnmute:
		return m.unmute()
	case EventEnd:
		return m.end(ev.Farewell, nil)
	case EventFatal:
		return m.end(false, ev.Err)
	}
	return m, nil
}

func stale(ev EventKind, reason string) []Effect {
	return []Effect{{Kind: EffectStale, Reason: ev.String() + ":" + reason}}
}

func (m Machine) ready() (Machine, []Effect) {
	if m.State != session.StateIdle {
		return m, stale(EventReady, "not_idle")
	}
	m.State = session.StateListening
	return m, []Effect{{Kind: EffectStartRecognizer}}
}

// cancelFollowUp supersedes an in-flight follow-up request
func (m *Machine) cancelFollowUp() []Effect {
	if !m.followUpActive {
		return nil
	}
	m.followUpActive = false
	m.Generation++
	return []Effect{{Kind: EffectCancelResponse}}
}

func (m Machine) speechStarted() (Machine, []Effect) {
	switch m.State {
	case session.StateListening:
		effects := m.cancelFollowUp()
		m.State = session.StateUserSpeaking
		return m, append(effects, Effect{Kind: EffectCancelSilence})

	case session.StateProcessing, session.StateAiSpeaking:
		if m.mutePending {
			return m, nil
		}
		m.Generation++
		m.followUpActive = false
		m.State = session.StateUserSpeaking
		return m, []Effect{
			{Kind: EffectCancelPlayback},
			{Kind: EffectCancelResponse},
			{Kind: EffectRestartRecognizer},
			{Kind: EffectBargeIn},
		}
	}
	return m, nil
}

func (m Machine) speechEnded() (Machine, []Effect) {
	if m.State != session.StateUserSpeaking {
		return m, nil
	}
	m.State = session.StateListening
	if !m.cfg.Enabled {
		return m, nil
	}
	return m, []Effect{{Kind: EffectArmSilence, Delay: m.cfg.Silence}}
}

func (m Machine) finalResult(ev Event) (Machine, []Effect) {
	if ev.Text == "" {
		return m, nil
	}
	if m.State != session.StateUserSpeaking && m.State != session.StateListening {
		return m, stale(EventFinalResult, m.State.String())
	}

	effects := []Effect{{Kind: EffectCancelSilence}}
	if m.followUpActive {
		effects = append(effects, Effect{Kind: EffectCancelResponse})
		m.followUpActive = false
	}
	m.Generation++
	m.utterances++
	m.rearmed = false
	m.lastUserAt = ev.At
	m.State = session.StateProcessing

	return m, append(effects,
		Effect{Kind: EffectStopRecognizer},
		Effect{Kind: EffectRespond, Text: ev.Text, Confidence: ev.Confidence, Generation: m.Generation},
	)
}

func (m Machine) responseReady(ev Event) (Machine, []Effect) {
	if ev.Generation != m.Generation {
		return m, stale(EventResponseReady, "generation")
	}

	switch {
	case m.State == session.StateProcessing:
		m.State = session.StateAiSpeaking
		m.lastAIStartAt = ev.At
		return m, []Effect{{Kind: EffectPlay, Generation: m.Generation, Response: ev.Response}}

	case m.State == session.StateListening && m.followUpActive:
		m.followUpActive = false
		m.State = session.StateAiSpeaking
		m.lastAIStartAt = ev.At
		return m, []Effect{
			{Kind: EffectStopRecognizer},
			{Kind: EffectCancelSilence},
			{Kind: EffectPlay, Generation: m.Generation, Response: ev.Response, FollowUp: true},
		}
	}
	return m, stale(EventResponseReady, m.State.String())
}

func (m Machine) responseFailed(ev Event) (Machine, []Effect) {
	if ev.Generation != m.Generation {
		return m, stale(EventResponseFailed, "generation")
	}

	switch {
	case m.State == session.StateProcessing:
		return m.yield()
	case m.State == session.StateListening && m.followUpActive:
		m.followUpActive = false
		return m, nil
	}
	return m, nil
}

func (m Machine) playbackFinished(ev Event) (Machine, []Effect) {
	if ev.Generation != m.Generation {
		return m, stale(EventPlaybackFinished, "generation")
	}
	if m.State != session.StateAiSpeaking {
		return m, stale(EventPlaybackFinished, m.State.String())
	}
	return m.yield()
}

// yield hands the turn back to the user, or to Muted if a mute was requested meanwhile
func (m Machine) yield() (Machine, []Effect) {
	if m.mutePending {
		m.mutePending = false
		m.State = session.StateMuted
		return m, nil
	}

	m.State = session.StateListening
	effects := []Effect{{Kind: EffectStartRecognizer}}
	if m.followUpDue() {
		effects = append(effects, Effect{Kind: EffectArmSilence, Delay: m.cfg.Silence})
	}
	return m, effects
}

// followUpDue reports whether the current user utterance could still get a follow-up
func (m Machine) followUpDue() bool {
	return m.cfg.Enabled && m.utterances > 0 && m.followUpFor != m.utterances && !m.followUpActive
}

func (m Machine) silenceElapsed(ev Event) (Machine, []Effect) {
	if ev.Timer != m.silenceTimer {
		return m, stale(EventSilenceElapsed, "timer")
	}
	if m.State != session.StateListening || !m.followUpDue() {
		return m, nil
	}
	if ev.At.Sub(m.lastUserAt) > m.cfg.Recency {
		return m, nil
	}

	if !m.lastAIStartAt.IsZero() {
		if since := ev.At.Sub(m.lastAIStartAt); since < m.cfg.Cooldown {
			remaining := m.cfg.Cooldown - since
			if m.rearmed || ev.At.Add(remaining).Sub(m.lastUserAt) > m.cfg.Recency {
				return m, nil
			}
			m.rearmed = true
			return m, []Effect{{Kind: EffectArmSilence, Delay: remaining}}
		}
	}

	m.followUpFor = m.utterances
	m.followUpActive = true
	m.Generation++
	return m, []Effect{{Kind: EffectFollowUp, Generation: m.Generation}}
}

func (m Machine) mute() (Machine, []Effect) {
	switch m.State {
	case session.StateListening, session.StateUserSpeaking:
		effects := m.cancelFollowUp()
		m.State = session.StateMuted
		return m, append(effects, Effect{Kind: EffectCancelSilence}, Effect{Kind: EffectStopRecognizer})

	case session.StateProcessing, session.StateAiSpeaking:
		m.mutePending = true
	}
	return m, nil
}

func (m Machine) unmute() (Machine, []Effect) {
	switch m.State {
	case session.StateMuted:
		m.State = session.StateListening
		return m, []Effect{{Kind: EffectStartRecognizer}}

	case session.StateProcessing, session.StateAiSpeaking:
		m.mutePending = false
	}
	return m, nil
}

func (m Machine) end(farewell bool, err error) (Machine, []Effect) {
	// Nothing was said yet, so there is nothing to close
	if m.State == session.StateIdle {
		farewell = false
	}
	m.State = session.StateEnded
	m.Generation++
	m.followUpActive = false
	m.mutePending = false
	return m, []Effect{
		{Kind: EffectCancelSilence},
		{Kind: EffectCancelResponse},
		{Kind: EffectCancelPlayback},
		{Kind: EffectStopRecognizer},
		{Kind: EffectTeardown, Farewell: farewell && err == nil, Err: err},
	}
}
