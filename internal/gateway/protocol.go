package gateway

// ClientMessage is a JSON message from the client
type ClientMessage struct {
	Event    string        `json:"event"`
	Start    *StartPayload `json:"start,omitempty"`
	Media    *MediaPayload `json:"media,omitempty"`
	Playback *PlaybackDone `json:"playback,omitempty"`
	Stop     *StopPayload  `json:"stop,omitempty"`
}

// StartPayload opens a call
type StartPayload struct {
	DeviceID      string  `json:"device_id"`
	CharacterID   string  `json:"character_id"`
	CharacterName string  `json:"character_name"`
	VoiceID       string  `json:"voice_id"`
	Intensity     float64 `json:"intensity"`
	SampleRate    int     `json:"sample_rate,omitempty"`
}

// MediaPayload carries base64 PCM16LE mono microphone audio
type MediaPayload struct {
	Payload string `json:"payload"`
}

// PlaybackDone reports the client finished or stopped rendering a clip
type PlaybackDone struct {
	ClipID string `json:"clip_id"`
	State  string `json:"state"` // finished or stopped
}

// StopPayload ends the call
type StopPayload struct {
	Farewell bool `json:"farewell"`
}

// Client events
const (
	EventStart        = "start"
	EventMedia        = "media"
	EventMute         = "mute"
	EventUnmute       = "unmute"
	EventPlaybackDone = "playback_done"
	EventStop         = "stop"
)

// Server events
const (
	EventState      = "state"
	EventTranscript = "transcript"
	EventAudio      = "audio"
	EventClear      = "clear"
	EventLevel      = "level"
	EventError      = "error"
)

// Playback states reported by the client
const (
	PlaybackFinished = "finished"
	PlaybackStopped  = "stopped"
)

// ServerMessage is a JSON message to the client
type ServerMessage struct {
	Event      string             `json:"event"`
	State      string             `json:"state,omitempty"`
	Transcript *TranscriptPayload `json:"transcript,omitempty"`
	Audio      *AudioPayload      `json:"audio,omitempty"`
	Clear      *ClearPayload      `json:"clear,omitempty"`
	Level      *LevelPayload      `json:"level,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
}

// TranscriptPayload is one line of conversation
type TranscriptPayload struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Final   bool   `json:"final"`
}

// AudioPayload is a clip to render
type AudioPayload struct {
	ClipID      string `json:"clip_id"`
	ContentType string `json:"content_type"`
	Source      string `json:"source"`
	Text        string `json:"text"`
	Payload     string `json:"payload"` // base64
}

// ClearPayload asks the client to stop rendering a clip
type ClearPayload struct {
	ClipID string `json:"clip_id"`
}

// LevelPayload feeds the client's voice meter
type LevelPayload struct {
	Level    float64 `json:"level"`
	Speaking bool    `json:"speaking"`
}

// ErrorPayload reports a failure
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeBadMessage       = "bad_message"
	ErrCodeSessionActive    = "session_already_active"
	ErrCodeMicrophone       = "microphone_unavailable"
	ErrCodePermissionDenied = "microphone_permission_denied"
	ErrCodeNoCall           = "no_call"
	ErrCodeInternal         = "internal"
)
