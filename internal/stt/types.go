package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrMicrophonePermissionDenied is surfaced when the recognition engine refuses audio access
var ErrMicrophonePermissionDenied = errors.New("microphone permission denied")

// ErrRecognizerClosed is returned by Start after Close
var ErrRecognizerClosed = errors.New("recognizer closed")

// TranscriptionResult represents a transcription result from the engine
type TranscriptionResult struct {
	// Text is the transcribed text
	Text string

	// IsFinal indicates if this is a finalized utterance (true) or interim (false)
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// StartTime is the start time of the utterance in seconds
	StartTime float64

	// Duration is the duration of the utterance in seconds
	Duration float64
}

// ErrorCode classifies why a recognition stream stopped
type ErrorCode string

const (
	ErrorNoSpeech   ErrorCode = "no-speech"
	ErrorAborted    ErrorCode = "aborted"
	ErrorNotAllowed ErrorCode = "not-allowed"
	ErrorNetwork    ErrorCode = "network"
)

// RecognitionError is reported when a recognition stream ends abnormally
type RecognitionError struct {
	Code   ErrorCode
	Detail string
}

func (e *RecognitionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("recognition error: %s", e.Code)
	}
	return fmt.Sprintf("recognition error: %s: %s", e.Code, e.Detail)
}

// CodeOf extracts the ErrorCode from err, or "" when err is not a RecognitionError
func CodeOf(err error) ErrorCode {
	var recErr *RecognitionError
	if errors.As(err, &recErr) {
		return recErr.Code
	}
	return ""
}

// ClassifyEngineError maps a provider error description onto an ErrorCode
func ClassifyEngineError(detail string) ErrorCode {
	d := strings.ToUpper(detail)
	switch {
	case strings.Contains(d, "INVALID_AUTH"),
		strings.Contains(d, "INSUFFICIENT_PERMISSIONS"),
		strings.Contains(d, "401"),
		strings.Contains(d, "403"):
		return ErrorNotAllowed
	case strings.Contains(d, "NET-0001"),
		strings.Contains(d, "NO AUDIO"):
		return ErrorNoSpeech
	case strings.Contains(d, "ABORT"),
		strings.Contains(d, "CANCELED"),
		strings.Contains(d, "CANCELLED"):
		return ErrorAborted
	}
	return ErrorNetwork
}

// EngineEvents receives output from one engine session. OnEnded fires exactly
// once per session with nil for a clean end.
type EngineEvents struct {
	OnResult func(*TranscriptionResult)
	OnEnded  func(err error)
}

// EngineSession is one continuous recognition stream
type EngineSession interface {
	// SendAudio streams 16-bit PCM to the engine
	SendAudio(audioData []byte) error

	// Stop finishes the stream; OnEnded still fires
	Stop() error
}

// Engine opens continuous interim-and-final recognition streams
type Engine interface {
	Open(ctx context.Context, events EngineEvents) (EngineSession, error)
}
