package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/config"
	"github.com/lexiqai/companion-voice/internal/observability"
	"github.com/lexiqai/companion-voice/internal/resilience"
)

// maxErrorBody bounds how much of a failed response is read for logging
const maxErrorBody = 512

// ElevenLabsClient implements Synthesizer using the ElevenLabs text-to-speech API.
// Endpoints are tried in order and the first success wins.
type ElevenLabsClient struct {
	apiKey         string
	endpoints      []string
	modelID        string
	voiceID        string
	timeout        time.Duration
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewElevenLabsClient creates a new ElevenLabs TTS client
func NewElevenLabsClient(cfg *config.Config, logger zerolog.Logger) *ElevenLabsClient {
	circuitBreaker := resilience.NewCircuitBreaker(
		"elevenlabs",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange = func(name string, state resilience.CircuitState, failed bool) {
		observability.ObserveCircuitBreaker(name, int(state), failed)
	}

	return &ElevenLabsClient{
		apiKey:         cfg.ElevenLabsAPIKey,
		endpoints:      cfg.TTSEndpoints,
		modelID:        cfg.ElevenLabsModelID,
		voiceID:        cfg.ElevenLabsVoiceID,
		timeout:        time.Duration(cfg.TTSTimeout) * time.Second,
		httpClient:     &http.Client{},
		circuitBreaker: circuitBreaker,
		logger:         logger.With().Str("component", "elevenlabs").Logger(),
	}
}

// Synthesize converts text to MPEG audio
func (c *ElevenLabsClient) Synthesize(ctx context.Context, req *Request) (*Clip, error) {
	if req == nil || strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	body := *req
	if body.VoiceID == "" {
		body.VoiceID = c.voiceID
	}
	if body.ModelID == "" {
		body.ModelID = c.modelID
	}
	body.VoiceSettings = body.VoiceSettings.Clamp()

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	var audioData []byte
	err = c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		var lastErr error
		for i, endpoint := range c.endpoints {
			data, err := c.post(ctx, strings.ReplaceAll(endpoint, "{voice_id}", body.VoiceID), jsonData)
			if err == nil {
				audioData = data
				return nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn().
				Err(err).
				Int("endpoint_index", i).
				Msg("TTS endpoint failed, trying next")
		}
		return fmt.Errorf("%w: %v", ErrAllEndpointsFailed, lastErr)
	})
	observability.RecordTTS(err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Int("bytes", len(audioData)).
		Dur("latency", time.Since(start)).
		Msg("TTS audio received")

	return &Clip{
		ID:          uuid.New().String(),
		Data:        audioData,
		ContentType: "audio/mpeg",
		Text:        req.Text,
		Source:      SourceNetwork,
	}, nil
}

// post sends one request with its own timeout; any non-200 is an error
func (c *ElevenLabsClient) post(ctx context.Context, url string, payload []byte) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("elevenlabs API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("elevenlabs returned empty audio")
	}
	return audioData, nil
}

// Healthy reports whether the breaker currently admits requests
func (c *ElevenLabsClient) Healthy(ctx context.Context) (bool, error) {
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
