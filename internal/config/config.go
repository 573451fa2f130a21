package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the companion voice engine
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service, used only for logging the call endpoint.
	// Optional; if unset, logs ws://localhost:PORT/calls.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`      // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`    // English locale by default
	AudioSampleRate  int    `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`    // Microphone PCM16 sample rate

	// ElevenLabs TTS configuration
	ElevenLabsAPIKey  string   `envconfig:"ELEVENLABS_API_KEY" required:"true"`
	ElevenLabsVoiceID string   `envconfig:"ELEVENLABS_VOICE_ID" default:"21m00Tcm4TlvDq8ikWAM"`
	ElevenLabsModelID string   `envconfig:"ELEVENLABS_MODEL_ID" default:"eleven_turbo_v2"`
	TTSEndpoints      []string `envconfig:"TTS_ENDPOINTS" default:"https://api.elevenlabs.io/v1/text-to-speech/{voice_id}"` // Tried in order, first success wins
	TTSTimeout        int      `envconfig:"TTS_TIMEOUT" default:"30"`                                                         // seconds

	// Local fallback voice: "client" asks the client to speak on-device, "command" runs LocalTTSCommand
	LocalTTSMode    string `envconfig:"LOCAL_TTS_MODE" default:"client"`
	LocalTTSCommand string `envconfig:"LOCAL_TTS_COMMAND" default:"espeak-ng"`

	// Text generation collaborator: "orchestrator" (gRPC) or "gemini"
	TextGenProvider        string `envconfig:"TEXTGEN_PROVIDER" default:"orchestrator"`
	OrchestratorURL        string `envconfig:"ORCHESTRATOR_URL" default:"localhost:50051"`
	OrchestratorTLSEnabled bool   `envconfig:"ORCHESTRATOR_TLS_ENABLED" default:"false"`
	OrchestratorTimeout    int    `envconfig:"ORCHESTRATOR_TIMEOUT" default:"30"` // seconds
	GeminiAPIKey           string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel            string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`

	// Audio activity monitoring. The threshold is tuned by ear, not derived.
	AudioBufferSize    int     `envconfig:"AUDIO_BUFFER_SIZE" default:"32768"`    // Mic ring buffer size in bytes
	VADLevelThreshold  float64 `envconfig:"VAD_LEVEL_THRESHOLD" default:"0.13"`   // Normalized level above which a frame is speech
	VADFullScaleRMS    float64 `envconfig:"VAD_FULL_SCALE_RMS" default:"6000.0"`  // RMS mapped to level 1.0
	VADSpeechFrames    int     `envconfig:"VAD_SPEECH_FRAMES" default:"2"`        // Frames above threshold to mark speech start
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"45"`      // Frames below threshold to mark speech end
	VADFrameIntervalMs int     `envconfig:"VAD_FRAME_INTERVAL_MS" default:"16"`   // Sampling cadence (~display refresh)

	// Speech recognizer lifecycle
	RecognizerRestartBackoff    int `envconfig:"RECOGNIZER_RESTART_BACKOFF_MS" default:"750"`      // milliseconds
	RecognizerRestartMaxBackoff int `envconfig:"RECOGNIZER_RESTART_MAX_BACKOFF_MS" default:"5000"` // milliseconds

	// Turn taking
	FollowUpEnabled  bool `envconfig:"FOLLOWUP_ENABLED" default:"true"`
	FollowUpSilence  int  `envconfig:"FOLLOWUP_SILENCE_MS" default:"4500"`  // Silence before an unsolicited follow-up
	FollowUpRecency  int  `envconfig:"FOLLOWUP_RECENCY_MS" default:"12000"` // Last user utterance must be this recent
	FollowUpCooldown int  `envconfig:"FOLLOWUP_COOLDOWN_MS" default:"8000"` // Minimum time since the AI last spoke
	ClosingTimeout   int  `envconfig:"CLOSING_TIMEOUT_MS" default:"6000"`   // Bound on the farewell before teardown
	PlaybackMaxClip  int  `envconfig:"PLAYBACK_MAX_CLIP_SECONDS" default:"60"`

	// Reply shaping
	HistoryWindow     int `envconfig:"HISTORY_WINDOW" default:"15"`
	ReplyMaxSentences int `envconfig:"REPLY_MAX_SENTENCES" default:"2"`
	ReplyMaxChars     int `envconfig:"REPLY_MAX_CHARS" default:"240"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"2"`             // Text generation attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Transcript persistence (optional)
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required keys and cross-field constraints
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY is required")
	}
	if c.VADLevelThreshold <= 0 || c.VADLevelThreshold >= 1 {
		return fmt.Errorf("VAD_LEVEL_THRESHOLD must be in (0,1), got %v", c.VADLevelThreshold)
	}
	if c.FollowUpSilence <= 0 || c.FollowUpRecency <= 0 || c.FollowUpCooldown < 0 {
		return fmt.Errorf("follow-up windows must be positive")
	}
	if len(c.TTSEndpoints) == 0 {
		return fmt.Errorf("TTS_ENDPOINTS must list at least one endpoint")
	}
	switch c.TextGenProvider {
	case "orchestrator":
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when TEXTGEN_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("unknown TEXTGEN_PROVIDER %q", c.TextGenProvider)
	}
	switch c.LocalTTSMode {
	case "client", "command":
	default:
		return fmt.Errorf("unknown LOCAL_TTS_MODE %q", c.LocalTTSMode)
	}
	return nil
}

// Millis converts a millisecond config value to a duration
func Millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
