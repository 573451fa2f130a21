package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	LevelThreshold float64 // Normalized level in [0,1] above which a frame counts as voiced
	FullScaleRMS   float64 // RMS that maps to level 1.0
	SpeechFrames   int     // Consecutive voiced frames required to start speech
	SilenceFrames  int     // Consecutive quiet frames required to end speech
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		LevelThreshold: 0.13,
		FullScaleRMS:   6000,
		SpeechFrames:   2,
		SilenceFrames:  45, // ~720ms at 16ms frames
	}
}

// VADDetector performs Voice Activity Detection on normalized levels with
// hysteresis on both edges
type VADDetector struct {
	config         *VADConfig
	speechCounter  int
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.SpeechFrames < 1 {
		config.SpeechFrames = 1
	}
	if config.SilenceFrames < 1 {
		config.SilenceFrames = 1
	}
	return &VADDetector{config: config}
}

// Level converts raw samples into a normalized level
func (v *VADDetector) Level(samples []int16) float64 {
	return NormalizeLevel(CalculateRMS(samples), v.config.FullScaleRMS)
}

// ProcessFrame processes an audio frame and returns whether speech is detected
// Returns: (level, isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (float64, bool, bool, bool) {
	level := v.Level(samples)
	isSpeaking, started, ended := v.ProcessLevel(level)
	return level, isSpeaking, started, ended
}

// ProcessLevel classifies one normalized level sample
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessLevel(level float64) (bool, bool, bool) {
	var speechStarted, speechEnded bool

	if level > v.config.LevelThreshold {
		v.silenceCounter = 0
		if !v.isSpeaking {
			v.speechCounter++
			if v.speechCounter >= v.config.SpeechFrames {
				v.isSpeaking = true
				v.speechCounter = 0
				speechStarted = true
			}
		}
	} else {
		v.speechCounter = 0
		if v.isSpeaking {
			v.silenceCounter++
			if v.silenceCounter >= v.config.SilenceFrames {
				v.isSpeaking = false
				v.silenceCounter = 0
				speechEnded = true
			}
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.speechCounter = 0
	v.silenceCounter = 0
	v.isSpeaking = false
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// DetectSilence reports whether samples stay below a normalized level threshold
func DetectSilence(samples []int16, fullScale, threshold float64) bool {
	return NormalizeLevel(CalculateRMS(samples), fullScale) <= threshold
}
