package resilience

import (
	"time"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum consecutive attempts, zero means unlimited
	Backoff     time.Duration // Backoff before the first attempt
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 0,
		Backoff:     750 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  5 * time.Second,
	}
}

// Reconnector tracks consecutive reconnection attempts for a long-lived
// stream and hands out the delay before the next one.
type Reconnector struct {
	config  *ReconnectConfig
	attempt int
}

// NewReconnector creates a reconnector
func NewReconnector(config *ReconnectConfig) *Reconnector {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	return &Reconnector{config: config}
}

// Next returns the delay before the next attempt and false once MaxAttempts is exhausted
func (r *Reconnector) Next() (time.Duration, bool) {
	if r.config.MaxAttempts > 0 && r.attempt >= r.config.MaxAttempts {
		return 0, false
	}
	delay := CalculateBackoff(r.attempt, r.config.Backoff, r.config.MaxBackoff, r.config.Multiplier)
	r.attempt++
	return delay, true
}

// Attempts returns the number of consecutive attempts handed out since the last Reset
func (r *Reconnector) Attempts() int {
	return r.attempt
}

// Reset is called once the stream is healthy again
func (r *Reconnector) Reset() {
	r.attempt = 0
}
