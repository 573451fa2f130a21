package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/tts"
)

// ErrClipTooLong is returned when a clip plays past the configured bound
var ErrClipTooLong = errors.New("clip exceeded maximum playback duration")

// Player renders one clip and returns when it finishes or ctx is cancelled
type Player interface {
	Play(ctx context.Context, clip *tts.Clip) error
}

// PlayerFunc adapts a function to Player
type PlayerFunc func(ctx context.Context, clip *tts.Clip) error

// Play calls f
func (f PlayerFunc) Play(ctx context.Context, clip *tts.Clip) error {
	return f(ctx, clip)
}

type playing struct {
	clip      *tts.Clip
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

// Queue plays at most one clip at a time. A new clip supersedes the current
// one rather than waiting behind it.
type Queue struct {
	player  Player
	maxClip time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	current *playing
}

// NewQueue creates a playback queue. maxClip bounds a single clip; zero disables the bound.
func NewQueue(player Player, maxClip time.Duration, logger zerolog.Logger) *Queue {
	return &Queue{
		player:  player,
		maxClip: maxClip,
		logger:  logger.With().Str("component", "playback").Logger(),
	}
}

// EnqueueAndPlay stops any current clip, plays clip and blocks until it ends.
// completed is true only for natural completion; a cancelled clip returns
// (false, nil).
func (q *Queue) EnqueueAndPlay(ctx context.Context, clip *tts.Clip) (completed bool, err error) {
	if clip == nil {
		return false, fmt.Errorf("nil clip")
	}
	// A clip whose turn was already abandoned never reaches the player
	if ctx.Err() != nil {
		return false, nil
	}

	playCtx, cancel := context.WithCancel(ctx)
	if q.maxClip > 0 {
		playCtx, cancel = withBound(playCtx, cancel, q.maxClip)
	}
	p := &playing{clip: clip, cancel: cancel, done: make(chan struct{})}

	q.mu.Lock()
	if ctx.Err() != nil {
		q.mu.Unlock()
		cancel()
		return false, nil
	}
	prev := q.current
	if prev != nil {
		prev.cancelled = true
	}
	q.current = p
	q.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
		q.logger.Debug().Str("clip_id", prev.clip.ID).Msg("Clip superseded")
	}

	q.logger.Debug().
		Str("clip_id", clip.ID).
		Str("source", clip.Source).
		Int("bytes", len(clip.Data)).
		Msg("Playing clip")

	playErr := q.player.Play(playCtx, clip)
	timedOut := errors.Is(playCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	q.mu.Lock()
	cancelled := p.cancelled
	if q.current == p {
		q.current = nil
	}
	q.mu.Unlock()
	cancel()
	close(p.done)

	switch {
	case cancelled || ctx.Err() != nil:
		return false, nil
	case timedOut:
		return false, ErrClipTooLong
	case playErr != nil:
		return false, playErr
	}
	return true, nil
}

// Cancel halts the current clip immediately. Safe to call when nothing is playing.
func (q *Queue) Cancel() {
	q.mu.Lock()
	p := q.current
	if p == nil {
		q.mu.Unlock()
		return
	}
	p.cancelled = true
	q.current = nil
	q.mu.Unlock()

	p.cancel()
	q.logger.Debug().Str("clip_id", p.clip.ID).Msg("Playback cancelled")
}

// IsPlaying reports whether a clip is playing
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil
}

// Current returns the playing clip, or nil
func (q *Queue) Current() *tts.Clip {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return nil
	}
	return q.current.clip
}

func withBound(ctx context.Context, parentCancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	bounded, cancel := context.WithTimeout(ctx, d)
	return bounded, func() {
		cancel()
		parentCancel()
	}
}
