package gateway

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/lexiqai/companion-voice/internal/tts"
)

// wsPlayer renders clips on the client: a clip is sent as an audio message
// and playback lasts until the client reports playback_done for it.
type wsPlayer struct {
	send func(ServerMessage) error

	mu      sync.Mutex
	waiting map[string]chan string
}

func newWSPlayer(send func(ServerMessage) error) *wsPlayer {
	return &wsPlayer{send: send, waiting: make(map[string]chan string)}
}

// Play sends clip and blocks until the client finishes it. Cancelling ctx
// tells the client to drop the clip.
func (p *wsPlayer) Play(ctx context.Context, clip *tts.Clip) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan string, 1)
	p.mu.Lock()
	p.waiting[clip.ID] = done
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiting, clip.ID)
		p.mu.Unlock()
	}()

	err := p.send(ServerMessage{
		Event: EventAudio,
		Audio: &AudioPayload{
			ClipID:      clip.ID,
			ContentType: clip.ContentType,
			Source:      clip.Source,
			Text:        clip.Text,
			Payload:     base64.StdEncoding.EncodeToString(clip.Data),
		},
	})
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		_ = p.send(ServerMessage{Event: EventClear, Clear: &ClearPayload{ClipID: clip.ID}})
		return ctx.Err()
	}
}

// Done records the client's report for clipID. Unknown clips are ignored.
func (p *wsPlayer) Done(clipID, state string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiting[clipID]
	if !ok {
		return false
	}
	select {
	case ch <- state:
	default:
	}
	return true
}
