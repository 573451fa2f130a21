package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/audio"
	"github.com/lexiqai/companion-voice/internal/call"
	"github.com/lexiqai/companion-voice/internal/config"
	"github.com/lexiqai/companion-voice/internal/observability"
	"github.com/lexiqai/companion-voice/internal/session"
	"github.com/lexiqai/companion-voice/internal/stt"
)

const (
	writeTimeout  = 10 * time.Second
	levelInterval = 100 * time.Millisecond
)

// Handler serves the /calls WebSocket endpoint, one call per connection
type Handler struct {
	ctx      context.Context
	deps     call.Deps
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewHandler creates the call endpoint. Cancelling ctx ends every live call.
func NewHandler(ctx context.Context, deps call.Deps, logger zerolog.Logger) *Handler {
	return &Handler{
		ctx:  ctx,
		deps: deps,
		upgrader: websocket.Upgrader{
			// Browsers connect from the app origin; auth happens upstream
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

// Wait blocks until every connection has finished
func (h *Handler) Wait() {
	h.wg.Wait()
}

// ServeHTTP upgrades the request and runs the call protocol
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	// Server read timeouts must not apply to a long-lived call
	_ = conn.SetReadDeadline(time.Time{})

	correlationID := observability.NewCorrelationID()
	c := &connection{
		handler:       h,
		conn:          conn,
		correlationID: correlationID,
		logger:        h.logger.With().Str("correlation_id", correlationID).Logger(),
	}
	c.player = newWSPlayer(c.send)

	c.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Call connection established")
	c.readLoop()
	c.close()
}

// connection is one client socket and the call it carries
type connection struct {
	handler       *Handler
	conn          *websocket.Conn
	player        *wsPlayer
	correlationID string
	logger        zerolog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	call      *call.Call
	lastLevel time.Time
	speaking  bool
}

// send serializes writes; gorilla connections allow one concurrent writer
func (c *connection) send(msg ServerMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *connection) sendError(code, message string) {
	if err := c.send(ServerMessage{Event: EventError, Error: &ErrorPayload{Code: code, Message: message}}); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send error")
	}
}

func (c *connection) currentCall() *call.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call
}

func (c *connection) readLoop() {
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			c.feed(message)
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to parse client message")
			c.sendError(ErrCodeBadMessage, "invalid JSON message")
			continue
		}

		switch msg.Event {
		case EventStart:
			c.start(msg.Start)

		case EventMedia:
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				c.logger.Debug().Err(err).Msg("Failed to decode base64 audio")
				continue
			}
			c.feed(pcm)

		case EventMute:
			if cl := c.currentCall(); cl != nil {
				cl.Mute()
			}

		case EventUnmute:
			if cl := c.currentCall(); cl != nil {
				cl.Unmute()
			}

		case EventPlaybackDone:
			if msg.Playback != nil {
				c.player.Done(msg.Playback.ClipID, msg.Playback.State)
			}

		case EventStop:
			farewell := msg.Stop != nil && msg.Stop.Farewell
			c.end(farewell)

		default:
			c.logger.Debug().Str("event", msg.Event).Msg("Unknown client event")
		}
	}
}

func (c *connection) feed(pcm []byte) {
	cl := c.currentCall()
	if cl == nil {
		return
	}
	if err := cl.Feed(pcm); err != nil && !errors.Is(err, audio.ErrStreamClosed) {
		c.logger.Debug().Err(err).Msg("Dropped microphone audio")
	}
}

func (c *connection) start(p *StartPayload) {
	if p == nil || p.DeviceID == "" {
		c.sendError(ErrCodeBadMessage, "start requires device_id")
		return
	}

	c.mu.Lock()
	if c.call != nil {
		c.mu.Unlock()
		c.sendError(ErrCodeBadMessage, "call already started on this connection")
		return
	}
	c.mu.Unlock()

	params := call.Params{
		DeviceID: p.DeviceID,
		Character: session.Character{
			ID:      p.CharacterID,
			Name:    p.CharacterName,
			VoiceID: p.VoiceID,
		},
		Intensity:     p.Intensity,
		SampleRate:    p.SampleRate,
		CorrelationID: c.correlationID,
	}

	cl, err := call.Start(c.handler.ctx, c.handler.deps, params, c.player, call.Events{
		OnState: func(state session.TurnState) {
			_ = c.send(ServerMessage{Event: EventState, State: state.String()})
		},
		OnTranscript: func(speaker session.Speaker, text string, final bool) {
			_ = c.send(ServerMessage{Event: EventTranscript, Transcript: &TranscriptPayload{
				Speaker: string(speaker),
				Text:    text,
				Final:   final,
			}})
		},
		OnLevel: c.level,
		OnEnded: c.ended,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionAlreadyActive):
			c.sendError(ErrCodeSessionActive, err.Error())
		case errors.Is(err, audio.ErrMicrophoneUnavailable):
			c.sendError(ErrCodeMicrophone, err.Error())
		default:
			c.sendError(ErrCodeInternal, err.Error())
		}
		c.logger.Warn().Err(err).Str("device_id", p.DeviceID).Msg("Failed to start call")
		return
	}

	c.mu.Lock()
	c.call = cl
	c.mu.Unlock()
}

// level forwards meter readings, throttled except on speaking edges
func (c *connection) level(sample audio.VoiceActivitySample) {
	c.mu.Lock()
	edge := sample.IsSpeaking != c.speaking
	if !edge && sample.At.Sub(c.lastLevel) < levelInterval {
		c.mu.Unlock()
		return
	}
	c.lastLevel = sample.At
	c.speaking = sample.IsSpeaking
	c.mu.Unlock()

	_ = c.send(ServerMessage{Event: EventLevel, Level: &LevelPayload{Level: sample.Level, Speaking: sample.IsSpeaking}})
}

// ended reports a fatal error and closes the socket once the call is torn down
func (c *connection) ended(err error) {
	if err != nil {
		code := ErrCodeInternal
		switch {
		case errors.Is(err, stt.ErrMicrophonePermissionDenied):
			code = ErrCodePermissionDenied
		case errors.Is(err, audio.ErrMicrophoneUnavailable):
			code = ErrCodeMicrophone
		}
		c.sendError(code, err.Error())
	}

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// end tears the call down in the background; the socket closes once it has ended
func (c *connection) end(farewell bool) {
	cl := c.currentCall()
	if cl == nil {
		c.sendError(ErrCodeNoCall, "no call in progress")
		return
	}

	timeout := config.Millis(c.handler.deps.Config.ClosingTimeout) + time.Second
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := cl.End(ctx, farewell); err != nil {
			c.logger.Warn().Err(err).Msg("Call teardown did not finish in time")
		}
	}()
}

// close ends any live call without a farewell and waits for its teardown
func (c *connection) close() {
	if cl := c.currentCall(); cl != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.Millis(c.handler.deps.Config.ClosingTimeout)+time.Second)
		if err := cl.End(ctx, false); err != nil {
			c.logger.Warn().Err(err).Msg("Call teardown did not finish in time")
		}
		cancel()
	}
	_ = c.conn.Close()
	c.logger.Info().Msg("Call connection closed")
}
