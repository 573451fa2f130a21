package orchestrator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/companion-voice/internal/config"
	"github.com/lexiqai/companion-voice/internal/observability"
	"github.com/lexiqai/companion-voice/internal/resilience"
)

// generateReplyMethod is the server-streaming RPC that produces companion lines.
// Requests and responses are google.protobuf.Struct messages.
const generateReplyMethod = "/lexiq.orchestrator.v1.CompanionOrchestrator/GenerateReply"

var generateReplyStream = &grpc.StreamDesc{
	StreamName:    "GenerateReply",
	ServerStreams: true,
}

// OrchestratorClient manages the gRPC connection to the companion orchestrator
type OrchestratorClient struct {
	config         *config.Config
	target         string
	dialOpts       []grpc.DialOption
	mu             sync.RWMutex
	conn           *grpc.ClientConn
	isConnected    bool
	circuitBreaker *resilience.CircuitBreaker
	retryConfig    *resilience.RetryConfig
	logger         zerolog.Logger
}

// NewOrchestratorClient creates a new Orchestrator gRPC client
func NewOrchestratorClient(cfg *config.Config, logger zerolog.Logger) (*OrchestratorClient, error) {
	return newOrchestratorClient(cfg, logger)
}

func newOrchestratorClient(cfg *config.Config, logger zerolog.Logger, extra ...grpc.DialOption) (*OrchestratorClient, error) {
	circuitBreaker := resilience.NewCircuitBreaker(
		"orchestrator",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange = func(name string, state resilience.CircuitState, failed bool) {
		observability.ObserveCircuitBreaker(name, int(state), failed)
	}

	client := &OrchestratorClient{
		config:         cfg,
		target:         cfg.OrchestratorURL,
		circuitBreaker: circuitBreaker,
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
		},
		logger: logger.With().Str("component", "orchestrator").Logger(),
	}

	// Configure connection options
	var opts []grpc.DialOption
	if cfg.OrchestratorTLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))
	client.dialOpts = append(opts, extra...)

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to orchestrator: %w", err)
	}

	return client, nil
}

// connect creates the client connection. The channel connects lazily so the
// engine can start while the orchestrator is still coming up.
func (c *OrchestratorClient) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isConnected && c.conn != nil {
		return nil
	}

	conn, err := grpc.NewClient(c.target, c.dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to dial orchestrator at %s: %w", c.target, err)
	}

	c.conn = conn
	c.isConnected = true

	c.logger.Info().Str("target", c.target).Msg("Orchestrator client ready")
	return nil
}

// GenerateReply streams a reply from the orchestrator and joins the text chunks
func (c *OrchestratorClient) GenerateReply(ctx context.Context, prompt *Prompt) (string, error) {
	req, err := promptToStruct(prompt)
	if err != nil {
		return "", err
	}

	if c.config.OrchestratorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.config.OrchestratorTimeout)*time.Second)
		defer cancel()
	}

	start := time.Now()
	var reply string
	err = c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			if err := c.connect(); err != nil {
				return err
			}
			text, err := c.streamReply(ctx, req)
			if err != nil {
				return err
			}
			reply = text
			return nil
		}, c.retryConfig, resilience.IsRetryableNetworkError)
	})
	observability.RecordTextGen(err == nil, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("failed to call GenerateReply: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

func (c *OrchestratorClient) streamReply(ctx context.Context, req *structpb.Struct) (string, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return "", fmt.Errorf("orchestrator client is not connected")
	}

	stream, err := conn.NewStream(ctx, generateReplyStream, generateReplyMethod)
	if err != nil {
		return "", err
	}
	if err := stream.SendMsg(req); err != nil {
		return "", err
	}
	if err := stream.CloseSend(); err != nil {
		return "", err
	}

	var b strings.Builder
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return b.String(), nil
			}
			return "", err
		}

		resp := responseFromStruct(msg)
		if resp.Error != nil {
			return "", resp.Error
		}
		b.WriteString(resp.TextChunk)
		if resp.IsDone {
			c.logger.Debug().Int32("total_tokens", resp.TotalTokens).Msg("Orchestrator stream completed")
			return b.String(), nil
		}
	}
}

// HealthCheck checks if the Orchestrator is healthy
func (c *OrchestratorClient) HealthCheck(ctx context.Context) (bool, error) {
	c.mu.RLock()
	if !c.isConnected || c.conn == nil {
		c.mu.RUnlock()
		return false, fmt.Errorf("orchestrator client is not connected")
	}
	conn := c.conn
	c.mu.RUnlock()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (c *OrchestratorClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.isConnected = false
		c.conn = nil
		return err
	}
	return nil
}

// IsConnected returns whether the client is currently connected
func (c *OrchestratorClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func promptToStruct(p *Prompt) (*structpb.Struct, error) {
	if p == nil {
		return nil, fmt.Errorf("nil prompt")
	}

	history := make([]interface{}, 0, len(p.History))
	for _, u := range p.History {
		history = append(history, map[string]interface{}{
			"speaker":    string(u.Speaker),
			"text":       u.Text,
			"created_at": u.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"session_id": p.SessionID,
		"kind":       string(p.Kind),
		"text":       p.Utterance,
		"history":    history,
		"intensity":  p.Intensity,
		"character": map[string]interface{}{
			"id":       p.Character.ID,
			"name":     p.Character.Name,
			"voice_id": p.Character.VoiceID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return req, nil
}

func responseFromStruct(msg *structpb.Struct) *OrchestratorResponse {
	fields := msg.GetFields()
	resp := &OrchestratorResponse{
		TextChunk:   fields["text_chunk"].GetStringValue(),
		IsDone:      fields["is_done"].GetBoolValue(),
		TotalTokens: int32(fields["total_tokens"].GetNumberValue()),
	}
	if e := fields["error"].GetStructValue(); e != nil {
		resp.Error = &Error{
			Code:    e.GetFields()["code"].GetStringValue(),
			Message: e.GetFields()["message"].GetStringValue(),
		}
	}
	return resp
}
