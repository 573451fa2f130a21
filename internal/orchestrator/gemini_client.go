package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/companion-voice/internal/config"
	"github.com/lexiqai/companion-voice/internal/observability"
	"github.com/lexiqai/companion-voice/internal/resilience"
	"github.com/lexiqai/companion-voice/internal/session"
)

// GeminiClient generates companion replies directly with the Gemini API
type GeminiClient struct {
	client         *genai.Client
	model          string
	timeout        time.Duration
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewGeminiClient creates a Gemini-backed reply generator
func NewGeminiClient(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	circuitBreaker := resilience.NewCircuitBreaker(
		"gemini",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange = func(name string, state resilience.CircuitState, failed bool) {
		observability.ObserveCircuitBreaker(name, int(state), failed)
	}

	return &GeminiClient{
		client:         client,
		model:          cfg.GeminiModel,
		timeout:        time.Duration(cfg.OrchestratorTimeout) * time.Second,
		circuitBreaker: circuitBreaker,
		logger:         logger.With().Str("component", "gemini").Logger(),
	}, nil
}

// HealthCheck reports whether the breaker currently admits requests
func (g *GeminiClient) HealthCheck(ctx context.Context) (bool, error) {
	if g.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// GenerateReply asks Gemini for the next companion line
func (g *GeminiClient) GenerateReply(ctx context.Context, prompt *Prompt) (string, error) {
	if prompt == nil {
		return "", fmt.Errorf("nil prompt")
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	contents := BuildContents(prompt)
	genConfig := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemInstruction(prompt), genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.9),
		MaxOutputTokens:   160,
	}

	start := time.Now()
	var reply string
	err := g.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, genConfig)
		if err != nil {
			return err
		}
		reply = strings.TrimSpace(resp.Text())
		return nil
	})
	observability.RecordTextGen(err == nil && reply != "", time.Since(start))
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	if reply == "" {
		return "", ErrEmptyReply
	}

	g.logger.Debug().
		Str("kind", string(prompt.Kind)).
		Dur("latency", time.Since(start)).
		Msg("Gemini reply generated")
	return reply, nil
}

// BuildContents maps the conversation window onto alternating Gemini turns
// ending with the user's latest line or a cue for unprompted lines
func BuildContents(p *Prompt) []*genai.Content {
	contents := make([]*genai.Content, 0, len(p.History)+1)
	for _, u := range p.History {
		role := genai.RoleUser
		if u.Speaker == session.SpeakerAI {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(u.Text, genai.Role(role)))
	}

	switch p.Kind {
	case KindFollowUp:
		contents = append(contents, genai.NewContentFromText("(the user has been quiet for a few seconds)", genai.RoleUser))
	case KindFarewell:
		contents = append(contents, genai.NewContentFromText("(the user is hanging up)", genai.RoleUser))
	default:
		if n := len(p.History); n == 0 || p.History[n-1].Speaker != session.SpeakerUser || p.History[n-1].Text != p.Utterance {
			contents = append(contents, genai.NewContentFromText(p.Utterance, genai.RoleUser))
		}
	}
	return contents
}
