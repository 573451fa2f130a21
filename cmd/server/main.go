package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/call"
	"github.com/lexiqai/companion-voice/internal/config"
	"github.com/lexiqai/companion-voice/internal/gateway"
	"github.com/lexiqai/companion-voice/internal/observability"
	"github.com/lexiqai/companion-voice/internal/orchestrator"
	"github.com/lexiqai/companion-voice/internal/reply"
	"github.com/lexiqai/companion-voice/internal/session"
	"github.com/lexiqai/companion-voice/internal/store"
	"github.com/lexiqai/companion-voice/internal/stt"
	"github.com/lexiqai/companion-voice/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("textgen_provider", cfg.TextGenProvider).
		Str("local_tts_mode", cfg.LocalTTSMode).
		Bool("persistence", cfg.DatabaseURL != "").
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Companion voice service starting")

	// Cancelled on shutdown; ends every live call
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := make(map[string]observability.HealthCheckFunc)

	engine := stt.NewDeepgramEngine(cfg, logger)
	checks["deepgram"] = engine.Healthy

	elevenlabs := tts.NewElevenLabsClient(cfg, logger)
	checks["elevenlabs"] = elevenlabs.Healthy

	var localVoice tts.Synthesizer = tts.NewClientSpeechSynthesizer()
	if cfg.LocalTTSMode == "command" {
		localVoice = tts.NewCommandSynthesizer(cfg.LocalTTSCommand)
	}

	generator, closeGenerator, err := newGenerator(ctx, cfg, logger, checks)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create text generator")
	}
	defer closeGenerator()

	deps := call.Deps{
		Config:    cfg,
		Engine:    engine,
		Responder: reply.NewSynthesizer(generator, elevenlabs, localVoice, reply.OptionsFromConfig(cfg), logger),
		Registry:  session.NewRegistry(),
	}

	if cfg.DatabaseURL != "" {
		transcripts, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to transcript store")
		}
		defer transcripts.Close()

		if err := transcripts.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to migrate transcript store")
		}
		checks["store"] = transcripts.Ready
		deps.Store = transcripts
	}

	calls := gateway.NewHandler(ctx, deps, logger)

	// Create HTTP server
	mux := http.NewServeMux()
	mux.Handle("/calls", calls)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		endpoint := fmt.Sprintf("ws://localhost:%s/calls", cfg.Port)
		if cfg.PublicURL != "" {
			endpoint = cfg.PublicURL + "/calls"
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_calls", deps.Registry.Active()).Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	drained := make(chan struct{})
	go func() {
		calls.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Calls still open at shutdown deadline")
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// newGenerator builds the configured text generator and registers its readiness check
func newGenerator(ctx context.Context, cfg *config.Config, logger zerolog.Logger, checks map[string]observability.HealthCheckFunc) (orchestrator.ReplyGenerator, func(), error) {
	switch cfg.TextGenProvider {
	case "gemini":
		client, err := orchestrator.NewGeminiClient(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		checks["gemini"] = client.HealthCheck
		return client, func() {}, nil

	default:
		client, err := orchestrator.NewOrchestratorClient(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		checks["orchestrator"] = client.HealthCheck
		return client, func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close orchestrator connection")
			}
		}, nil
	}
}
