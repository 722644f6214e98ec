package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/call-coordinator/internal/config"
	"github.com/lexiqai/call-coordinator/internal/llm"
	"github.com/lexiqai/call-coordinator/internal/observability"
	"github.com/lexiqai/call-coordinator/internal/providers"
	"github.com/lexiqai/call-coordinator/internal/session"
	"github.com/lexiqai/call-coordinator/internal/stt"
	"github.com/lexiqai/call-coordinator/internal/telephony"
	"github.com/lexiqai/call-coordinator/internal/tts"
)

var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	version = config.GetEnv("SERVICE_VERSION", version)

	log.Info().
		Str("port", cfg.Port).
		Str("version", version).
		Str("default_stt", cfg.DefaultSTT).
		Str("default_llm", cfg.DefaultLLM).
		Str("default_tts", cfg.DefaultTTS).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Call coordinator starting")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Call coordinator stopped with error")
	}
	log.Info().Msg("Server exited gracefully")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	checks := make(map[string]observability.HealthCheckFunc)

	provs, cleanup, err := buildProviders(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer cleanup()

	var observer session.Observer = session.LogObserver{}
	var redisObserver *session.RedisObserver
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		redisObserver = session.NewRedisObserver(rdb, cfg.ObserverRedisChannel, 256)
		observer = session.MultiObserver{session.LogObserver{}, redisObserver}
		checks["redis"] = redisObserver.Ping
		log.Info().Str("addr", cfg.RedisAddr).Str("channel", cfg.ObserverRedisChannel).Msg("Publishing quality events to Redis")
	}

	registry := session.NewRegistry(session.SettingsFromConfig(cfg), provs, observer)

	mux := http.NewServeMux()
	mux.Handle("/streams/twilio", telephony.NewStreamManager(registry, telephony.StreamConfigFromConfig(cfg)))
	mux.HandleFunc("/health", observability.HealthCheckHandler(version, registry.Count))
	mux.HandleFunc("/ready", observability.ReadinessHandler(version, checks))
	mux.HandleFunc("GET /sessions", sessionsHandler(registry))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// no WriteTimeout: media streams are long-lived websockets
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		endpoint := fmt.Sprintf("ws://localhost:%s/streams/twilio", cfg.Port)
		if cfg.PublicURL != "" {
			endpoint = cfg.PublicURL + "/streams/twilio"
		}
		log.Info().Str("port", cfg.Port).Str("endpoint", endpoint).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return registry.Run(gctx)
	})

	if redisObserver != nil {
		g.Go(func() error {
			return redisObserver.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := registry.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Sessions did not end in time")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// buildProviders registers every provider the configuration enables and adds
// a readiness check for each remote dependency
func buildProviders(ctx context.Context, cfg *config.Config, checks map[string]observability.HealthCheckFunc) (*providers.Registry, func(), error) {
	reg := providers.NewRegistry(providers.Selection{
		STT:         cfg.DefaultSTT,
		LLM:         cfg.DefaultLLM,
		TTS:         cfg.DefaultTTS,
		FallbackTTS: cfg.DefaultFallbackTTS,
	}, providers.BreakerSettings{
		MaxFailures:  cfg.CircuitBreakerMaxFailures,
		ResetTimeout: time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
	})

	reg.RegisterSTT(stt.NewDeepgramClient(cfg))
	reg.RegisterTTS(tts.NewAuraClient(cfg))
	if cfg.CartesiaAPIKey != "" {
		reg.RegisterTTS(tts.NewCartesiaClient(cfg))
	}

	cleanup := func() {}
	if cfg.OrchestratorURL != "" {
		orch, err := llm.NewOrchestratorClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		reg.RegisterLLM(orch)
		checks["orchestrator"] = orch.HealthCheck
		cleanup = func() { _ = orch.Close() }
	}
	if cfg.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, "")
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		reg.RegisterLLM(gemini)
	}

	if _, err := reg.Resolve(providers.Selection{}); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("default providers are not available: %w", err)
	}
	log.Info().Interface("providers", reg.Names()).Msg("Providers registered")
	return reg, cleanup, nil
}

func sessionsHandler(registry *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active":   registry.Count(),
			"sessions": registry.Snapshot(),
		})
	}
}
