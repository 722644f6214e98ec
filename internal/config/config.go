package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the call coordinator service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Used for logging the media stream endpoint only.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Deepgram configuration (STT and Aura TTS share the key)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`              // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`               // Language code (en, es, fr, etc.)
	DeepgramTTSModel string `envconfig:"DEEPGRAM_TTS_MODEL" default:"aura-asteria-en"` // Aura voice model
	DeepgramSpeakURL string `envconfig:"DEEPGRAM_SPEAK_URL" default:"https://api.deepgram.com/v1/speak"`

	// Cartesia TTS configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY"`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	CartesiaURL     string `envconfig:"CARTESIA_URL" default:"https://api.cartesia.ai/tts/bytes"`

	// Cognitive Orchestrator gRPC endpoint (LLM provider "orchestrator")
	OrchestratorURL        string `envconfig:"ORCHESTRATOR_URL" default:"localhost:50051"`
	OrchestratorTLSEnabled bool   `envconfig:"ORCHESTRATOR_TLS_ENABLED" default:"false"`
	OrchestratorTimeout    int    `envconfig:"ORCHESTRATOR_TIMEOUT" default:"30"` // seconds

	// Gemini (LLM provider "gemini"), registered only when a key is present
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`
	GeminiModel  string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`

	// Default provider selection, overridable per call
	DefaultSTT         string `envconfig:"DEFAULT_STT_PROVIDER" default:"deepgram"`
	DefaultLLM         string `envconfig:"DEFAULT_LLM_PROVIDER" default:"orchestrator"`
	DefaultTTS         string `envconfig:"DEFAULT_TTS_PROVIDER" default:"cartesia"`
	DefaultFallbackTTS string `envconfig:"DEFAULT_FALLBACK_TTS_PROVIDER" default:"deepgram-aura"`
	DefaultLanguage    string `envconfig:"DEFAULT_LANGUAGE" default:"en"`
	SystemPrompt       string `envconfig:"SYSTEM_PROMPT" default:"You are a friendly phone agent. Keep answers short and conversational."`

	// Audio frame buffer
	FrameDurationMs     int `envconfig:"FRAME_DURATION_MS" default:"20"`       // Twilio sends 20ms μ-law frames
	BufferMaxDepth      int `envconfig:"BUFFER_MAX_DEPTH" default:"150"`       // frames per direction per call
	MaxBufferAgeMs      int `envconfig:"MAX_BUFFER_AGE_MS" default:"3000"`     // stale frames are purged
	BufferSweepInterval int `envconfig:"BUFFER_SWEEP_INTERVAL_MS" default:"500"`

	// Voice activity detection
	VADStaticThreshold float64 `envconfig:"VAD_STATIC_THRESHOLD" default:"0.02"` // normalized level 0..1
	VADAdaptiveFactor  float64 `envconfig:"VAD_ADAPTIVE_FACTOR" default:"2.5"`
	VADSilenceMs       int     `envconfig:"VAD_SILENCE_MS" default:"200"`
	VADMaxUtteranceMs  int     `envconfig:"VAD_MAX_UTTERANCE_MS" default:"30000"`
	VADPreRollMs       int     `envconfig:"VAD_PREROLL_MS" default:"200"`

	// VADVoicedAlphaScale damps noise floor updates on voiced frames; 1 disables damping
	VADVoicedAlphaScale float64 `envconfig:"VAD_VOICED_ALPHA_SCALE" default:"1"`

	// Interruption arbiter
	InterruptLatencyMs      int     `envconfig:"INTERRUPT_LATENCY_MS" default:"2000"`
	InterruptSensitivity    float64 `envconfig:"INTERRUPT_SENSITIVITY" default:"0.7"`
	InterruptCooldownMs     int     `envconfig:"INTERRUPT_COOLDOWN_MS" default:"2000"`
	ImpatienceInterruptions int     `envconfig:"IMPATIENCE_INTERRUPTIONS" default:"3"`

	// Output pump
	BackpressureTimeoutMs int `envconfig:"BACKPRESSURE_TIMEOUT_MS" default:"5000"`
	MaxWriteFailures      int `envconfig:"MAX_WRITE_FAILURES" default:"3"`
	PrebufferFrames       int `envconfig:"PREBUFFER_FRAMES" default:"3"`
	LookaheadFrames       int `envconfig:"LOOKAHEAD_FRAMES" default:"10"`

	// Turn coordinator
	STTTimeoutMs           int    `envconfig:"STT_TIMEOUT_MS" default:"5000"`
	LLMTimeoutMs           int    `envconfig:"LLM_TIMEOUT_MS" default:"8000"`
	TTSTimeoutMs           int    `envconfig:"TTS_TIMEOUT_MS" default:"5000"`
	HistoryWindow          int    `envconfig:"HISTORY_WINDOW" default:"20"`
	MaxConsecutiveFailures int    `envconfig:"MAX_CONSECUTIVE_FAILURES" default:"3"`
	SilenceGapTimeoutMs    int    `envconfig:"SILENCE_GAP_TIMEOUT_MS" default:"8000"`
	MaxSilenceGaps         int    `envconfig:"MAX_SILENCE_GAPS" default:"3"`
	RepromptText           string `envconfig:"REPROMPT_TEXT" default:"Sorry, I didn't catch that. Could you say it again?"`
	ApologyText            string `envconfig:"APOLOGY_TEXT" default:"I'm sorry, give me just a moment."`
	ReengageText           string `envconfig:"REENGAGE_TEXT" default:"Are you still there?"`

	// Session registry
	SessionIdleTimeoutSec int `envconfig:"SESSION_IDLE_TIMEOUT" default:"120"`
	SessionSweepInterval  int `envconfig:"SESSION_SWEEP_INTERVAL" default:"15"` // seconds

	// Inbound flood guard (media events per second per connection)
	InboundFramesPerSecond int `envconfig:"INBOUND_FRAMES_PER_SECOND" default:"100"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"200"`            // Reconnection backoff in milliseconds

	// Conversation-quality observer sink
	RedisAddr            string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword        string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB              int    `envconfig:"REDIS_DB" default:"0"`
	ObserverRedisChannel string `envconfig:"OBSERVER_REDIS_CHANNEL" default:"call-coordinator:quality"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	OTLPEndpoint   string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:""`
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

// Validate checks that at least one provider per capability is usable and
// that tuning knobs are within range.
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.CartesiaAPIKey == "" && c.DeepgramTTSModel == "" {
		return fmt.Errorf("CARTESIA_API_KEY or DEEPGRAM_TTS_MODEL is required")
	}
	if c.OrchestratorURL == "" && c.GeminiAPIKey == "" {
		return fmt.Errorf("ORCHESTRATOR_URL or GEMINI_API_KEY is required")
	}
	if c.InterruptSensitivity < 0 || c.InterruptSensitivity > 1 {
		return fmt.Errorf("INTERRUPT_SENSITIVITY must be between 0 and 1, got %v", c.InterruptSensitivity)
	}
	if c.VADVoicedAlphaScale <= 0 || c.VADVoicedAlphaScale > 1 {
		return fmt.Errorf("VAD_VOICED_ALPHA_SCALE must be in (0, 1], got %v", c.VADVoicedAlphaScale)
	}
	if c.FrameDurationMs <= 0 {
		return fmt.Errorf("FRAME_DURATION_MS must be positive")
	}
	if c.MaxBufferAgeMs <= 0 || c.BufferMaxDepth <= 0 {
		return fmt.Errorf("MAX_BUFFER_AGE_MS and BUFFER_MAX_DEPTH must be positive")
	}
	if c.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("MAX_CONSECUTIVE_FAILURES must be positive")
	}
	return nil
}

// FrameDuration is the playback length of one media frame
func (c *Config) FrameDuration() time.Duration {
	return time.Duration(c.FrameDurationMs) * time.Millisecond
}

// MaxBufferAge is the age after which queued frames are discarded
func (c *Config) MaxBufferAge() time.Duration {
	return time.Duration(c.MaxBufferAgeMs) * time.Millisecond
}

// SessionIdleTimeout is how long a session may go without activity
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSec) * time.Second
}

// Millis converts an integer millisecond knob to a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
