package session

import (
	"time"

	"github.com/lexiqai/call-coordinator/internal/audio"
	"github.com/lexiqai/call-coordinator/internal/config"
)

// Settings are the per-call tunables shared by every session of a registry
type Settings struct {
	FrameDuration  time.Duration
	BufferMaxDepth int
	MaxBufferAge   time.Duration

	VAD             audio.VADConfig
	PreRoll         time.Duration
	MaxSegmentBytes int

	Arbiter             ArbiterConfig
	ImpatienceThreshold int

	Pump PumpConfig

	STTTimeout             time.Duration
	LLMTimeout             time.Duration
	TTSTimeout             time.Duration
	HistoryWindow          int
	MaxConsecutiveFailures int
	SilenceGapTimeout      time.Duration
	MaxSilenceGaps         int

	RepromptText string
	ApologyText  string
	ReengageText string
	Language     string
	SystemPrompt string

	IdleTimeout         time.Duration
	IdleSweepInterval   time.Duration
	BufferSweepInterval time.Duration
	InboxSize           int
}

// DefaultSettings mirrors the configuration defaults
func DefaultSettings() Settings {
	frame := 20 * time.Millisecond
	vad := *audio.DefaultVADConfig()
	return Settings{
		FrameDuration:   frame,
		BufferMaxDepth:  150,
		MaxBufferAge:    3 * time.Second,
		VAD:             vad,
		PreRoll:         200 * time.Millisecond,
		MaxSegmentBytes: segmentBytes(vad.MaxUtterance, 200*time.Millisecond),
		Arbiter: ArbiterConfig{
			Latency:     2 * time.Second,
			Sensitivity: 0.7,
			Cooldown:    2 * time.Second,
		},
		ImpatienceThreshold: 3,
		Pump: PumpConfig{
			FrameDuration:       frame,
			FrameBytes:          audio.BytesPerFrame(audio.EncodingMulaw, audio.TelephonySampleRate, frame),
			QueueDepth:          150,
			MaxAge:              3 * time.Second,
			Prebuffer:           3,
			Lookahead:           10,
			BackpressureTimeout: 5 * time.Second,
			MaxWriteFailures:    3,
		},
		STTTimeout:             5 * time.Second,
		LLMTimeout:             8 * time.Second,
		TTSTimeout:             5 * time.Second,
		HistoryWindow:          20,
		MaxConsecutiveFailures: 3,
		SilenceGapTimeout:      8 * time.Second,
		MaxSilenceGaps:         3,
		RepromptText:           "Sorry, I didn't catch that. Could you say it again?",
		ApologyText:            "I'm sorry, give me just a moment.",
		ReengageText:           "Are you still there?",
		Language:               "en",
		IdleTimeout:            2 * time.Minute,
		IdleSweepInterval:      15 * time.Second,
		BufferSweepInterval:    500 * time.Millisecond,
		InboxSize:              64,
	}
}

// SettingsFromConfig builds session settings from service configuration
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()

	frame := cfg.FrameDuration()
	s.FrameDuration = frame
	s.BufferMaxDepth = cfg.BufferMaxDepth
	s.MaxBufferAge = cfg.MaxBufferAge()

	s.VAD.StaticThreshold = cfg.VADStaticThreshold
	s.VAD.AdaptiveFactor = cfg.VADAdaptiveFactor
	s.VAD.SilenceDuration = config.Millis(cfg.VADSilenceMs)
	s.VAD.MaxUtterance = config.Millis(cfg.VADMaxUtteranceMs)
	s.VAD.VoicedAlphaScale = cfg.VADVoicedAlphaScale
	s.VAD.FrameDuration = frame
	s.PreRoll = config.Millis(cfg.VADPreRollMs)
	s.MaxSegmentBytes = segmentBytes(s.VAD.MaxUtterance, s.PreRoll)

	s.Arbiter = ArbiterConfig{
		Latency:     config.Millis(cfg.InterruptLatencyMs),
		Sensitivity: cfg.InterruptSensitivity,
		Cooldown:    config.Millis(cfg.InterruptCooldownMs),
	}
	s.ImpatienceThreshold = cfg.ImpatienceInterruptions

	s.Pump = PumpConfig{
		FrameDuration:       frame,
		FrameBytes:          audio.BytesPerFrame(audio.EncodingMulaw, audio.TelephonySampleRate, frame),
		QueueDepth:          cfg.BufferMaxDepth,
		MaxAge:              cfg.MaxBufferAge(),
		Prebuffer:           cfg.PrebufferFrames,
		Lookahead:           cfg.LookaheadFrames,
		BackpressureTimeout: config.Millis(cfg.BackpressureTimeoutMs),
		MaxWriteFailures:    cfg.MaxWriteFailures,
	}

	s.STTTimeout = config.Millis(cfg.STTTimeoutMs)
	s.LLMTimeout = config.Millis(cfg.LLMTimeoutMs)
	s.TTSTimeout = config.Millis(cfg.TTSTimeoutMs)
	s.HistoryWindow = cfg.HistoryWindow
	s.MaxConsecutiveFailures = cfg.MaxConsecutiveFailures
	s.SilenceGapTimeout = config.Millis(cfg.SilenceGapTimeoutMs)
	s.MaxSilenceGaps = cfg.MaxSilenceGaps

	s.RepromptText = cfg.RepromptText
	s.ApologyText = cfg.ApologyText
	s.ReengageText = cfg.ReengageText
	s.Language = cfg.DefaultLanguage
	s.SystemPrompt = cfg.SystemPrompt

	s.IdleTimeout = cfg.SessionIdleTimeout()
	s.IdleSweepInterval = time.Duration(cfg.SessionSweepInterval) * time.Second
	s.BufferSweepInterval = config.Millis(cfg.BufferSweepInterval)
	return s
}

// segmentBytes is the μ-law size of the longest recordable utterance
func segmentBytes(maxUtterance, preRoll time.Duration) int {
	if maxUtterance <= 0 {
		return 0
	}
	return audio.BytesPerFrame(audio.EncodingMulaw, audio.TelephonySampleRate, maxUtterance+preRoll)
}
