package audio

import (
	"time"
)

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	Encoding         Encoding      // native encoding of inbound frames
	StaticThreshold  float64       // normalized level floor (0..1) below which nothing is speech
	AdaptiveFactor   float64       // multiple of the noise floor a frame must exceed
	NoiseFloorAlpha  float64       // EWMA weight of the newest level in the noise floor
	VoicedAlphaScale float64       // fraction of NoiseFloorAlpha applied to voiced frames, 1 weighs all frames alike
	RMSWeight        float64       // level = RMSWeight*rms + (1-RMSWeight)*peak
	SilenceDuration  time.Duration // silence that ends an utterance
	MaxUtterance     time.Duration // forced end of a single utterance, 0 disables
	FrameDuration    time.Duration // used when a frame carries no duration
}

// DefaultVADConfig returns a default VAD configuration for 8kHz μ-law telephony
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		Encoding:         EncodingMulaw,
		StaticThreshold:  0.02,
		AdaptiveFactor:   2.5,
		NoiseFloorAlpha:  0.1,
		VoicedAlphaScale: 1,
		RMSWeight:        0.7,
		SilenceDuration:  200 * time.Millisecond,
		MaxUtterance:     30 * time.Second,
		FrameDuration:    20 * time.Millisecond,
	}
}

// VADEventType distinguishes speech onset from speech end
type VADEventType int

const (
	SpeechStart VADEventType = iota
	SpeechEnd
)

func (t VADEventType) String() string {
	if t == SpeechStart {
		return "speech_start"
	}
	return "speech_end"
}

// VADEvent is emitted on a speech boundary
type VADEvent struct {
	Type     VADEventType
	At       time.Time
	Duration time.Duration // voiced span, set on SpeechEnd
	Level    float64
}

// VADDetector performs adaptive-threshold Voice Activity Detection for one call.
// It is not safe for concurrent use; one handler goroutine feeds it.
type VADDetector struct {
	config      VADConfig
	sensitivity float64

	noiseFloor float64
	speaking   bool

	speechStartAt  time.Time
	lastVoicedEnd  time.Time
	lastFrameEnd   time.Time
	silenceElapsed time.Duration
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	cfg := *config
	if cfg.NoiseFloorAlpha <= 0 || cfg.NoiseFloorAlpha > 1 {
		cfg.NoiseFloorAlpha = 0.1
	}
	if cfg.VoicedAlphaScale <= 0 || cfg.VoicedAlphaScale > 1 {
		cfg.VoicedAlphaScale = 1
	}
	if cfg.RMSWeight < 0 || cfg.RMSWeight > 1 {
		cfg.RMSWeight = 0.7
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingMulaw
	}
	return &VADDetector{config: cfg, sensitivity: 0.5}
}

// SetSensitivity scales how aggressively the adaptive threshold triggers.
// 0.5 is neutral; higher values lower the adaptive threshold.
func (v *VADDetector) SetSensitivity(sensitivity float64) {
	if sensitivity < 0 {
		sensitivity = 0
	}
	if sensitivity > 1 {
		sensitivity = 1
	}
	v.sensitivity = sensitivity
}

// Threshold returns the level a frame must exceed to count as speech right now
func (v *VADDetector) Threshold() float64 {
	adaptive := v.noiseFloor * v.config.AdaptiveFactor * (1.5 - v.sensitivity)
	if adaptive > v.config.StaticThreshold {
		return adaptive
	}
	return v.config.StaticThreshold
}

// ProcessFrame consumes one inbound frame and returns any speech boundaries it
// produced. A gap between frames counts as silence.
func (v *VADDetector) ProcessFrame(frame Frame) []VADEvent {
	dur := frame.Duration
	if dur <= 0 {
		dur = v.config.FrameDuration
	}
	ts := frame.Timestamp
	if ts.IsZero() {
		if v.lastFrameEnd.IsZero() {
			ts = time.Now()
		} else {
			ts = v.lastFrameEnd
		}
	}

	var events []VADEvent

	if !v.lastFrameEnd.IsZero() {
		if gap := ts.Sub(v.lastFrameEnd); gap > 0 && v.speaking {
			if ev, ended := v.accumulateSilence(gap); ended {
				events = append(events, ev)
			}
		}
	}

	level := FrameLevel(frame.Data, v.config.Encoding, v.config.RMSWeight)
	voiced := level > v.Threshold()
	end := ts.Add(dur)

	// a VoicedAlphaScale below 1 keeps long utterances from dragging the
	// threshold above themselves
	alpha := v.config.NoiseFloorAlpha
	if voiced {
		alpha *= v.config.VoicedAlphaScale
	}
	v.noiseFloor = v.noiseFloor*(1-alpha) + level*alpha

	if voiced {
		v.silenceElapsed = 0
		v.lastVoicedEnd = end
		if !v.speaking {
			v.speaking = true
			v.speechStartAt = ts
			events = append(events, VADEvent{Type: SpeechStart, At: ts, Level: level})
		} else if v.config.MaxUtterance > 0 && end.Sub(v.speechStartAt) >= v.config.MaxUtterance {
			events = append(events, v.endSpeech(end))
		}
	} else if v.speaking {
		if ev, ended := v.accumulateSilence(dur); ended {
			events = append(events, ev)
		}
	}

	if end.After(v.lastFrameEnd) {
		v.lastFrameEnd = end
	}
	return events
}

func (v *VADDetector) accumulateSilence(d time.Duration) (VADEvent, bool) {
	v.silenceElapsed += d
	if v.silenceElapsed < v.config.SilenceDuration {
		return VADEvent{}, false
	}
	return v.endSpeech(v.lastVoicedEnd.Add(v.config.SilenceDuration)), true
}

func (v *VADDetector) endSpeech(at time.Time) VADEvent {
	ev := VADEvent{
		Type:     SpeechEnd,
		At:       at,
		Duration: v.lastVoicedEnd.Sub(v.speechStartAt),
	}
	v.speaking = false
	v.silenceElapsed = 0
	v.speechStartAt = time.Time{}
	return ev
}

// Reset clears all detector state, including the noise floor
func (v *VADDetector) Reset() {
	v.noiseFloor = 0
	v.speaking = false
	v.speechStartAt = time.Time{}
	v.lastVoicedEnd = time.Time{}
	v.lastFrameEnd = time.Time{}
	v.silenceElapsed = 0
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.speaking
}

// NoiseFloor returns the current rolling noise-floor estimate
func (v *VADDetector) NoiseFloor() float64 {
	return v.noiseFloor
}

// FrameLevel computes a normalized 0..1 level blending RMS and peak amplitude
func FrameLevel(data []byte, enc Encoding, rmsWeight float64) float64 {
	if len(data) == 0 {
		return 0
	}
	samples := Samples(data, enc)
	const fullScale = 32768.0
	rms := CalculateRMS(samples) / fullScale
	peak := PeakAmplitude(samples) / fullScale
	return rmsWeight*rms + (1-rmsWeight)*peak
}
