package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/call-coordinator/internal/audio"
	"github.com/lexiqai/call-coordinator/internal/conversation"
	"github.com/lexiqai/call-coordinator/internal/observability"
	"github.com/lexiqai/call-coordinator/internal/providers"
)

// CallConfig is what the media channel knows about a call when it starts
type CallConfig struct {
	Selection    providers.Selection
	Language     string
	VoiceID      string
	SystemPrompt string
	// StreamID is the media channel's own identifier, for logs
	StreamID string
}

// CallSession is all state for one live call. Inbound audio is handled
// synchronously by the media handler; everything else belongs to the
// coordinator goroutine started by the registry.
type CallSession struct {
	id        string
	cfg       CallConfig
	settings  Settings
	bindings  *providers.Bindings
	startedAt time.Time
	now       func() time.Time

	log      zerolog.Logger
	metrics  *observability.Metrics
	observer Observer

	writer  MediaWriter
	pump    *Pump
	arbiter *Arbiter
	history *conversation.History

	// inbound path
	inMu     sync.Mutex
	inbound  *audio.FrameQueue
	vad      *audio.VADDetector
	recorder *audio.UtteranceRecorder

	state         atomic.Int32
	interruptions atomic.Int32
	silenceGaps   atomic.Int32
	lastActivity  atomic.Int64

	inbox      chan message
	ctx        context.Context
	cancel     context.CancelFunc
	endOnce    sync.Once
	endReason  string
	done       chan struct{}
	requestEnd func(reason string)

	turn turnState
}

type sessionDeps struct {
	settings   Settings
	bindings   *providers.Bindings
	writer     MediaWriter
	observer   Observer
	now        func() time.Time
	requestEnd func(reason string)
}

func newCallSession(parent context.Context, id string, cfg CallConfig, deps sessionDeps) *CallSession {
	if deps.now == nil {
		deps.now = time.Now
	}
	if deps.observer == nil {
		deps.observer = LogObserver{}
	}
	settings := deps.settings
	if cfg.Language == "" {
		cfg.Language = settings.Language
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = settings.SystemPrompt
	}
	inboxSize := settings.InboxSize
	if inboxSize <= 0 {
		inboxSize = 64
	}

	// values such as trace context survive, cancellation does not
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	s := &CallSession{
		id:         id,
		cfg:        cfg,
		settings:   settings,
		bindings:   deps.bindings,
		startedAt:  deps.now(),
		now:        deps.now,
		log:        observability.CallLogger(id),
		metrics:    observability.NewCallMetrics(id),
		observer:   deps.observer,
		writer:     deps.writer,
		history:    conversation.NewHistory(),
		inbox:      make(chan message, inboxSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		requestEnd: deps.requestEnd,
	}
	if cfg.StreamID != "" {
		s.log = s.log.With().Str("stream_id", cfg.StreamID).Logger()
	}

	s.inbound = audio.NewFrameQueue(audio.QueueConfig{
		MaxDepth: settings.BufferMaxDepth,
		MaxAge:   settings.MaxBufferAge,
		OnOverflow: func(n int) {
			s.metrics.RecordOverflow("inbound", n)
		},
	})
	vadCfg := settings.VAD
	s.vad = audio.NewVADDetector(&vadCfg)
	s.vad.SetSensitivity(settings.Arbiter.Sensitivity)
	s.recorder = audio.NewUtteranceRecorder(settings.PreRoll, settings.MaxSegmentBytes)
	s.arbiter = NewArbiter(settings.Arbiter, deps.now)
	pumpCfg := settings.Pump
	if pumpCfg.StreamTimeout <= 0 {
		pumpCfg.StreamTimeout = settings.TTSTimeout
	}
	s.pump = NewPump(pumpCfg, deps.writer, s.metrics, s.log, s.touch)
	s.turn = turnState{
		inflight: make(map[ProviderKind]uint64),
		language: cfg.Language,
	}
	s.touch()
	return s
}

// ID returns the call identifier
func (s *CallSession) ID() string {
	return s.id
}

// State returns the coordinator state
func (s *CallSession) State() State {
	return State(s.state.Load())
}

// AgentSpeaking reports whether agent audio is being emitted
func (s *CallSession) AgentSpeaking() bool {
	return s.pump.AgentSpeaking()
}

// Interrupted reports whether the customer cut off the agent's latest
// utterance
func (s *CallSession) Interrupted() bool {
	return s.pump.Interrupted()
}

// InterruptionCount is the number of confirmed interruptions so far
func (s *CallSession) InterruptionCount() int {
	return int(s.interruptions.Load())
}

// SilenceGapCount is the number of silence gaps so far
func (s *CallSession) SilenceGapCount() int {
	return int(s.silenceGaps.Load())
}

// LastActivity is the time of the last inbound or outbound frame
func (s *CallSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Transcript returns a copy of the conversation so far
func (s *CallSession) Transcript() []conversation.Turn {
	return s.history.Window(0)
}

// Done is closed once the session has fully ended
func (s *CallSession) Done() <-chan struct{} {
	return s.done
}

// FramesSent is the number of agent frames accepted by the channel
func (s *CallSession) FramesSent() int64 {
	return s.pump.Sent()
}

func (s *CallSession) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

func (s *CallSession) ending() bool {
	return s.ctx.Err() != nil
}

// end records the reason and cancels everything in flight; the coordinator
// goroutine finishes the teardown
func (s *CallSession) end(reason string) {
	s.endOnce.Do(func() {
		s.endReason = reason
		s.cancel()
	})
}

// pushFrame runs one inbound frame through the buffer, VAD and recorder
func (s *CallSession) pushFrame(frame audio.Frame) bool {
	if s.ending() {
		return false
	}
	s.inMu.Lock()
	defer s.inMu.Unlock()

	s.touch()
	accepted := s.inbound.Push(frame)
	if !accepted {
		s.metrics.RecordStale("inbound", 1)
	}

	n := 0
	for {
		f, ok := s.inbound.Pop()
		if !ok {
			break
		}
		s.processFrame(f)
		n++
	}
	if n > 0 {
		s.metrics.RecordFrames("inbound", n)
	}
	return accepted
}

func (s *CallSession) processFrame(f audio.Frame) {
	for _, ev := range s.vad.ProcessFrame(f) {
		switch ev.Type {
		case audio.SpeechStart:
			s.recorder.Start()
			s.processSpeechSignal(true, ev.At)
			s.post(msgSpeechStarted{at: ev.At})
		case audio.SpeechEnd:
			s.post(msgSpeechEnded{at: ev.At, duration: ev.Duration, segment: s.recorder.Finish()})
		}
	}
	s.recorder.Observe(f)
}

// processSpeechSignal asks the arbiter about a speech signal and, when it
// confirms an interruption, silences the agent before returning
func (s *CallSession) processSpeechSignal(speaking bool, onset time.Time) bool {
	if s.ending() {
		return false
	}
	if onset.IsZero() {
		onset = s.now()
	}

	agentSpeaking := s.pump.AgentSpeaking()
	decision := s.arbiter.Evaluate(speaking, agentSpeaking, onset)
	if agentSpeaking && decision != DecisionNone {
		s.metrics.RecordInterruption(decision.String())
	}
	if decision != DecisionConfirmed {
		return false
	}
	if !s.pump.Interrupt() {
		return false
	}

	latency := s.now().Sub(onset)
	if latency < 0 {
		latency = 0
	}
	s.metrics.ObserveInterruptLatency(latency)
	if latency > s.settings.Arbiter.Latency {
		s.log.Warn().Dur("latency", latency).Msg("Interruption exceeded latency target")
	}

	s.post(msgInterrupted{onset: onset, latency: latency})
	return true
}

// sweepBuffers drops aged frames from both directions
func (s *CallSession) sweepBuffers() int {
	in := s.inbound.PurgeStale()
	out := s.pump.PurgeStale()
	if in > 0 {
		s.metrics.RecordStale("inbound", in)
	}
	if out > 0 {
		s.metrics.RecordStale("outbound", out)
	}
	return in + out
}

// SessionSnapshot is a read-only view for the admin endpoint
type SessionSnapshot struct {
	CallID        string            `json:"call_id"`
	State         string            `json:"state"`
	AgentSpeaking bool              `json:"agent_speaking"`
	Interrupted   bool              `json:"interrupted"`
	Interruptions int               `json:"interruption_count"`
	SilenceGaps   int               `json:"silence_gap_count"`
	StartedAt     time.Time         `json:"started_at"`
	LastActivity  time.Time         `json:"last_activity"`
	Providers     map[string]string `json:"providers"`
}

// Snapshot returns the session's current view
func (s *CallSession) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		CallID:        s.id,
		State:         s.State().String(),
		AgentSpeaking: s.AgentSpeaking(),
		Interrupted:   s.Interrupted(),
		Interruptions: s.InterruptionCount(),
		SilenceGaps:   s.SilenceGapCount(),
		StartedAt:     s.startedAt,
		LastActivity:  s.LastActivity(),
		Providers: map[string]string{
			"stt": s.bindings.STT.Name(),
			"llm": s.bindings.LLM.Name(),
			"tts": s.bindings.TTS.Name(),
		},
	}
	if s.bindings.FallbackTTS != nil {
		snap.Providers["tts_fallback"] = s.bindings.FallbackTTS.Name()
	}
	return snap
}
