package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexiqai/call-coordinator/internal/conversation"
	"github.com/lexiqai/call-coordinator/internal/llm"
	"github.com/lexiqai/call-coordinator/internal/observability"
	"github.com/lexiqai/call-coordinator/internal/stt"
	"github.com/lexiqai/call-coordinator/internal/tts"
)

// message is anything the coordinator goroutine consumes from its inbox
type message interface {
	isMessage()
}

type msgSpeechStarted struct {
	at time.Time
}

type msgSpeechEnded struct {
	at       time.Time
	duration time.Duration
	segment  []byte
}

type msgInterrupted struct {
	onset   time.Time
	latency time.Duration
}

type msgTranscribed struct {
	seq uint64
	res *stt.TranscriptionResult
	err error
}

type msgGenerated struct {
	seq uint64
	res *llm.Response
	err error
}

type msgSynthesized struct {
	seq    uint64
	utt    *utterance
	ctx    context.Context // the synthesis attempt; playback runs under it
	chunks <-chan *tts.AudioChunk
	err    error
}

type msgPlaybackDone struct {
	seq    uint64
	utt    *utterance
	result PlaybackResult
}

func (msgSpeechStarted) isMessage() {}
func (msgSpeechEnded) isMessage()   {}
func (msgInterrupted) isMessage()   {}
func (msgTranscribed) isMessage()   {}
func (msgGenerated) isMessage()     {}
func (msgSynthesized) isMessage()   {}
func (msgPlaybackDone) isMessage()  {}

type purpose string

const (
	purposeResponse purpose = "response"
	purposeGreeting purpose = "greeting"
	purposeReprompt purpose = "reprompt"
	purposeApology  purpose = "apology"
	purposeReengage purpose = "reengage"
)

// afterAction is what happens once an utterance has been spoken
type afterAction int

const (
	afterListen afterAction = iota
	afterRetryGenerate
)

// utterance is one piece of agent speech from synthesis to playback end
type utterance struct {
	id           string
	text         string
	language     string
	purpose      purpose
	after        afterAction
	seq          uint64
	provider     tts.Provider
	usedFallback bool
	ctx          context.Context
	cancel       context.CancelFunc

	// cancelAttempt stops the current provider request only
	cancelAttempt context.CancelFunc
}

// turnState is owned by the coordinator goroutine
type turnState struct {
	seq      uint64
	inflight map[ProviderKind]uint64

	language         string
	customerSpeaking bool
	pending          *msgSpeechEnded
	lastSpeechEnd    time.Time
	greeting         bool

	failures        int
	llmRetried      bool
	consecutiveGaps int

	speech   *utterance
	deferred *utterance

	silence      *time.Timer
	silenceArmed bool
}

// post delivers a message to the coordinator; false once the session is gone
func (s *CallSession) post(m message) bool {
	select {
	case s.inbox <- m:
		return true
	case <-s.done:
		return false
	}
}

func (s *CallSession) observe(t EventType, latency time.Duration, reason string) {
	s.observer.Observe(QualityEvent{
		Type:          t,
		CallID:        s.id,
		At:            s.now(),
		Interruptions: s.InterruptionCount(),
		SilenceGaps:   s.SilenceGapCount(),
		LatencyMs:     latency.Milliseconds(),
		Reason:        reason,
	})
}

// run is the coordinator loop; it returns when the session ends
func (s *CallSession) run() {
	defer close(s.done)
	defer s.finish()

	s.turn.silence = time.NewTimer(time.Hour)
	s.turn.silence.Stop()

	s.log.Info().
		Str("stt", s.bindings.STT.Name()).
		Str("llm", s.bindings.LLM.Name()).
		Str("tts", s.bindings.TTS.Name()).
		Msg("Call session started")

	s.transition(StateGreeting)
	s.requestGenerate(true)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.turn.silence.C:
			s.turn.silenceArmed = false
			s.onSilenceGap()
		case m := <-s.inbox:
			if s.ending() {
				return
			}
			s.handle(m)
		}
	}
}

func (s *CallSession) handle(m message) {
	switch m := m.(type) {
	case msgSpeechStarted:
		s.onSpeechStarted()
	case msgSpeechEnded:
		s.onSpeechEnded(m)
	case msgInterrupted:
		s.onInterrupted(m)
	case msgTranscribed:
		s.onTranscribed(m)
	case msgGenerated:
		s.onGenerated(m)
	case msgSynthesized:
		s.onSynthesized(m)
	case msgPlaybackDone:
		s.onPlaybackDone(m)
	}
}

func (s *CallSession) finish() {
	s.transition(StateEnded)
	s.turn.silence.Stop()
	if u := s.turn.speech; u != nil {
		u.cancel()
	}
	s.pump.Deactivate()
	s.inbound.Close()
	if err := s.writer.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Media channel close")
	}

	reason := s.endReason
	if reason == "" {
		reason = ReasonCallEnded
	}
	s.metrics.RecordCallEnd(reason)
	s.observe(EventCallEnded, 0, reason)
	s.log.Info().
		Str("reason", reason).
		Int("interruptions", s.InterruptionCount()).
		Int("silence_gaps", s.SilenceGapCount()).
		Int("turns", s.history.Len()).
		Int64("frames_sent", s.pump.Sent()).
		Dur("duration", s.now().Sub(s.startedAt)).
		Msg("Call session ended")
}

func (s *CallSession) transition(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.metrics.RecordTransition(from.String(), to.String())
	s.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("State transition")
	if to != StateListening {
		s.disarmSilence()
	}
}

// terminate ends the call from inside the coordinator
func (s *CallSession) terminate(reason string) {
	if s.requestEnd != nil {
		s.requestEnd(reason)
		return
	}
	s.end(reason)
}

func (s *CallSession) enterListening() {
	s.transition(StateListening)
	if p := s.turn.pending; p != nil {
		s.turn.pending = nil
		s.startTranscription(*p)
		return
	}
	if !s.turn.customerSpeaking {
		s.armSilence()
	}
}

func (s *CallSession) armSilence() {
	if s.settings.SilenceGapTimeout <= 0 {
		return
	}
	s.turn.silence.Reset(s.settings.SilenceGapTimeout)
	s.turn.silenceArmed = true
}

func (s *CallSession) disarmSilence() {
	if s.turn.silence == nil || !s.turn.silenceArmed {
		return
	}
	s.turn.silence.Stop()
	s.turn.silenceArmed = false
}

// begin claims the single in-flight slot for a provider kind
func (s *CallSession) begin(kind ProviderKind) (uint64, error) {
	if _, busy := s.turn.inflight[kind]; busy {
		return 0, ErrRequestInFlight
	}
	s.turn.seq++
	s.turn.inflight[kind] = s.turn.seq
	return s.turn.seq, nil
}

// complete releases the slot; false when seq is not the outstanding request
func (s *CallSession) complete(kind ProviderKind, seq uint64) bool {
	if cur, ok := s.turn.inflight[kind]; !ok || cur != seq {
		return false
	}
	delete(s.turn.inflight, kind)
	return true
}

// recordFailure counts a failed turn and ends the call past the limit
func (s *CallSession) recordFailure() bool {
	s.turn.failures++
	if s.turn.failures >= s.settings.MaxConsecutiveFailures {
		s.log.Error().Int("failures", s.turn.failures).Msg("Too many consecutive failures, ending call")
		s.terminate(ReasonTechnicalFailure)
		return true
	}
	return false
}

func (s *CallSession) onSpeechStarted() {
	s.turn.customerSpeaking = true
	s.disarmSilence()
}

func (s *CallSession) onSpeechEnded(m msgSpeechEnded) {
	s.turn.customerSpeaking = false
	s.turn.consecutiveGaps = 0

	if len(m.segment) == 0 {
		if s.State() == StateListening {
			s.armSilence()
		}
		return
	}
	if s.State() == StateListening {
		s.startTranscription(m)
		return
	}
	if s.turn.pending != nil {
		s.log.Debug().Msg("Replacing pending utterance")
	}
	s.turn.pending = &m
}

func (s *CallSession) startTranscription(m msgSpeechEnded) {
	seq, err := s.begin(KindSTT)
	if err != nil {
		s.log.Warn().Err(err).Msg("Transcription already running")
		s.turn.pending = &m
		return
	}
	s.transition(StateTranscribing)
	s.turn.lastSpeechEnd = m.at

	provider := s.bindings.STT
	language := s.turn.language
	segment := m.segment
	timeout := s.settings.STTTimeout

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		ctx, span := startSpan(ctx, "stt.transcribe", s.id, provider.Name())
		defer span.End()

		res, err := await(ctx, timeout, func() (*stt.TranscriptionResult, error) {
			return provider.Transcribe(ctx, segment, language)
		})
		endSpan(span, err)
		s.post(msgTranscribed{seq: seq, res: res, err: err})
	}()
}

func (s *CallSession) onTranscribed(m msgTranscribed) {
	if !s.complete(KindSTT, m.seq) || s.State() != StateTranscribing {
		return
	}

	if m.err != nil {
		perr := newProviderError(KindSTT, s.bindings.STT.Name(), m.err)
		s.log.Warn().Err(perr).Bool("timeout", perr.Timeout).Msg("Transcription failed")
		if s.recordFailure() {
			return
		}
		s.speak(s.settings.RepromptText, purposeReprompt, afterListen)
		return
	}

	text := ""
	if m.res != nil {
		text = strings.TrimSpace(m.res.Text)
	}
	if text == "" {
		s.log.Debug().Msg("Empty transcript")
		s.enterListening()
		return
	}

	s.turn.failures = 0
	if m.res.Language != "" {
		s.turn.language = m.res.Language
	}
	s.history.Append(conversation.Turn{
		Speaker:   conversation.SpeakerCustomer,
		Text:      text,
		Language:  s.turn.language,
		Timestamp: s.turn.lastSpeechEnd,
	})
	s.log.Info().Str("text", text).Float64("confidence", m.res.Confidence).Msg("Customer said")

	s.transition(StateGenerating)
	s.requestGenerate(false)
}

func (s *CallSession) requestGenerate(greeting bool) {
	seq, err := s.begin(KindLLM)
	if err != nil {
		s.log.Warn().Err(err).Msg("Generation already running")
		return
	}
	s.turn.greeting = greeting

	provider := s.bindings.LLM
	history := s.history.Window(s.settings.HistoryWindow)
	sc := llm.SystemContext{
		CallID:   s.id,
		Prompt:   s.cfg.SystemPrompt,
		Language: s.turn.language,
		Greeting: greeting,
	}
	timeout := s.settings.LLMTimeout

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		ctx, span := startSpan(ctx, "llm.generate", s.id, provider.Name())
		defer span.End()

		res, err := await(ctx, timeout, func() (*llm.Response, error) {
			return provider.Generate(ctx, history, sc)
		})
		endSpan(span, err)
		s.post(msgGenerated{seq: seq, res: res, err: err})
	}()
}

func (s *CallSession) onGenerated(m msgGenerated) {
	if !s.complete(KindLLM, m.seq) {
		return
	}
	if st := s.State(); st != StateGenerating && st != StateGreeting {
		return
	}

	err := m.err
	if err == nil && (m.res == nil || strings.TrimSpace(m.res.Text) == "") {
		err = errors.New("empty response")
	}
	if err != nil {
		perr := newProviderError(KindLLM, s.bindings.LLM.Name(), err)
		s.log.Warn().Err(perr).Bool("timeout", perr.Timeout).Bool("retried", s.turn.llmRetried).Msg("Generation failed")
		if s.recordFailure() {
			return
		}
		if !s.turn.llmRetried {
			s.turn.llmRetried = true
			s.speak(s.settings.ApologyText, purposeApology, afterRetryGenerate)
			return
		}
		s.turn.llmRetried = false
		s.speak(s.settings.ApologyText, purposeApology, afterListen)
		return
	}

	s.turn.failures = 0
	s.turn.llmRetried = false
	if m.res.Language != "" {
		s.turn.language = m.res.Language
	}
	p := purposeResponse
	if s.turn.greeting {
		p = purposeGreeting
	}
	s.speak(strings.TrimSpace(m.res.Text), p, afterListen)
}

// speak starts a new utterance on the primary voice
func (s *CallSession) speak(text string, p purpose, after afterAction) {
	s.transition(StateSpeaking)
	ctx, cancel := context.WithCancel(s.ctx)
	u := &utterance{
		id:       uuid.NewString(),
		text:     text,
		language: s.turn.language,
		purpose:  p,
		after:    after,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.turn.speech = u
	s.synthesize(u, s.bindings.TTS)
}

func (s *CallSession) synthesize(u *utterance, provider tts.Provider) {
	seq, err := s.begin(KindTTS)
	if err != nil {
		// the previous utterance is still draining out of the pump
		s.turn.deferred = u
		return
	}
	u.seq = seq
	u.provider = provider
	if u.cancelAttempt != nil {
		u.cancelAttempt()
	}
	attempt, cancelAttempt := context.WithCancel(u.ctx)
	u.cancelAttempt = cancelAttempt

	voice := tts.VoiceParams{VoiceID: s.cfg.VoiceID, Language: u.language}
	timeout := s.settings.TTSTimeout
	text := u.text

	go func() {
		ctx, span := startSpan(attempt, "tts.synthesize", s.id, provider.Name())
		defer span.End()

		chunks, err := await(ctx, timeout, func() (<-chan *tts.AudioChunk, error) {
			return provider.Synthesize(ctx, text, voice)
		})
		endSpan(span, err)
		if err != nil {
			cancelAttempt()
		}
		s.post(msgSynthesized{seq: seq, utt: u, ctx: attempt, chunks: chunks, err: err})
	}()
}

func (s *CallSession) onSynthesized(m msgSynthesized) {
	u := m.utt
	if s.turn.speech != u || s.State() != StateSpeaking {
		s.complete(KindTTS, m.seq)
		u.cancel()
		s.startDeferred()
		return
	}
	if m.err != nil {
		s.complete(KindTTS, m.seq)
		s.onSynthesisFailed(u, newProviderError(KindTTS, u.provider.Name(), m.err))
		return
	}

	s.log.Debug().Str("utterance_id", u.id).Str("provider", u.provider.Name()).Msg("Playing utterance")
	go func() {
		res := s.pump.Play(m.ctx, u.id, m.chunks)
		s.post(msgPlaybackDone{seq: m.seq, utt: u, result: res})
	}()
}

func (s *CallSession) onSynthesisFailed(u *utterance, perr *ProviderError) {
	s.log.Warn().Err(perr).Bool("timeout", perr.Timeout).Msg("Synthesis failed")

	if u.cancelAttempt != nil {
		u.cancelAttempt()
	}
	if fb := s.bindings.FallbackTTS; fb != nil && !u.usedFallback {
		u.usedFallback = true
		s.synthesize(u, fb)
		return
	}

	// nothing could voice it; keep the text
	s.history.Append(conversation.Turn{
		Speaker:  conversation.SpeakerAgent,
		Text:     u.text,
		Language: u.language,
		TextOnly: true,
	})
	s.turn.speech = nil
	u.cancel()
	if s.recordFailure() {
		return
	}
	s.afterUtterance(u)
}

func (s *CallSession) onPlaybackDone(m msgPlaybackDone) {
	s.complete(KindTTS, m.seq)
	u := m.utt
	res := m.result

	if res.Outcome != PlaybackCompleted {
		s.metrics.RecordPlaybackAbort(res.Reason)
	}

	if s.turn.speech != u || s.State() != StateSpeaking {
		u.cancel()
		s.startDeferred()
		return
	}

	switch res.Outcome {
	case PlaybackCompleted:
		u.cancel()
		s.turn.speech = nil
		s.appendAgentTurn(u, false)
		if u.purpose == purposeResponse && !s.turn.lastSpeechEnd.IsZero() && !res.FirstFrameAt.IsZero() {
			latency := res.FirstFrameAt.Sub(s.turn.lastSpeechEnd)
			s.metrics.ObserveTurnLatency(latency)
			s.observe(EventTurnCompleted, latency, "")
		}
		s.turn.lastSpeechEnd = time.Time{}
		s.afterUtterance(u)

	case PlaybackAborted:
		if res.Reason == "tts_stream" && res.FramesSent == 0 {
			s.onSynthesisFailed(u, newProviderError(KindTTS, u.provider.Name(), res.Err))
			return
		}
		u.cancel()
		s.turn.speech = nil
		s.appendAgentTurn(u, false)
		s.log.Warn().Err(res.Err).Str("reason", res.Reason).Int("frames_sent", res.FramesSent).Msg("Utterance aborted")
		s.enterListening()

	case PlaybackInterrupted, PlaybackCancelled:
		// the interruption or teardown path owns the state change
	}
}

func (s *CallSession) startDeferred() {
	u := s.turn.deferred
	if u == nil {
		return
	}
	s.turn.deferred = nil
	if u == s.turn.speech && s.State() == StateSpeaking {
		provider := s.bindings.TTS
		if u.usedFallback && s.bindings.FallbackTTS != nil {
			provider = s.bindings.FallbackTTS
		}
		s.synthesize(u, provider)
	}
}

func (s *CallSession) appendAgentTurn(u *utterance, interrupted bool) {
	s.history.Append(conversation.Turn{
		Speaker:     conversation.SpeakerAgent,
		Text:        u.text,
		Language:    u.language,
		Interrupted: interrupted,
	})
}

func (s *CallSession) afterUtterance(u *utterance) {
	if u.after == afterRetryGenerate {
		if s.turn.greeting {
			s.transition(StateGreeting)
		} else {
			s.transition(StateGenerating)
		}
		s.requestGenerate(s.turn.greeting)
		return
	}
	s.enterListening()
}

func (s *CallSession) onInterrupted(m msgInterrupted) {
	if s.State() != StateSpeaking {
		return
	}

	n := s.interruptions.Add(1)
	if u := s.turn.speech; u != nil {
		u.cancel()
		s.appendAgentTurn(u, true)
		s.turn.speech = nil
	}
	s.turn.lastSpeechEnd = time.Time{}
	s.turn.llmRetried = false

	s.log.Info().
		Int32("interruptions", n).
		Dur("latency", m.latency).
		Msg("Customer interrupted agent")
	s.observe(EventInterruption, m.latency, "")
	if int(n) == s.settings.ImpatienceThreshold {
		s.observe(EventCustomerImpatient, 0, "")
	}

	s.enterListening()
}

func (s *CallSession) onSilenceGap() {
	if s.State() != StateListening || s.turn.customerSpeaking {
		return
	}

	s.silenceGaps.Add(1)
	s.turn.consecutiveGaps++
	s.observe(EventSilenceGap, s.settings.SilenceGapTimeout, "")
	s.log.Info().Int("consecutive_gaps", s.turn.consecutiveGaps).Msg("Silence gap")

	if s.settings.MaxSilenceGaps > 0 && s.turn.consecutiveGaps >= s.settings.MaxSilenceGaps {
		s.terminate(ReasonNoResponse)
		return
	}
	s.speak(s.settings.ReengageText, purposeReengage, afterListen)
}

// await runs fn and gives up after timeout or when ctx ends. fn keeps running
// in the background until it honours its own context.
func await[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-t.C:
		return zero, context.DeadlineExceeded
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func startSpan(ctx context.Context, name, callID, provider string) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("call.id", callID),
		attribute.String("provider", provider),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
