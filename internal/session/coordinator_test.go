package session

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/call-coordinator/internal/conversation"
)

const eventually = 3 * time.Second
const tick = 5 * time.Millisecond

func TestSession_GreetsThenListens(t *testing.T) {
	h := newHarness(t)
	h.waitListening()

	calls := h.llm.calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Greeting)
	assert.Equal(t, h.id, calls[0].CallID)
	assert.Equal(t, []string{"Hello, how can I help?"}, h.tts.spoken())
	assert.Equal(t, 5, h.writer.count())

	turns := h.sess.Transcript()
	require.Len(t, turns, 1)
	assert.Equal(t, conversation.SpeakerAgent, turns[0].Speaker)
	assert.False(t, turns[0].Interrupted)
}

func TestSession_CompleteTurn(t *testing.T) {
	h := newHarness(t)
	h.waitListening()

	h.say(10, 12)

	require.Eventually(t, func() bool {
		return len(h.tts.spoken()) == 2 && h.sess.State() == StateListening
	}, eventually, tick)

	assert.Equal(t, 1, h.stt.calls())
	calls := h.llm.calls()
	require.Len(t, calls, 2)
	assert.False(t, calls[1].Greeting)

	h.llm.mu.Lock()
	history := h.llm.histories[1]
	h.llm.mu.Unlock()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, conversation.SpeakerCustomer, last.Speaker)
	assert.Equal(t, "I need help with my order", last.Text)

	turns := h.sess.Transcript()
	require.Len(t, turns, 3)
	assert.Equal(t, "Reply 2", turns[2].Text)
	assert.Equal(t, 10, h.writer.count())
	assert.False(t, h.sess.Interrupted())

	require.Eventually(t, func() bool { return h.obs.count(EventTurnCompleted) == 1 }, eventually, tick)
}

func TestSession_SegmentIncludesPreRoll(t *testing.T) {
	h := newHarness(t)
	h.waitListening()

	for i := 0; i < 10; i++ {
		h.push(silence())
	}
	h.say(5, 12)

	require.Eventually(t, func() bool { return h.stt.calls() == 1 }, eventually, tick)
	seg := h.stt.segment(0)
	assert.GreaterOrEqual(t, len(seg), 15*160)
	assert.Equal(t, byte(0xFF), seg[0], "segment should open with pre-roll silence")
}

// line noise below threshold never reaches the pipeline
func TestSession_NoiseBelowThresholdIgnored(t *testing.T) {
	h := newHarness(t)
	h.waitListening()

	for i := 0; i < 100; i++ {
		h.push(tone(100))
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, h.stt.calls())
	assert.Equal(t, StateListening, h.sess.State())
	assert.Equal(t, 5, h.writer.count())
}

// customer speech stops agent audio immediately
func TestSession_InterruptionStopsPlayback(t *testing.T) {
	h := newHarness(t)
	h.waitListening()
	h.tts.setFrames(200)

	h.say(5, 12)
	require.Eventually(t, func() bool {
		return h.sess.AgentSpeaking() && h.writer.count() > 8
	}, eventually, tick)

	start := time.Now()
	for i := 0; i < 15; i++ {
		h.push(tone(8000))
	}
	assert.False(t, h.sess.AgentSpeaking())
	assert.Less(t, time.Since(start), 2*time.Second)

	sent := h.writer.count()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sent, h.writer.count(), "no frames after interruption")
	assert.Less(t, sent, 5+200)
	assert.GreaterOrEqual(t, h.writer.clearCount(), 1)

	require.Eventually(t, func() bool { return h.sess.InterruptionCount() == 1 }, eventually, tick)
	assert.True(t, h.sess.Interrupted())
	assert.True(t, h.sess.Snapshot().Interrupted)
	require.Eventually(t, func() bool {
		for _, turn := range h.sess.Transcript() {
			if turn.Text == "Reply 2" {
				return turn.Interrupted
			}
		}
		return false
	}, eventually, tick)
	assert.Equal(t, StateListening, h.sess.State())
	require.Eventually(t, func() bool { return h.obs.count(EventInterruption) == 1 }, eventually, tick)
}

// impatience fires exactly once, on the third interruption
func TestSession_ImpatienceSignalledOnce(t *testing.T) {
	h := newHarness(t, withTTSFrames(150))

	for i := 1; i <= 4; i++ {
		require.Eventually(t, h.sess.AgentSpeaking, eventually, tick, "agent never spoke in round %d", i)
		h.say(15, 12)
		require.Eventually(t, func() bool { return h.sess.InterruptionCount() == i }, eventually, tick)
	}

	require.Eventually(t, func() bool { return h.obs.count(EventInterruption) == 4 }, eventually, tick)
	assert.Equal(t, 1, h.obs.count(EventCustomerImpatient))
}

// STT failure reprompts without counting as an interruption
func TestSession_TranscriptionFailureReprompts(t *testing.T) {
	h := newHarness(t)
	h.waitListening()
	h.stt.setErr(errors.New("deepgram unavailable"))

	h.say(10, 12)

	require.Eventually(t, func() bool {
		return slices.Contains(h.tts.spoken(), h.reg.settings.RepromptText) && h.sess.State() == StateListening
	}, eventually, tick)
	assert.Equal(t, 0, h.sess.InterruptionCount())
	assert.Len(t, h.llm.calls(), 1)
}

func TestSession_TranscriptionTimeoutReprompts(t *testing.T) {
	h := newHarness(t, withSettings(func(s *Settings) { s.STTTimeout = 50 * time.Millisecond }))
	h.waitListening()
	h.stt.setDelay(time.Second)

	h.say(10, 12)

	require.Eventually(t, func() bool {
		return slices.Contains(h.tts.spoken(), h.reg.settings.RepromptText) && h.sess.State() == StateListening
	}, eventually, tick)
}

// hang-up mid-generation discards the late result
func TestSession_HangupDuringGeneration(t *testing.T) {
	h := newHarness(t)
	h.waitListening()
	h.llm.setBlock(true)

	h.say(10, 12)
	h.waitState(StateGenerating)
	sent := h.writer.count()

	require.True(t, h.reg.CallEnded(h.id, ReasonCallEnded))
	select {
	case <-h.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}

	assert.Equal(t, StateEnded, h.sess.State())
	require.Eventually(t, h.llm.cancelled.Load, eventually, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sent, h.writer.count())
	assert.Len(t, h.tts.spoken(), 1)
	assert.True(t, h.writer.isClosed())

	assert.False(t, h.push(tone(8000)))
	assert.False(t, h.reg.CallEnded(h.id, ReasonCallEnded))

	ev, ok := h.obs.last(EventCallEnded)
	require.True(t, ok)
	assert.Equal(t, ReasonCallEnded, ev.Reason)
}

func TestSession_OneRequestPerKindAtATime(t *testing.T) {
	h := newHarness(t)
	h.stt.setDelay(150 * time.Millisecond)
	h.waitListening()

	h.say(10, 12)
	h.say(10, 12)

	require.Eventually(t, func() bool {
		return h.stt.calls() == 2 && len(h.tts.spoken()) == 3 && h.sess.State() == StateListening
	}, eventually, tick)
	assert.Equal(t, int32(1), h.stt.maxActive.Load())
	assert.Equal(t, int32(1), h.tts.maxActive.Load())
}

func TestSession_GenerationFailureApologisesAndRetries(t *testing.T) {
	h := newHarness(t)
	h.waitListening()
	h.llm.setFailures(1)

	h.say(10, 12)

	apology := h.reg.settings.ApologyText
	require.Eventually(t, func() bool {
		return slices.Equal(h.tts.spoken(), []string{"Hello, how can I help?", apology, "Reply 3"}) &&
			h.sess.State() == StateListening
	}, eventually, tick)
}

func TestSession_GenerationFailsTwice(t *testing.T) {
	h := newHarness(t)
	h.waitListening()
	h.llm.setFailures(2)

	h.say(10, 12)

	apology := h.reg.settings.ApologyText
	require.Eventually(t, func() bool {
		return slices.Equal(h.tts.spoken(), []string{"Hello, how can I help?", apology, apology}) &&
			h.sess.State() == StateListening
	}, eventually, tick)
	assert.Len(t, h.llm.calls(), 3)
}

func TestSession_FallbackVoice(t *testing.T) {
	h := newHarness(t, withFallback())
	h.waitListening()
	h.tts.setErr(errors.New("cartesia down"))

	h.say(10, 12)

	require.Eventually(t, func() bool {
		return len(h.fallback.spoken()) == 1 && h.sess.State() == StateListening
	}, eventually, tick)
	assert.Equal(t, "Reply 2", h.fallback.spoken()[0])
	assert.Equal(t, 10, h.writer.count())
}

func TestSession_TextOnlyTurnWhenNoVoiceWorks(t *testing.T) {
	h := newHarness(t)
	h.waitListening()
	h.tts.setErr(errors.New("cartesia down"))

	h.say(10, 12)

	require.Eventually(t, func() bool {
		turns := h.sess.Transcript()
		last := turns[len(turns)-1]
		return last.TextOnly && h.sess.State() == StateListening
	}, eventually, tick)
	turns := h.sess.Transcript()
	assert.Equal(t, "Reply 2", turns[len(turns)-1].Text)
	assert.Equal(t, 5, h.writer.count())
}

func TestSession_ConsecutiveFailuresEndCall(t *testing.T) {
	h := newHarness(t, withSettings(func(s *Settings) { s.MaxConsecutiveFailures = 2 }))
	h.waitListening()
	h.stt.setErr(errors.New("deepgram unavailable"))

	h.say(10, 12)
	require.Eventually(t, func() bool {
		return len(h.tts.spoken()) == 2 && h.sess.State() == StateListening
	}, eventually, tick)

	h.say(10, 12)
	select {
	case <-h.sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}

	assert.Equal(t, 0, h.reg.Count())
	ev, ok := h.obs.last(EventCallEnded)
	require.True(t, ok)
	assert.Equal(t, ReasonTechnicalFailure, ev.Reason)
}

func TestSession_SilenceGapsEndCall(t *testing.T) {
	h := newHarness(t, withSettings(func(s *Settings) {
		s.SilenceGapTimeout = 60 * time.Millisecond
		s.MaxSilenceGaps = 2
	}))

	select {
	case <-h.sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}

	assert.Equal(t, 2, h.obs.count(EventSilenceGap))
	assert.Equal(t, 2, h.sess.SilenceGapCount())
	assert.Equal(t, []string{"Hello, how can I help?", h.reg.settings.ReengageText}, h.tts.spoken())
	ev, ok := h.obs.last(EventCallEnded)
	require.True(t, ok)
	assert.Equal(t, ReasonNoResponse, ev.Reason)
}

func TestSession_SpeechDisarmsSilenceTimer(t *testing.T) {
	h := newHarness(t, withSettings(func(s *Settings) {
		s.SilenceGapTimeout = 300 * time.Millisecond
		s.MaxSilenceGaps = 1
	}))
	h.waitListening()

	h.say(10, 12)
	require.Eventually(t, func() bool { return len(h.tts.spoken()) == 2 }, eventually, tick)

	assert.Equal(t, 0, h.sess.SilenceGapCount())
	assert.Equal(t, 1, h.reg.Count())
}

func TestSession_ChannelWriteFailureAbortsUtteranceOnly(t *testing.T) {
	h := newHarness(t, withWriterFailure(func(attempt int) error {
		if attempt > 5 {
			return errors.New("socket broken")
		}
		return nil
	}))
	h.waitListening()

	h.say(10, 12)

	require.Eventually(t, func() bool {
		return len(h.tts.spoken()) == 2 && h.sess.State() == StateListening
	}, eventually, tick)
	assert.Equal(t, 5, h.writer.count())
	assert.Equal(t, 1, h.reg.Count())
}

func TestSession_ExternalSpeechSignal(t *testing.T) {
	h := newHarness(t, withTTSFrames(200))
	require.Eventually(t, h.sess.AgentSpeaking, eventually, tick)

	assert.True(t, h.reg.ProcessSpeechSignal(h.id, true))
	assert.False(t, h.sess.AgentSpeaking())
	require.Eventually(t, func() bool { return h.sess.InterruptionCount() == 1 }, eventually, tick)

	assert.False(t, h.reg.ProcessSpeechSignal(h.id, true), "agent is silent")
	assert.False(t, h.reg.ProcessSpeechSignal(h.id, false))
	assert.False(t, h.reg.ProcessSpeechSignal("CA-unknown", true))
}

func TestSession_CooldownSuppressesSecondInterruption(t *testing.T) {
	h := newHarness(t, withTTSFrames(200), withSettings(func(s *Settings) { s.Arbiter.Cooldown = time.Hour }))
	require.Eventually(t, h.sess.AgentSpeaking, eventually, tick)
	require.True(t, h.reg.ProcessSpeechSignal(h.id, true))

	h.say(10, 12)
	require.Eventually(t, h.sess.AgentSpeaking, eventually, tick)

	assert.False(t, h.reg.ProcessSpeechSignal(h.id, true))
	assert.True(t, h.sess.AgentSpeaking())
	assert.Equal(t, 1, h.sess.InterruptionCount())
}

func TestSession_StalledVoiceStreamReturnsToListening(t *testing.T) {
	h := newHarness(t)
	h.waitListening()
	h.tts.setFrames(3)
	h.tts.setStall(true)

	h.say(10, 12)

	require.Eventually(t, func() bool {
		return len(h.tts.spoken()) == 2 && h.sess.State() == StateListening
	}, eventually, tick)
	assert.False(t, h.sess.AgentSpeaking())
	assert.Equal(t, 5+3, h.writer.count())
	require.Eventually(t, func() bool { return h.tts.active.Load() == 0 }, eventually, tick,
		"stalled synthesis request was never cancelled")

	turns := h.sess.Transcript()
	last := turns[len(turns)-1]
	assert.Equal(t, "Reply 2", last.Text)
	assert.False(t, last.TextOnly)
}

func TestSession_StalledVoiceBeforeAudioUsesFallback(t *testing.T) {
	h := newHarness(t, withFallback())
	h.waitListening()
	h.tts.setFrames(0)
	h.tts.setStall(true)

	h.say(10, 12)

	require.Eventually(t, func() bool {
		return len(h.fallback.spoken()) == 1 && h.sess.State() == StateListening
	}, eventually, tick)
	assert.Equal(t, "Reply 2", h.fallback.spoken()[0])
	assert.Equal(t, 5+5, h.writer.count())
	require.Eventually(t, func() bool { return h.tts.active.Load() == 0 }, eventually, tick,
		"primary voice request kept running after the fallback took over")
}
