package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lexiqai/call-coordinator/internal/audio"
	"github.com/lexiqai/call-coordinator/internal/conversation"
	"github.com/lexiqai/call-coordinator/internal/llm"
	"github.com/lexiqai/call-coordinator/internal/providers"
	"github.com/lexiqai/call-coordinator/internal/stt"
	"github.com/lexiqai/call-coordinator/internal/tts"
)

const frameDur = 20 * time.Millisecond

type fakeSTT struct {
	mu       sync.Mutex
	text     string
	err      error
	delay    time.Duration
	segments [][]byte

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeSTT) Name() string { return "fake-stt" }

func (f *fakeSTT) Transcribe(ctx context.Context, segment []byte, _ string) (*stt.TranscriptionResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.segments = append(f.segments, segment)
	text, err, delay := f.text, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &stt.TranscriptionResult{Text: text, Language: "en", IsFinal: true, Confidence: 0.9}, nil
}

func (f *fakeSTT) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.segments)
}

func (f *fakeSTT) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeLLM struct {
	mu        sync.Mutex
	contexts  []llm.SystemContext
	histories [][]conversation.Turn
	// failures makes the next n non-greeting calls fail
	failures int
	// block makes non-greeting calls wait for cancellation
	block     bool
	cancelled atomic.Bool
}

func (f *fakeLLM) Name() string { return "fake-llm" }

func (f *fakeLLM) Generate(ctx context.Context, history []conversation.Turn, sc llm.SystemContext) (*llm.Response, error) {
	f.mu.Lock()
	f.contexts = append(f.contexts, sc)
	f.histories = append(f.histories, history)
	n := len(f.contexts)
	block := f.block && !sc.Greeting
	fail := false
	if !sc.Greeting && f.failures > 0 {
		f.failures--
		fail = true
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		f.cancelled.Store(true)
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New("model overloaded")
	}
	if sc.Greeting {
		return &llm.Response{Text: "Hello, how can I help?"}, nil
	}
	return &llm.Response{Text: fmt.Sprintf("Reply %d", n)}, nil
}

func (f *fakeLLM) calls() []llm.SystemContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.SystemContext(nil), f.contexts...)
}

type fakeTTS struct {
	name   string
	frames int

	mu    sync.Mutex
	texts []string
	err   error
	// stall keeps the stream open after the audio until ctx ends
	stall bool

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeTTS) Name() string { return f.name }

func (f *fakeTTS) Synthesize(ctx context.Context, text string, _ tts.VoiceParams) (<-chan *tts.AudioChunk, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	err := f.err
	frames := f.frames
	stall := f.stall
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	out := make(chan *tts.AudioChunk, 1)
	go func() {
		defer close(out)
		defer f.active.Add(-1)
		if frames > 0 || !stall {
			select {
			case out <- &tts.AudioChunk{Data: bytes.Repeat([]byte{0x80}, frames*160), SampleRate: 8000, Channels: 1}:
			case <-ctx.Done():
				return
			}
		}
		if stall {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (f *fakeTTS) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeTTS) setFrames(n int) {
	f.mu.Lock()
	f.frames = n
	f.mu.Unlock()
}

type recordingWriter struct {
	mu       sync.Mutex
	frames   [][]byte
	attempts int
	clears   int
	closed   bool
	// fail decides the result of each write attempt (1-based)
	fail func(attempt int) error
}

func (w *recordingWriter) WriteFrame(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.closed {
		return ErrChannelClosed
	}
	if w.fail != nil {
		if err := w.fail(w.attempts); err != nil {
			return err
		}
	}
	w.frames = append(w.frames, append([]byte(nil), payload...))
	return nil
}

func (w *recordingWriter) Clear() error {
	w.mu.Lock()
	w.clears++
	w.mu.Unlock()
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func (w *recordingWriter) clearCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clears
}

func (w *recordingWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

type recordingObserver struct {
	mu     sync.Mutex
	events []QualityEvent
}

func (o *recordingObserver) Observe(ev QualityEvent) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) count(t EventType) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, ev := range o.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (o *recordingObserver) last(t EventType) (QualityEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.events) - 1; i >= 0; i-- {
		if o.events[i].Type == t {
			return o.events[i], true
		}
	}
	return QualityEvent{}, false
}

type staticResolver struct {
	bindings *providers.Bindings
	err      error
}

func (r staticResolver) Resolve(providers.Selection) (*providers.Bindings, error) {
	return r.bindings, r.err
}

type testClock struct {
	now atomic.Int64
}

func newTestClock() *testClock {
	c := &testClock{}
	c.now.Store(time.Now().UnixNano())
	return c
}

func (c *testClock) Now() time.Time { return time.Unix(0, c.now.Load()) }

func (c *testClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func testSettings() Settings {
	s := DefaultSettings()
	s.STTTimeout = 500 * time.Millisecond
	s.LLMTimeout = 500 * time.Millisecond
	s.TTSTimeout = 500 * time.Millisecond
	s.SilenceGapTimeout = 0
	s.Arbiter.Cooldown = 0
	s.IdleTimeout = time.Minute
	return s
}

// harness drives one call through a registry with fake providers
type harness struct {
	t        *testing.T
	reg      *Registry
	stt      *fakeSTT
	llm      *fakeLLM
	tts      *fakeTTS
	fallback *fakeTTS
	writer   *recordingWriter
	obs      *recordingObserver
	sess     *CallSession
	id       string
	ts       time.Time
}

type harnessOption func(*harness, *Settings)

func withSettings(fn func(*Settings)) harnessOption {
	return func(_ *harness, s *Settings) { fn(s) }
}

func withFallback() harnessOption {
	return func(h *harness, _ *Settings) {
		h.fallback = &fakeTTS{name: "fake-fallback", frames: 5}
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		stt:    &fakeSTT{text: "I need help with my order"},
		llm:    &fakeLLM{},
		tts:    &fakeTTS{name: "fake-tts", frames: 5},
		writer: &recordingWriter{},
		obs:    &recordingObserver{},
		id:     "CA-test",
		ts:     time.Now(),
	}
	settings := testSettings()
	for _, opt := range opts {
		opt(h, &settings)
	}

	bindings := &providers.Bindings{STT: h.stt, LLM: h.llm, TTS: h.tts}
	if h.fallback != nil {
		bindings.FallbackTTS = h.fallback
	}
	h.reg = NewRegistry(settings, staticResolver{bindings: bindings}, h.obs)

	sess, err := h.reg.CallStarted(context.Background(), h.id, CallConfig{}, h.writer)
	require.NoError(t, err)
	h.sess = sess
	t.Cleanup(func() {
		h.reg.CallEnded(h.id, ReasonCallEnded)
		<-sess.Done()
	})
	return h
}

func (h *harness) push(data []byte) bool {
	if now := time.Now(); h.ts.Before(now) {
		h.ts = now
	}
	f := audio.Frame{Data: data, Timestamp: h.ts, Duration: frameDur}
	h.ts = h.ts.Add(frameDur)
	return h.reg.PushFrame(h.id, f)
}

// say pushes loud frames followed by enough silence to end the utterance
func (h *harness) say(loud, quiet int) {
	for i := 0; i < loud; i++ {
		h.push(tone(8000))
	}
	for i := 0; i < quiet; i++ {
		h.push(silence())
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.sess.State() == want }, 3*time.Second, 5*time.Millisecond,
		"state stayed %s, want %s", h.sess.State(), want)
}

func (h *harness) waitListening() {
	h.waitState(StateListening)
}

// tone is one 20ms μ-law frame of a square wave
func tone(amplitude int16) []byte {
	pcm := make([]byte, 320)
	for i := 0; i < 160; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(uint16(v) >> 8)
	}
	out, err := audio.ConvertPCMToPCMU(pcm, audio.TelephonySampleRate, audio.TelephonySampleRate)
	if err != nil {
		panic(err)
	}
	return out
}

func silence() []byte {
	return bytes.Repeat([]byte{0xFF}, 160)
}

func (f *fakeLLM) setBlock(block bool) {
	f.mu.Lock()
	f.block = block
	f.mu.Unlock()
}

func (f *fakeLLM) setFailures(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func (f *fakeTTS) setStall(stall bool) {
	f.mu.Lock()
	f.stall = stall
	f.mu.Unlock()
}

func (f *fakeTTS) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func withTTSFrames(n int) harnessOption {
	return func(h *harness, _ *Settings) { h.tts.frames = n }
}

func withWriterFailure(fail func(attempt int) error) harnessOption {
	return func(h *harness, _ *Settings) { h.writer.fail = fail }
}

func (f *fakeSTT) setDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *fakeSTT) segment(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.segments[i]
}
