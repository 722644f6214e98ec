// Package providers resolves per-call provider selections to concrete STT,
// LLM and TTS implementations, each guarded by its own circuit breaker.
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/call-coordinator/internal/conversation"
	"github.com/lexiqai/call-coordinator/internal/llm"
	"github.com/lexiqai/call-coordinator/internal/observability"
	"github.com/lexiqai/call-coordinator/internal/resilience"
	"github.com/lexiqai/call-coordinator/internal/stt"
	"github.com/lexiqai/call-coordinator/internal/tts"
)

// Selection names the providers a call wants. Empty fields use defaults.
type Selection struct {
	STT         string
	LLM         string
	TTS         string
	FallbackTTS string
}

// Bindings are the resolved providers for one call. FallbackTTS may be nil.
type Bindings struct {
	STT         stt.Provider
	LLM         llm.Provider
	TTS         tts.Provider
	FallbackTTS tts.Provider
}

// BreakerSettings configures the per-provider circuit breakers
type BreakerSettings struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

// Registry holds every configured provider by name
type Registry struct {
	mu       sync.RWMutex
	stt      map[string]stt.Provider
	llm      map[string]llm.Provider
	tts      map[string]tts.Provider
	defaults Selection
	breakers BreakerSettings
}

// NewRegistry creates an empty registry
func NewRegistry(defaults Selection, breakers BreakerSettings) *Registry {
	return &Registry{
		stt:      make(map[string]stt.Provider),
		llm:      make(map[string]llm.Provider),
		tts:      make(map[string]tts.Provider),
		defaults: defaults,
		breakers: breakers,
	}
}

func (r *Registry) newBreaker(kind, name string) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(kind+"/"+name, r.breakers.MaxFailures, r.breakers.ResetTimeout,
		resilience.WithStateChange(func(id string, from, to resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(id, int(to))
			log.Warn().Str("provider", id).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		}))
}

// RegisterSTT adds a speech-to-text provider under its Name
func (r *Registry) RegisterSTT(p stt.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[p.Name()] = &guardedSTT{inner: p, breaker: r.newBreaker("stt", p.Name())}
}

// RegisterLLM adds a language-model provider under its Name
func (r *Registry) RegisterLLM(p llm.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[p.Name()] = &guardedLLM{inner: p, breaker: r.newBreaker("llm", p.Name())}
}

// RegisterTTS adds a text-to-speech provider under its Name
func (r *Registry) RegisterTTS(p tts.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[p.Name()] = &guardedTTS{inner: p, breaker: r.newBreaker("tts", p.Name())}
}

// Names lists registered providers per capability
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := map[string][]string{}
	for n := range r.stt {
		out["stt"] = append(out["stt"], n)
	}
	for n := range r.llm {
		out["llm"] = append(out["llm"], n)
	}
	for n := range r.tts {
		out["tts"] = append(out["tts"], n)
	}
	for _, v := range out {
		sort.Strings(v)
	}
	return out
}

// Resolve binds a selection. An unknown primary provider is an error; an
// unknown or identical fallback is dropped.
func (r *Registry) Resolve(sel Selection) (*Bindings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pick := func(v, def string) string {
		if v != "" {
			return v
		}
		return def
	}
	sttName := pick(sel.STT, r.defaults.STT)
	llmName := pick(sel.LLM, r.defaults.LLM)
	ttsName := pick(sel.TTS, r.defaults.TTS)
	fallbackName := pick(sel.FallbackTTS, r.defaults.FallbackTTS)

	b := &Bindings{}
	var ok bool
	if b.STT, ok = r.stt[sttName]; !ok {
		return nil, fmt.Errorf("%w: stt %q", ErrUnknownProvider, sttName)
	}
	if b.LLM, ok = r.llm[llmName]; !ok {
		return nil, fmt.Errorf("%w: llm %q", ErrUnknownProvider, llmName)
	}
	if b.TTS, ok = r.tts[ttsName]; !ok {
		return nil, fmt.Errorf("%w: tts %q", ErrUnknownProvider, ttsName)
	}
	if fallbackName != ttsName {
		b.FallbackTTS = r.tts[fallbackName]
	}
	return b, nil
}

// guardedSTT wraps a provider with its circuit breaker and metrics
type guardedSTT struct {
	inner   stt.Provider
	breaker *resilience.CircuitBreaker
}

func (g *guardedSTT) Name() string { return g.inner.Name() }

func (g *guardedSTT) Transcribe(ctx context.Context, segment []byte, languageHint string) (*stt.TranscriptionResult, error) {
	var res *stt.TranscriptionResult
	err := observe("stt", g.inner.Name(), g.breaker, func() error {
		var err error
		res, err = g.inner.Transcribe(ctx, segment, languageHint)
		return err
	})
	return res, err
}

type guardedLLM struct {
	inner   llm.Provider
	breaker *resilience.CircuitBreaker
}

func (g *guardedLLM) Name() string { return g.inner.Name() }

func (g *guardedLLM) Generate(ctx context.Context, history []conversation.Turn, sc llm.SystemContext) (*llm.Response, error) {
	var res *llm.Response
	err := observe("llm", g.inner.Name(), g.breaker, func() error {
		var err error
		res, err = g.inner.Generate(ctx, history, sc)
		return err
	})
	return res, err
}

// guardedTTS counts only the request setup against the breaker; mid-stream
// failures surface through AudioChunk.Err and the coordinator's fallback
type guardedTTS struct {
	inner   tts.Provider
	breaker *resilience.CircuitBreaker
}

func (g *guardedTTS) Name() string { return g.inner.Name() }

func (g *guardedTTS) Synthesize(ctx context.Context, text string, voice tts.VoiceParams) (<-chan *tts.AudioChunk, error) {
	var ch <-chan *tts.AudioChunk
	err := observe("tts", g.inner.Name(), g.breaker, func() error {
		var err error
		ch, err = g.inner.Synthesize(ctx, text, voice)
		return err
	})
	return ch, err
}

func observe(kind, name string, breaker *resilience.CircuitBreaker, fn func() error) error {
	start := time.Now()
	err := breaker.Call(fn)
	observability.ObserveProvider(kind, name, time.Since(start), err)
	return err
}
