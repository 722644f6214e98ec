// Package session owns live calls: the per-call turn coordinator, the
// interruption arbiter, the outbound pump, and the registry that maps call
// identifiers to sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/call-coordinator/internal/audio"
	"github.com/lexiqai/call-coordinator/internal/providers"
)

// ProviderResolver turns a per-call selection into concrete providers
type ProviderResolver interface {
	Resolve(sel providers.Selection) (*providers.Bindings, error)
}

// Registry maps call identifiers to live sessions
type Registry struct {
	settings Settings
	resolver ProviderResolver
	observer Observer
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*CallSession
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry
func NewRegistry(settings Settings, resolver ProviderResolver, observer Observer) *Registry {
	if observer == nil {
		observer = LogObserver{}
	}
	return &Registry{
		settings: settings,
		resolver: resolver,
		observer: observer,
		now:      time.Now,
		sessions: make(map[string]*CallSession),
	}
}

// CallStarted creates the session for a new call and starts its coordinator
func (r *Registry) CallStarted(ctx context.Context, callID string, cfg CallConfig, writer MediaWriter) (*CallSession, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: empty call id", ErrInvalidSessionReference)
	}
	if writer == nil {
		return nil, errors.New("media writer is required")
	}

	bindings, err := r.resolver.Resolve(cfg.Selection)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve providers for call %s: %w", callID, err)
	}

	r.mu.Lock()
	if _, exists := r.sessions[callID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, callID)
	}
	s := newCallSession(ctx, callID, cfg, sessionDeps{
		settings: r.settings,
		bindings: bindings,
		writer:   writer,
		observer: r.observer,
		now:      r.now,
		requestEnd: func(reason string) {
			r.CallEnded(callID, reason)
		},
	})
	r.sessions[callID] = s
	r.wg.Add(1)
	r.mu.Unlock()

	s.metrics.RecordCallStart()
	go func() {
		defer r.wg.Done()
		s.run()
	}()
	return s, nil
}

// CallEnded destroys the session. It is idempotent and reports whether a
// session was ended by this call.
func (r *Registry) CallEnded(callID, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()

	if !ok {
		log.Debug().Str("call_id", callID).Str("reason", reason).Msg("Call already ended")
		return false
	}
	s.end(reason)
	return true
}

// Get returns the live session for callID
func (r *Registry) Get(callID string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// PushFrame feeds one inbound frame to the call. Frames for unknown calls are
// dropped and false is returned.
func (r *Registry) PushFrame(callID string, frame audio.Frame) bool {
	s, ok := r.Get(callID)
	if !ok {
		return false
	}
	return s.pushFrame(frame)
}

// ProcessSpeechSignal runs an external speech signal through the arbiter and
// reports whether it interrupted the agent
func (r *Registry) ProcessSpeechSignal(callID string, speaking bool) bool {
	s, ok := r.Get(callID)
	if !ok {
		return false
	}
	return s.processSpeechSignal(speaking, r.now())
}

// Snapshot lists every live session, ordered by call id
func (r *Registry) Snapshot() []SessionSnapshot {
	r.mu.RLock()
	out := make([]SessionSnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

// SweepIdle ends sessions without activity for longer than the idle timeout
func (r *Registry) SweepIdle() int {
	if r.settings.IdleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.settings.IdleTimeout)

	var idle []string
	r.mu.RLock()
	for id, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	ended := 0
	for _, id := range idle {
		if r.CallEnded(id, ReasonIdleTimeout) {
			log.Warn().Str("call_id", id).Msg("Ended idle session")
			ended++
		}
	}
	return ended
}

// SweepBuffers drops stale frames from every session's buffers
func (r *Registry) SweepBuffers() int {
	r.mu.RLock()
	sessions := make([]*CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	purged := 0
	for _, s := range sessions {
		purged += s.sweepBuffers()
	}
	return purged
}

// Run performs periodic sweeps until ctx ends
func (r *Registry) Run(ctx context.Context) error {
	idleEvery := r.settings.IdleSweepInterval
	if idleEvery <= 0 {
		idleEvery = 15 * time.Second
	}
	bufferEvery := r.settings.BufferSweepInterval
	if bufferEvery <= 0 {
		bufferEvery = 500 * time.Millisecond
	}

	idle := time.NewTicker(idleEvery)
	defer idle.Stop()
	buffers := time.NewTicker(bufferEvery)
	defer buffers.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
			r.SweepIdle()
		case <-buffers.C:
			if n := r.SweepBuffers(); n > 0 {
				log.Debug().Int("frames", n).Msg("Purged stale frames")
			}
		}
	}
}

// Shutdown ends every session and waits for their coordinators to exit
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.CallEnded(id, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Int("sessions", len(ids)).Msg("All sessions ended")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions to end: %w", ctx.Err())
	}
}
