package session

import (
	"sync"
	"time"
)

// ArbiterConfig is the interruption policy
type ArbiterConfig struct {
	// Latency is the target from speech onset to agent silence
	Latency time.Duration
	// Sensitivity (0..1) is handed to the VAD; higher triggers on quieter speech
	Sensitivity float64
	// Cooldown suppresses re-confirmation right after an interruption
	Cooldown time.Duration
}

// Decision is the outcome of evaluating one speech signal
type Decision int

const (
	// DecisionNone: the signal was not a speech onset
	DecisionNone Decision = iota
	// DecisionIgnored: speech while the agent is silent
	DecisionIgnored
	// DecisionCooldown: speech during agent audio, inside the cool-down window
	DecisionCooldown
	// DecisionConfirmed: the agent must stop
	DecisionConfirmed
)

func (d Decision) String() string {
	switch d {
	case DecisionIgnored:
		return "ignored"
	case DecisionCooldown:
		return "cooldown"
	case DecisionConfirmed:
		return "confirmed"
	}
	return "none"
}

// Arbiter decides whether a speech onset interrupts agent playback. One per call.
type Arbiter struct {
	cfg ArbiterConfig
	now func() time.Time

	mu            sync.Mutex
	lastConfirmed time.Time
}

// NewArbiter creates an arbiter for one call
func NewArbiter(cfg ArbiterConfig, now func() time.Time) *Arbiter {
	if now == nil {
		now = time.Now
	}
	return &Arbiter{cfg: cfg, now: now}
}

// Evaluate applies the policy. onset is when the speech began and is only
// used for latency accounting by the caller.
func (a *Arbiter) Evaluate(speaking, agentSpeaking bool, onset time.Time) Decision {
	if !speaking {
		return DecisionNone
	}
	if !agentSpeaking {
		return DecisionIgnored
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if !a.lastConfirmed.IsZero() && now.Sub(a.lastConfirmed) < a.cfg.Cooldown {
		return DecisionCooldown
	}
	a.lastConfirmed = now
	return DecisionConfirmed
}

// Config returns the policy in force
func (a *Arbiter) Config() ArbiterConfig {
	return a.cfg
}

// Reset forgets the cool-down window
func (a *Arbiter) Reset() {
	a.mu.Lock()
	a.lastConfirmed = time.Time{}
	a.mu.Unlock()
}
