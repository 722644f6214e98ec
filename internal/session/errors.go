package session

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProviderTimeout matches a ProviderError caused by a deadline
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrProviderFailure matches every ProviderError
	ErrProviderFailure = errors.New("provider failure")

	// ErrChannelWrite is a media channel write that will not succeed on retry
	ErrChannelWrite = errors.New("media channel write failed")
	// ErrBackpressure is returned by a MediaWriter that cannot accept a frame right now
	ErrBackpressure = errors.New("media channel backpressure")
	// ErrChannelClosed is returned by a MediaWriter after the channel went away
	ErrChannelClosed = errors.New("media channel closed")

	// ErrBufferOverflow is reported to metrics only
	ErrBufferOverflow = errors.New("audio buffer overflow")
	// ErrInvalidSessionReference marks an event for a destroyed or unknown call
	ErrInvalidSessionReference = errors.New("invalid session reference")
	// ErrRequestInFlight rejects a second request of the same kind for one call
	ErrRequestInFlight = errors.New("request already in flight")
	// ErrSessionExists rejects a duplicate callStarted
	ErrSessionExists = errors.New("session already exists")
)

// ProviderKind names a provider capability
type ProviderKind string

const (
	KindSTT ProviderKind = "stt"
	KindLLM ProviderKind = "llm"
	KindTTS ProviderKind = "tts"
)

// ProviderError is a failed or timed-out provider call
type ProviderError struct {
	Kind     ProviderKind
	Provider string
	Timeout  bool
	Err      error
}

func newProviderError(kind ProviderKind, provider string, err error) *ProviderError {
	return &ProviderError{
		Kind:     kind,
		Provider: provider,
		Timeout:  errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProviderTimeout),
		Err:      err,
	}
}

func (e *ProviderError) Error() string {
	what := "failed"
	if e.Timeout {
		what = "timed out"
	}
	return fmt.Sprintf("%s provider %s %s: %v", e.Kind, e.Provider, what, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the taxonomy sentinels
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrProviderFailure:
		return true
	case ErrProviderTimeout:
		return e.Timeout
	}
	return false
}
