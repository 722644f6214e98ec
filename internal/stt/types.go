package stt

import (
	"context"
	"errors"
)

// ErrEmptySegment is returned when there is no audio to transcribe
var ErrEmptySegment = errors.New("empty audio segment")

// TranscriptionResult is the final text for one customer utterance
type TranscriptionResult struct {
	// Text is the transcribed text, empty when nothing intelligible was heard
	Text string

	// Language is the detected or requested language tag
	Language string

	// IsFinal is always true for results returned by Transcribe
	IsFinal bool

	// Confidence is the mean confidence of the final segments (0.0 to 1.0)
	Confidence float64
}

// Provider turns one recorded utterance (8kHz μ-law) into text.
// Implementations must honour ctx cancellation promptly.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, segment []byte, languageHint string) (*TranscriptionResult, error)
}
