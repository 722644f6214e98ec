package tts

import (
	"context"
)

// AudioChunk represents a chunk of audio data ready for streaming
type AudioChunk struct {
	Data       []byte // 8kHz μ-law, ready for the phone leg
	SampleRate int    // always 8000 for telephony output
	Channels   int    // 1 for mono
	Err        error  // set on the last chunk when the stream failed mid-way
}

// VoiceParams carries per-call voice selection
type VoiceParams struct {
	VoiceID  string
	Language string
	Speed    float64
}

// Provider converts text to a stream of telephony-ready audio. The returned
// channel is closed when synthesis ends; cancelling ctx stops it early.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text string, voice VoiceParams) (<-chan *AudioChunk, error)
}

// sendChunk delivers a chunk unless ctx ends first
func sendChunk(ctx context.Context, out chan<- *AudioChunk, chunk *AudioChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
