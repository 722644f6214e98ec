package audio

import (
	"time"
)

// Encoding identifies the sample encoding of a media frame
type Encoding string

const (
	EncodingMulaw Encoding = "mulaw" // G.711 PCMU, 8-bit
	EncodingPCM16 Encoding = "pcm16" // 16-bit signed little-endian
)

// TelephonySampleRate is the fixed sample rate of the telephony leg
const TelephonySampleRate = 8000

// mulawSilence is the μ-law code for a zero sample
const mulawSilence byte = 0xFF

// Frame is one timestamped slice of audio of a fixed small duration
type Frame struct {
	Data      []byte
	Timestamp time.Time     // arrival time for inbound, enqueue time for outbound
	Duration  time.Duration // playback length
	Seq       uint64
}

// Age returns how long ago the frame was stamped
func (f Frame) Age(now time.Time) time.Duration {
	if f.Timestamp.IsZero() {
		return 0
	}
	return now.Sub(f.Timestamp)
}

// End returns the timestamp at which the frame's audio ends
func (f Frame) End() time.Time {
	return f.Timestamp.Add(f.Duration)
}

// BytesPerFrame returns the payload size of one frame of the given duration
func BytesPerFrame(enc Encoding, sampleRate int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	if enc == EncodingPCM16 {
		return samples * 2
	}
	return samples
}

// Framer slices an arbitrary byte stream into fixed-size frame payloads.
// A trailing partial frame is held until more data arrives or Flush pads it.
type Framer struct {
	frameBytes int
	pending    []byte
	pad        byte
}

// NewFramer creates a framer producing payloads of frameBytes bytes
func NewFramer(frameBytes int, enc Encoding) *Framer {
	pad := mulawSilence
	if enc == EncodingPCM16 {
		pad = 0
	}
	if frameBytes <= 0 {
		frameBytes = BytesPerFrame(enc, TelephonySampleRate, 20*time.Millisecond)
	}
	return &Framer{frameBytes: frameBytes, pad: pad}
}

// Write appends data and returns every complete frame payload now available
func (f *Framer) Write(data []byte) [][]byte {
	f.pending = append(f.pending, data...)

	var out [][]byte
	for len(f.pending) >= f.frameBytes {
		payload := make([]byte, f.frameBytes)
		copy(payload, f.pending[:f.frameBytes])
		out = append(out, payload)
		f.pending = f.pending[f.frameBytes:]
	}
	return out
}

// Flush pads and returns the trailing partial frame, if any
func (f *Framer) Flush() []byte {
	if len(f.pending) == 0 {
		return nil
	}
	payload := make([]byte, f.frameBytes)
	n := copy(payload, f.pending)
	for i := n; i < len(payload); i++ {
		payload[i] = f.pad
	}
	f.pending = nil
	return payload
}
