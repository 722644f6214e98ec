package audio

import (
	"time"
)

// UtteranceRecorder captures the inbound audio of one utterance, including a
// short pre-roll of frames seen just before speech onset.
type UtteranceRecorder struct {
	preRoll   time.Duration
	maxBytes  int
	history   []Frame
	recording bool
	segment   []byte
}

// NewUtteranceRecorder creates a recorder keeping preRoll of audio before onset
// and at most maxBytes per utterance (0 means unbounded)
func NewUtteranceRecorder(preRoll time.Duration, maxBytes int) *UtteranceRecorder {
	return &UtteranceRecorder{preRoll: preRoll, maxBytes: maxBytes}
}

// Observe records a frame into the active segment, or into the pre-roll window
func (r *UtteranceRecorder) Observe(frame Frame) {
	if r.recording {
		r.appendSegment(frame.Data)
		return
	}
	if r.preRoll <= 0 {
		return
	}
	r.history = append(r.history, frame)

	var kept time.Duration
	cut := len(r.history)
	for i := len(r.history) - 1; i >= 0; i-- {
		d := r.history[i].Duration
		if d <= 0 {
			d = 20 * time.Millisecond
		}
		kept += d
		cut = i
		if kept >= r.preRoll {
			break
		}
	}
	if cut > 0 {
		r.history = append(r.history[:0], r.history[cut:]...)
	}
}

// Start begins a segment seeded with the pre-roll window
func (r *UtteranceRecorder) Start() {
	r.segment = r.segment[:0]
	for _, f := range r.history {
		r.appendSegment(f.Data)
	}
	r.history = r.history[:0]
	r.recording = true
}

// Finish ends the current segment and returns a copy of its audio
func (r *UtteranceRecorder) Finish() []byte {
	if !r.recording {
		return nil
	}
	out := make([]byte, len(r.segment))
	copy(out, r.segment)
	r.segment = r.segment[:0]
	r.recording = false
	return out
}

// Recording reports whether a segment is open
func (r *UtteranceRecorder) Recording() bool {
	return r.recording
}

// Reset discards everything
func (r *UtteranceRecorder) Reset() {
	r.history = nil
	r.segment = nil
	r.recording = false
}

func (r *UtteranceRecorder) appendSegment(data []byte) {
	if r.maxBytes > 0 && len(r.segment)+len(data) > r.maxBytes {
		room := r.maxBytes - len(r.segment)
		if room <= 0 {
			return
		}
		data = data[:room]
	}
	r.segment = append(r.segment, data...)
}
