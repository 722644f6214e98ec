package stt

import (
	"strings"
	"sync"
)

// transcriptCollector accumulates final fragments from a streaming session
// and signals once the provider has committed the utterance
type transcriptCollector struct {
	mu          sync.Mutex
	parts       []string
	confidences []float64
	err         error
	done        chan struct{}
	closed      bool
}

func newTranscriptCollector() *transcriptCollector {
	return &transcriptCollector{done: make(chan struct{})}
}

// add records one result; interim results are ignored. speechFinal commits.
func (c *transcriptCollector) add(text string, confidence float64, isFinal, speechFinal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if isFinal {
		if t := strings.TrimSpace(text); t != "" {
			c.parts = append(c.parts, t)
			c.confidences = append(c.confidences, confidence)
		}
	}
	if speechFinal {
		c.finishLocked(nil)
	}
}

// finish commits whatever has been collected; the first call wins
func (c *transcriptCollector) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(err)
}

func (c *transcriptCollector) finishLocked(err error) {
	if c.closed {
		return
	}
	c.err = err
	c.closed = true
	close(c.done)
}

func (c *transcriptCollector) result(language string) (*TranscriptionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil && len(c.parts) == 0 {
		return nil, c.err
	}

	res := &TranscriptionResult{
		Text:     strings.Join(c.parts, " "),
		Language: language,
		IsFinal:  true,
	}
	if len(c.confidences) > 0 {
		sum := 0.0
		for _, v := range c.confidences {
			sum += v
		}
		res.Confidence = sum / float64(len(c.confidences))
	}
	return res, nil
}
