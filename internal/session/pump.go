package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/call-coordinator/internal/audio"
	"github.com/lexiqai/call-coordinator/internal/observability"
	"github.com/lexiqai/call-coordinator/internal/tts"
)

// MediaWriter is the outbound half of a call's media channel
type MediaWriter interface {
	// WriteFrame hands one agent audio frame to the channel. It must not block:
	// ErrBackpressure means try again later, ErrChannelClosed means never.
	WriteFrame(payload []byte) error
	// Clear asks the far end to drop audio it has buffered but not yet played
	Clear() error
	// Close tears the channel down
	Close() error
}

// PumpConfig controls outbound pacing
type PumpConfig struct {
	FrameDuration       time.Duration
	FrameBytes          int
	QueueDepth          int
	MaxAge              time.Duration
	Prebuffer           int // frames released without pacing at utterance start
	Lookahead           int // frames framed ahead of the writer
	BackpressureTimeout time.Duration
	MaxWriteFailures    int
	// StreamTimeout bounds the wait for the next synthesis chunk
	StreamTimeout       time.Duration
}

// PlaybackOutcome is how an utterance left the pump
type PlaybackOutcome int

const (
	PlaybackCompleted PlaybackOutcome = iota
	PlaybackInterrupted
	PlaybackAborted
	PlaybackCancelled
)

func (o PlaybackOutcome) String() string {
	switch o {
	case PlaybackCompleted:
		return "completed"
	case PlaybackInterrupted:
		return "interrupted"
	case PlaybackAborted:
		return "aborted"
	case PlaybackCancelled:
		return "cancelled"
	}
	return "unknown"
}

// PlaybackResult summarises one Play call
type PlaybackResult struct {
	UtteranceID  string
	Outcome      PlaybackOutcome
	Reason       string
	FramesSent   int
	FirstFrameAt time.Time
	Err          error
}

var errInterrupted = errors.New("playback interrupted")

// Pump streams synthesized audio to the media channel at real-time pace.
// One utterance plays at a time; a second Play waits for the first.
type Pump struct {
	cfg     PumpConfig
	writer  MediaWriter
	queue   *audio.FrameQueue
	metrics *observability.Metrics
	log     zerolog.Logger
	onSent  func()

	playMu sync.Mutex

	// sendMu makes the interrupted check and the write one step
	sendMu        sync.Mutex
	interrupted   atomic.Bool
	agentSpeaking atomic.Bool
	active        atomic.Bool
	sent          atomic.Int64

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// NewPump creates the outbound pump for one call. onSent runs after every
// frame the channel accepts.
func NewPump(cfg PumpConfig, writer MediaWriter, m *observability.Metrics, logger zerolog.Logger, onSent func()) *Pump {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = audio.BytesPerFrame(audio.EncodingMulaw, audio.TelephonySampleRate, cfg.FrameDuration)
	}
	if cfg.Prebuffer <= 0 {
		cfg.Prebuffer = 1
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 10
	}
	if cfg.MaxWriteFailures <= 0 {
		cfg.MaxWriteFailures = 3
	}
	if cfg.BackpressureTimeout <= 0 {
		cfg.BackpressureTimeout = 5 * time.Second
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 5 * time.Second
	}

	p := &Pump{
		cfg:     cfg,
		writer:  writer,
		metrics: m,
		log:     logger,
		onSent:  onSent,
	}
	p.queue = audio.NewFrameQueue(audio.QueueConfig{
		MaxDepth: cfg.QueueDepth,
		MaxAge:   cfg.MaxAge,
		OnOverflow: func(n int) {
			m.RecordOverflow("outbound", n)
		},
	})
	p.active.Store(true)
	return p
}

// AgentSpeaking reports whether an utterance currently owns the pump
func (p *Pump) AgentSpeaking() bool {
	return p.agentSpeaking.Load()
}

// Interrupted reports whether the last utterance was cut off by Interrupt.
// It clears when the next utterance starts.
func (p *Pump) Interrupted() bool {
	return p.active.Load() && p.interrupted.Load()
}

// Sent returns the number of frames written over the pump's lifetime
func (p *Pump) Sent() int64 {
	return p.sent.Load()
}

// Play frames chunks and writes them at one frame per FrameDuration until the
// stream ends, the utterance is interrupted, or ctx is cancelled. An
// Interrupt that reported true always yields PlaybackInterrupted.
func (p *Pump) Play(ctx context.Context, utteranceID string, chunks <-chan *tts.AudioChunk) (res PlaybackResult) {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	res.UtteranceID = utteranceID
	if !p.active.Load() || ctx.Err() != nil {
		res.Outcome = PlaybackCancelled
		res.Reason = "inactive"
		return res
	}

	playCtx, cancel := context.WithCancel(ctx)
	p.cancelMu.Lock()
	p.cancel = cancel
	p.cancelMu.Unlock()

	p.queue.Clear()
	p.sendMu.Lock()
	p.interrupted.Store(false)
	p.agentSpeaking.Store(true)
	p.sendMu.Unlock()

	var prodErr error
	prodDone := make(chan struct{})
	go func() {
		defer close(prodDone)
		prodErr = p.produce(playCtx, chunks)
	}()

	defer func() {
		p.settle(&res)
		p.cancelMu.Lock()
		p.cancel = nil
		p.cancelMu.Unlock()
		cancel()
		<-prodDone
		p.queue.Clear()
	}()

	limiter := rate.NewLimiter(rate.Every(p.cfg.FrameDuration), p.cfg.Prebuffer)
	failures := 0

	for {
		if !p.active.Load() || ctx.Err() != nil {
			res.Outcome = PlaybackCancelled
			res.Reason = "inactive"
			return res
		}
		if p.interrupted.Load() {
			res.Outcome = PlaybackInterrupted
			res.Reason = "interrupted"
			return res
		}

		frame, ok := p.queue.Pop()
		if !ok {
			select {
			case <-prodDone:
				if p.queue.Len() > 0 {
					continue
				}
				if prodErr != nil && !errors.Is(prodErr, context.Canceled) {
					res.Outcome = PlaybackAborted
					res.Reason = "tts_stream"
					res.Err = fmt.Errorf("synthesis stream: %w", prodErr)
					return res
				}
				if prodErr == nil {
					res.Outcome = PlaybackCompleted
					return res
				}
				continue
			default:
			}
			p.waitQueue(playCtx)
			continue
		}

		if err := limiter.Wait(playCtx); err != nil {
			continue
		}

		err := p.send(playCtx, frame)
		switch {
		case err == nil:
			failures = 0
			if res.FramesSent == 0 {
				res.FirstFrameAt = time.Now()
			}
			res.FramesSent++
		case errors.Is(err, errInterrupted), errors.Is(err, context.Canceled):
			// classified at the top of the loop
		case errors.Is(err, ErrChannelClosed):
			res.Outcome = PlaybackAborted
			res.Reason = "channel_closed"
			res.Err = err
			return res
		case errors.Is(err, ErrBackpressure):
			res.Outcome = PlaybackAborted
			res.Reason = "backpressure"
			res.Err = err
			return res
		default:
			failures++
			p.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("Failed to write audio frame")
			if failures >= p.cfg.MaxWriteFailures {
				res.Outcome = PlaybackAborted
				res.Reason = "channel_write"
				res.Err = fmt.Errorf("%w: %v", ErrChannelWrite, err)
				return res
			}
		}
	}
}

// settle releases the floor. Interrupt and settle both run under sendMu, so
// whichever comes first decides the outcome.
func (p *Pump) settle(res *PlaybackResult) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.interrupted.Load() && p.active.Load() && res.Outcome != PlaybackInterrupted {
		res.Outcome = PlaybackInterrupted
		res.Reason = "interrupted"
		res.Err = nil
	}
	p.agentSpeaking.Store(false)
}

// produce frames the synthesis stream into the outbound queue, staying at most
// Lookahead frames ahead of the writer. A stream that goes quiet for longer
// than StreamTimeout fails with ErrProviderTimeout.
func (p *Pump) produce(ctx context.Context, chunks <-chan *tts.AudioChunk) error {
	framer := audio.NewFramer(p.cfg.FrameBytes, audio.EncodingMulaw)
	var seq uint64

	idle := time.NewTimer(p.cfg.StreamTimeout)
	defer idle.Stop()

	push := func(payload []byte) bool {
		for p.queue.Len() >= p.cfg.Lookahead {
			if !p.waitQueue(ctx) {
				return false
			}
		}
		seq++
		p.queue.Push(audio.Frame{Data: payload, Duration: p.cfg.FrameDuration, Seq: seq})
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return fmt.Errorf("%w: no synthesis audio for %s", ErrProviderTimeout, p.cfg.StreamTimeout)
		case chunk, ok := <-chunks:
			if !ok {
				if tail := framer.Flush(); tail != nil && !push(tail) {
					return ctx.Err()
				}
				return nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Err != nil {
				return chunk.Err
			}
			for _, payload := range framer.Write(chunk.Data) {
				if !push(payload) {
					return ctx.Err()
				}
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.StreamTimeout)
		}
	}
}

// waitQueue blocks for at most one frame duration; false once ctx is done
func (p *Pump) waitQueue(ctx context.Context) bool {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.FrameDuration)
	err := p.queue.Wait(waitCtx)
	cancel()
	return ctx.Err() == nil && !errors.Is(err, audio.ErrQueueClosed)
}

// send writes one frame, retrying while the channel reports backpressure
func (p *Pump) send(ctx context.Context, frame audio.Frame) error {
	var deadline time.Time
	for {
		err := p.writeOnce(frame.Data)
		if !errors.Is(err, ErrBackpressure) {
			return err
		}

		now := time.Now()
		if deadline.IsZero() {
			deadline = now.Add(p.cfg.BackpressureTimeout)
		} else if now.After(deadline) {
			return fmt.Errorf("%w: blocked for %s", ErrBackpressure, p.cfg.BackpressureTimeout)
		}

		t := time.NewTimer(p.cfg.FrameDuration)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (p *Pump) writeOnce(payload []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	if p.interrupted.Load() {
		return errInterrupted
	}
	if err := p.writer.WriteFrame(payload); err != nil {
		return err
	}
	p.sent.Add(1)
	p.metrics.RecordFrames("outbound", 1)
	if p.onSent != nil {
		p.onSent()
	}
	return nil
}

// Interrupt stops the current utterance. Once it returns no further frame of
// that utterance is written and AgentSpeaking is false. It reports whether an
// utterance was playing, in which case Play returns PlaybackInterrupted.
func (p *Pump) Interrupt() bool {
	p.sendMu.Lock()
	if !p.agentSpeaking.Load() {
		p.sendMu.Unlock()
		return false
	}
	p.interrupted.Store(true)
	p.agentSpeaking.Store(false)
	p.sendMu.Unlock()

	p.cancelMu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancelMu.Unlock()

	if dropped := p.queue.Clear(); dropped > 0 {
		p.log.Debug().Int("frames", dropped).Msg("Dropped queued agent audio")
	}
	if err := p.writer.Clear(); err != nil {
		p.log.Warn().Err(err).Msg("Failed to clear far-end audio buffer")
	}
	return true
}

// PurgeStale drops queued frames older than the maximum age
func (p *Pump) PurgeStale() int {
	return p.queue.PurgeStale()
}

// Deactivate stops the pump for good
func (p *Pump) Deactivate() {
	if !p.active.Swap(false) {
		return
	}
	p.interrupted.Store(true)
	p.sendMu.Lock()
	p.agentSpeaking.Store(false)
	p.sendMu.Unlock()

	p.cancelMu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancelMu.Unlock()
	p.queue.Close()
}
