package telephony

import (
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/call-coordinator/internal/session"
)

type outboundMedia struct {
	Payload string `json:"payload"`
}

// outboundMessage is a media or clear event sent to Twilio
type outboundMessage struct {
	Event     string         `json:"event"`
	StreamSid string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
}

// twilioWriter implements session.MediaWriter over a Media Streams socket.
// Frames are queued and written by a single goroutine; a full queue is
// reported as backpressure rather than blocking the pump.
type twilioWriter struct {
	conn      *websocket.Conn
	streamSid string
	timeout   time.Duration
	logger    zerolog.Logger

	out     chan outboundMessage
	writeMu sync.Mutex

	done      chan struct{}
	exited    chan struct{}
	started   bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func newTwilioWriter(conn *websocket.Conn, streamSid string, buffer int, timeout time.Duration, logger zerolog.Logger) *twilioWriter {
	if buffer <= 0 {
		buffer = 1
	}
	return &twilioWriter{
		conn:      conn,
		streamSid: streamSid,
		timeout:   timeout,
		logger:    logger,
		out:       make(chan outboundMessage, buffer),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
}

func (w *twilioWriter) start() {
	w.started = true
	go w.run()
}

func (w *twilioWriter) run() {
	defer close(w.exited)
	for {
		select {
		case <-w.done:
			return
		case msg := <-w.out:
			if err := w.write(msg); err != nil {
				w.logger.Warn().Err(err).Msg("Failed to send audio to Twilio")
				w.closed.Store(true)
				return
			}
		}
	}
}

func (w *twilioWriter) write(msg outboundMessage) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.WriteJSON(msg)
}

// WriteFrame queues one μ-law frame without blocking
func (w *twilioWriter) WriteFrame(payload []byte) error {
	if w.closed.Load() {
		return session.ErrChannelClosed
	}
	msg := outboundMessage{
		Event:     "media",
		StreamSid: w.streamSid,
		Media:     &outboundMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
	}
	select {
	case w.out <- msg:
		return nil
	default:
		return session.ErrBackpressure
	}
}

// Clear drops queued frames and tells Twilio to flush what it has buffered
func (w *twilioWriter) Clear() error {
	if w.closed.Load() {
		return session.ErrChannelClosed
	}
drain:
	for {
		select {
		case <-w.out:
		default:
			break drain
		}
	}
	if w.conn == nil {
		return nil
	}
	return w.write(outboundMessage{Event: "clear", StreamSid: w.streamSid})
}

// Close stops the writer and closes the socket, which hangs up the stream
func (w *twilioWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.done)
		if w.started {
			<-w.exited
		}
		if w.conn == nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"), deadline)
		err = w.conn.Close()
	})
	return err
}
