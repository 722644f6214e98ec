// Package telephony terminates Twilio Media Streams websockets and maps their
// events onto the session registry.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/lexiqai/call-coordinator/internal/audio"
	"github.com/lexiqai/call-coordinator/internal/config"
	"github.com/lexiqai/call-coordinator/internal/observability"
	"github.com/lexiqai/call-coordinator/internal/providers"
	"github.com/lexiqai/call-coordinator/internal/session"
)

// TwilioMessage represents a message from Twilio Media Streams
type TwilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Media          *TwilioMedia `json:"media,omitempty"`
	Start          *TwilioStart `json:"start,omitempty"`
	Stop           *TwilioStop  `json:"stop,omitempty"`
	Mark           *TwilioMark  `json:"mark,omitempty"`
}

// TwilioMedia represents the media payload in a media event
type TwilioMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`     // sequence number, not audio
	Timestamp string `json:"timestamp"` // milliseconds since stream start
	Payload   string `json:"payload"`   // base64 μ-law
}

// TwilioStart represents the start event payload
type TwilioStart struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	StreamSid        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

// MediaFormat describes the stream encoding
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// TwilioStop represents the stop event payload
type TwilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// TwilioMark echoes a mark we sent
type TwilioMark struct {
	Name string `json:"name"`
}

// CallRegistry is the part of the session registry the media channel drives
type CallRegistry interface {
	CallStarted(ctx context.Context, callID string, cfg session.CallConfig, writer session.MediaWriter) (*session.CallSession, error)
	CallEnded(callID, reason string) bool
	PushFrame(callID string, frame audio.Frame) bool
}

// StreamConfig holds media channel limits
type StreamConfig struct {
	// InboundFramesPerSecond caps media events per connection; excess is dropped
	InboundFramesPerSecond int
	// WriteBuffer is the number of outbound messages queued per connection
	WriteBuffer  int
	WriteTimeout time.Duration
	ReadLimit    int64
}

// StreamConfigFromConfig derives media channel limits from service config
func StreamConfigFromConfig(cfg *config.Config) StreamConfig {
	return StreamConfig{
		InboundFramesPerSecond: cfg.InboundFramesPerSecond,
		WriteBuffer:            cfg.LookaheadFrames * 2,
		WriteTimeout:           config.Millis(cfg.BackpressureTimeoutMs),
		ReadLimit:              64 * 1024,
	}
}

// StreamManager accepts Twilio Media Streams connections
type StreamManager struct {
	registry CallRegistry
	cfg      StreamConfig
	upgrader websocket.Upgrader
}

// NewStreamManager creates a handler bound to the registry
func NewStreamManager(registry CallRegistry, cfg StreamConfig) *StreamManager {
	if cfg.InboundFramesPerSecond <= 0 {
		cfg.InboundFramesPerSecond = 100
	}
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 * 1024
	}
	return &StreamManager{
		registry: registry,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			// Twilio connects from its own edge; origin is not meaningful here
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP upgrades the request and runs the stream until it closes
func (m *StreamManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	s := &mediaStream{
		mgr:     m,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(m.cfg.InboundFramesPerSecond), m.cfg.InboundFramesPerSecond/2+1),
		logger:  observability.WithCorrelationID(observability.NewCorrelationID()),
	}
	s.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Twilio media stream connected")
	s.serve(r.Context())
}

// mediaStream is one websocket connection; only its read loop touches it
type mediaStream struct {
	mgr     *StreamManager
	conn    *websocket.Conn
	writer  *twilioWriter
	limiter *rate.Limiter
	logger  zerolog.Logger

	callID    string
	streamSid string
	startedAt time.Time
	dropped   int
}

func (s *mediaStream) serve(ctx context.Context) {
	s.conn.SetReadLimit(s.mgr.cfg.ReadLimit)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			s.end(session.ReasonChannelClosed)
			return
		}

		var msg TwilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse Twilio message")
			continue
		}

		switch msg.Event {
		case "connected":
			s.logger.Debug().Msg("Twilio stream handshake")

		case "start":
			if err := s.start(ctx, &msg); err != nil {
				s.logger.Error().Err(err).Msg("Failed to start call")
				return
			}

		case "media":
			s.media(msg.Media)

		case "mark":
			if msg.Mark != nil {
				s.logger.Debug().Str("mark", msg.Mark.Name).Msg("Playback mark reached")
			}

		case "stop":
			s.logger.Info().Int("dropped_frames", s.dropped).Msg("Twilio stream stopped")
			s.end(session.ReasonCallEnded)
			return

		default:
			s.logger.Debug().Str("event", msg.Event).Msg("Unknown Twilio event")
		}
	}
}

func (s *mediaStream) start(ctx context.Context, msg *TwilioMessage) error {
	if s.callID != "" {
		s.logger.Warn().Msg("Duplicate start event ignored")
		return nil
	}
	if msg.Start == nil || msg.Start.CallSid == "" {
		return errors.New("start event without callSid")
	}

	start := msg.Start
	s.streamSid = msg.StreamSid
	if s.streamSid == "" {
		s.streamSid = start.StreamSid
	}
	params := start.CustomParameters
	cfg := session.CallConfig{
		Selection: providers.Selection{
			STT:         params["stt"],
			LLM:         params["llm"],
			TTS:         params["tts"],
			FallbackTTS: params["tts_fallback"],
		},
		Language:     params["language"],
		VoiceID:      params["voice"],
		SystemPrompt: params["system_prompt"],
		StreamID:     s.streamSid,
	}

	s.logger = s.logger.With().Str("call_id", start.CallSid).Str("stream_sid", s.streamSid).Logger()
	s.writer = newTwilioWriter(s.conn, s.streamSid, s.mgr.cfg.WriteBuffer, s.mgr.cfg.WriteTimeout, s.logger)
	s.writer.start()

	if _, err := s.mgr.registry.CallStarted(ctx, start.CallSid, cfg, s.writer); err != nil {
		_ = s.writer.Close()
		return err
	}
	s.callID = start.CallSid
	s.startedAt = time.Now()
	s.logger.Info().
		Str("stt", cfg.Selection.STT).
		Str("llm", cfg.Selection.LLM).
		Str("tts", cfg.Selection.TTS).
		Msg("Call started")
	return nil
}

func (s *mediaStream) media(media *TwilioMedia) {
	if s.callID == "" || media == nil {
		return
	}
	if media.Track != "" && media.Track != "inbound" {
		return
	}
	if !s.limiter.Allow() {
		s.dropped++
		if s.dropped%50 == 1 {
			s.logger.Warn().Int("dropped_frames", s.dropped).Msg("Inbound media rate exceeded, dropping frames")
		}
		return
	}

	data, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil || len(data) == 0 {
		s.logger.Debug().Err(err).Msg("Failed to decode media payload")
		return
	}

	ts := time.Now()
	if ms, err := strconv.ParseInt(media.Timestamp, 10, 64); err == nil {
		ts = s.startedAt.Add(time.Duration(ms) * time.Millisecond)
	}

	s.mgr.registry.PushFrame(s.callID, audio.Frame{
		Data:      data,
		Timestamp: ts,
		Duration:  time.Duration(len(data)) * time.Second / audio.TelephonySampleRate,
	})
}

func (s *mediaStream) end(reason string) {
	if s.callID != "" {
		s.mgr.registry.CallEnded(s.callID, reason)
	}
	if s.writer != nil {
		_ = s.writer.Close()
	}
}
