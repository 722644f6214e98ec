package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog/log"

	"github.com/lexiqai/call-coordinator/internal/audio"
	"github.com/lexiqai/call-coordinator/internal/config"
	"github.com/lexiqai/call-coordinator/internal/resilience"
)

const (
	// 100ms of 8kHz μ-law per websocket write
	deepgramWriteChunk = 800
	// trailing silence that lets the endpointer commit the last word
	deepgramTailSilence = 400 * time.Millisecond
)

var errDeepgramConnect = errors.New("deepgram websocket connect failed")

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	collector *transcriptCollector
}

// Message feeds transcription results into the collector
func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return nil
	}
	alt := msg.Channel.Alternatives[0]
	m.collector.add(alt.Transcript, alt.Confidence, msg.IsFinal, msg.SpeechFinal)
	return nil
}

// UtteranceEnd commits the utterance when endpointing did not
func (m *messageCallbackHandler) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	m.collector.finish(nil)
	return nil
}

// Close commits whatever arrived before the server hung up
func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.collector.finish(nil)
	return nil
}

// Error fails the transcription
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.collector.finish(fmt.Errorf("deepgram error: %+v", *errorResponse))
	return nil
}

// DeepgramClient implements Provider with one Deepgram live session per
// utterance. Segments are short, so the session lives for well under a second
// of wall time.
type DeepgramClient struct {
	apiKey    string
	model     string
	language  string
	reconnect *resilience.ReconnectConfig
}

// NewDeepgramClient creates a new Deepgram streaming client
func NewDeepgramClient(cfg *config.Config) *DeepgramClient {
	return &DeepgramClient{
		apiKey:   cfg.DeepgramAPIKey,
		model:    cfg.DeepgramModel,
		language: cfg.DeepgramLanguage,
		reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     config.Millis(cfg.ReconnectBackoff),
			Multiplier:  2.0,
			MaxBackoff:  2 * time.Second,
		},
	}
}

// Name returns the provider name
func (d *DeepgramClient) Name() string {
	return "deepgram"
}

// Transcribe streams the segment to Deepgram and waits for the committed text
func (d *DeepgramClient) Transcribe(ctx context.Context, segment []byte, languageHint string) (*TranscriptionResult, error) {
	if len(segment) == 0 {
		return nil, ErrEmptySegment
	}

	language := languageHint
	if language == "" {
		language = d.language
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "mulaw",
		Channels:       1,
		SampleRate:     audio.TelephonySampleRate,
	}

	collector := newTranscriptCollector()
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		collector:              collector,
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := listenClient.NewWSUsingCallback(connCtx, d.apiKey, &interfaces.ClientOptions{}, tOptions, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	err = resilience.Reconnect(ctx, "deepgram", func() error {
		if !client.Connect() {
			return errDeepgramConnect
		}
		return nil
	}, d.reconnect)
	if err != nil {
		return nil, err
	}
	defer client.Stop()

	tail := make([]byte, audio.BytesPerFrame(audio.EncodingMulaw, audio.TelephonySampleRate, deepgramTailSilence))
	for i := range tail {
		tail[i] = 0xFF
	}
	payload := append(append(make([]byte, 0, len(segment)+len(tail)), segment...), tail...)

	for off := 0; off < len(payload); off += deepgramWriteChunk {
		end := off + deepgramWriteChunk
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := client.Write(payload[off:end]); err != nil {
			return nil, fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
	}

	select {
	case <-collector.done:
	case <-ctx.Done():
		collector.finish(ctx.Err())
	}

	res, err := collector.result(language)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("provider", "deepgram").
		Int("segment_bytes", len(segment)).
		Float64("confidence", res.Confidence).
		Msg("Transcription complete")
	return res, nil
}
