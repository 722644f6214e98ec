package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/call-coordinator/internal/audio"
	"github.com/lexiqai/call-coordinator/internal/config"
)

// 200ms of 8kHz μ-law
const auraReadChunk = 1600

// AuraClient implements Provider with Deepgram's Aura speak endpoint, which
// can emit telephony μ-law directly
type AuraClient struct {
	apiKey     string
	speakURL   string
	model      string
	httpClient *http.Client
}

// NewAuraClient creates a Deepgram Aura TTS client
func NewAuraClient(cfg *config.Config) *AuraClient {
	return &AuraClient{
		apiKey:     cfg.DeepgramAPIKey,
		speakURL:   cfg.DeepgramSpeakURL,
		model:      cfg.DeepgramTTSModel,
		httpClient: &http.Client{},
	}
}

// Name returns the provider name
func (a *AuraClient) Name() string {
	return "deepgram-aura"
}

// Synthesize streams μ-law audio for text
func (a *AuraClient) Synthesize(ctx context.Context, text string, voice VoiceParams) (<-chan *AudioChunk, error) {
	model := voice.VoiceID
	if model == "" {
		model = a.model
	}

	u, err := url.Parse(a.speakURL)
	if err != nil {
		return nil, fmt.Errorf("invalid speak URL: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", strconv.Itoa(audio.TelephonySampleRate))
	q.Set("container", "none")
	u.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("deepgram speak returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	audioChan := make(chan *AudioChunk, 8)

	go func() {
		defer close(audioChan)
		defer resp.Body.Close()

		total := 0
		for {
			buf := make([]byte, auraReadChunk)
			n, readErr := io.ReadFull(resp.Body, buf)
			if n > 0 {
				total += n
				if !sendChunk(ctx, audioChan, &AudioChunk{Data: buf[:n], SampleRate: audio.TelephonySampleRate, Channels: 1}) {
					return
				}
			}
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			if readErr != nil {
				sendChunk(ctx, audioChan, &AudioChunk{Err: fmt.Errorf("deepgram speak stream: %w", readErr)})
				return
			}
		}

		if total == 0 {
			sendChunk(ctx, audioChan, &AudioChunk{Err: errors.New("deepgram speak returned empty audio")})
			return
		}
		log.Debug().Str("provider", "deepgram-aura").Int("bytes", total).Msg("Synthesis complete")
	}()

	return audioChan, nil
}
