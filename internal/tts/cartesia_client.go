package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/call-coordinator/internal/audio"
	"github.com/lexiqai/call-coordinator/internal/config"
)

const (
	cartesiaVersion    = "2024-06-10"
	cartesiaSampleRate = 24000
	// 100ms of 24kHz 16-bit PCM; a multiple of 6 bytes keeps 3:1 resampling aligned
	cartesiaReadChunk = 4800
)

// CartesiaClient implements Provider using Cartesia's bytes endpoint
type CartesiaClient struct {
	apiKey     string
	apiURL     string
	voiceID    string
	modelID    string
	httpClient *http.Client
}

// CartesiaRequest represents the request payload for Cartesia TTS API
type CartesiaRequest struct {
	ModelID      string              `json:"model_id"`
	Transcript   string              `json:"transcript"`
	Voice        cartesiaVoice       `json:"voice"`
	OutputFormat cartesiaAudioFormat `json:"output_format"`
	Language     string              `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaAudioFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	return &CartesiaClient{
		apiKey:     cfg.CartesiaAPIKey,
		apiURL:     cfg.CartesiaURL,
		voiceID:    cfg.CartesiaVoiceID,
		modelID:    cfg.CartesiaModelID,
		httpClient: &http.Client{},
	}
}

// Name returns the provider name
func (c *CartesiaClient) Name() string {
	return "cartesia"
}

// Synthesize requests 24kHz PCM and streams it back converted to 8kHz μ-law
func (c *CartesiaClient) Synthesize(ctx context.Context, text string, voice VoiceParams) (<-chan *AudioChunk, error) {
	voiceID := voice.VoiceID
	if voiceID == "" {
		voiceID = c.voiceID
	}

	reqBody := CartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: voiceID},
		OutputFormat: cartesiaAudioFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
		Language: voice.Language,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	audioChan := make(chan *AudioChunk, 8)

	go func() {
		defer close(audioChan)
		defer resp.Body.Close()

		buf := make([]byte, cartesiaReadChunk)
		total := 0
		for {
			n, readErr := io.ReadFull(resp.Body, buf)
			if n > 0 {
				// drop a dangling odd byte rather than fail the whole utterance
				pcm := buf[:n-n%2]
				if len(pcm) > 0 {
					pcmu, err := audio.ConvertPCMToPCMU(pcm, cartesiaSampleRate, audio.TelephonySampleRate)
					if err != nil {
						sendChunk(ctx, audioChan, &AudioChunk{Err: err})
						return
					}
					total += len(pcmu)
					if !sendChunk(ctx, audioChan, &AudioChunk{Data: pcmu, SampleRate: audio.TelephonySampleRate, Channels: 1}) {
						return
					}
				}
			}
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			if readErr != nil {
				sendChunk(ctx, audioChan, &AudioChunk{Err: fmt.Errorf("cartesia stream: %w", readErr)})
				return
			}
		}

		if total == 0 {
			sendChunk(ctx, audioChan, &AudioChunk{Err: errors.New("cartesia returned empty audio")})
			return
		}
		log.Debug().Str("provider", "cartesia").Int("bytes", total).Msg("Synthesis complete")
	}()

	return audioChan, nil
}
