package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/lexiqai/call-coordinator/internal/conversation"
)

// GeminiClient implements Provider with the Gemini API
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini client. baseURL overrides the API endpoint
// and is empty in production.
func NewGeminiClient(ctx context.Context, apiKey, model, baseURL string) (*GeminiClient, error) {
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Name returns the provider name
func (g *GeminiClient) Name() string {
	return "gemini"
}

// Generate sends the windowed history as alternating user/model contents
func (g *GeminiClient) Generate(ctx context.Context, history []conversation.Turn, sc SystemContext) (*Response, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, t := range history {
		role := genai.Role(genai.RoleUser)
		if t.Speaker == conversation.SpeakerAgent {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	if sc.Greeting || len(contents) == 0 {
		contents = append(contents, genai.NewContentFromText(greetingInstruction, genai.RoleUser))
	}

	prompt := sc.Prompt
	if sc.Language != "" {
		prompt += "\nRespond in language: " + sc.Language + "."
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(prompt, genai.RoleUser),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, errors.New("gemini returned no text")
	}
	return &Response{Text: text, Language: sc.Language}, nil
}
