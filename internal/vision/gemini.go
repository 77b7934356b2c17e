package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient sends pages to Google's Gemini models.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini vision client. Close releases it.
func NewGemini(ctx context.Context, apiKey, modelName string) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini API key is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: cl, model: strings.TrimSpace(modelName)}, nil
}

func (c *GeminiClient) Name() string { return "gemini" }

// Close releases the underlying connection.
func (c *GeminiClient) Close() error { return c.client.Close() }

// Complete sends the prompt and image and returns the concatenated text parts
// of the first candidate.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	m := c.client.GenerativeModel(c.model)
	m.SetTemperature(0)
	m.ResponseMIMEType = "application/json"
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	format := strings.TrimPrefix(req.MIME, "image/")
	resp, err := m.GenerateContent(ctx, genai.Text(req.Prompt), genai.ImageData(format, req.Image))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("gemini returned an empty reply")
	}
	return sb.String(), nil
}
