package vision

import (
	"context"
	"encoding/base64"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are a precise OMR answer-sheet reader. You only ever reply with one JSON object."

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint that
// accepts image parts.
type OpenAIClient struct {
	api   *openai.Client
	model string
}

// NewOpenAI creates an OpenAI-compatible vision client.
func NewOpenAI(baseURL, apiKey, modelName string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIClient{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

// Ping checks that the endpoint answers and lists models.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Complete sends the prompt and image and returns the raw reply text.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	dataURL := "data:" + req.MIME + ";base64," + base64.StdEncoding.EncodeToString(req.Image)

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: req.Prompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
