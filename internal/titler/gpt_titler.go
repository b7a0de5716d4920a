package titler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type GPTResponse struct {
	Title string `json:"title"`
}

type GPTTitler struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	maxLength   int
	logger      *zap.Logger
}

func NewGPTTitler(apiKey string, model string, maxTokens int, temperature float64, logger *zap.Logger) *GPTTitler {
	return NewGPTTitlerWithConfig(openai.DefaultConfig(apiKey), model, maxTokens, temperature, logger)
}

// NewGPTTitlerWithConfig allows pointing the client at another
// OpenAI-compatible endpoint.
func NewGPTTitlerWithConfig(cfg openai.ClientConfig, model string, maxTokens int, temperature float64, logger *zap.Logger) *GPTTitler {
	return &GPTTitler{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		maxLength:   DefaultMaxLength,
		logger:      logger,
	}
}

func (t *GPTTitler) Title(ctx context.Context, firstMessage string) string {
	prompt := fmt.Sprintf(`Write a short title (at most %d characters) for a troubleshooting conversation that starts with the message below.

Return the response as a JSON object with this structure:
{
    "title": "short_title"
}

Message: %s`, t.maxLength, firstMessage)

	resp, err := t.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: t.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   t.maxTokens,
			Temperature: float32(t.temperature),
		},
	)
	if err != nil {
		t.logger.Error("Failed to get GPT response", zap.Error(err))
		return t.fallbackTitle(ctx, firstMessage)
	}
	if len(resp.Choices) == 0 {
		t.logger.Error("GPT response has no choices")
		return t.fallbackTitle(ctx, firstMessage)
	}

	var gptResponse GPTResponse
	response := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(response), &gptResponse); err != nil {
		t.logger.Error("Failed to parse GPT response",
			zap.Error(err),
			zap.String("response", response))
		return t.fallbackTitle(ctx, firstMessage)
	}

	title := strings.TrimSpace(gptResponse.Title)
	if title == "" {
		return t.fallbackTitle(ctx, firstMessage)
	}
	return NewSimpleTitler(t.maxLength).Title(ctx, title)
}

// Fallback to truncation if GPT fails
func (t *GPTTitler) fallbackTitle(ctx context.Context, firstMessage string) string {
	return NewSimpleTitler(t.maxLength).Title(ctx, firstMessage)
}
