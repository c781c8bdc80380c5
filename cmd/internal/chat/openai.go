package chat

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	DefaultModel = "gpt-3.5-turbo"

	systemPrompt = "You are a helpful voice assistant. Keep your responses concise and conversational, as they will be spoken aloud. Be friendly and natural."
)

var ErrEmptyReply = errors.New("chat: model returned no content")

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIResponder calls the chat completions API.
type OpenAIResponder struct {
	client openai.Client
	model  string
}

// NewOpenAIResponder returns nil when no API key is configured.
func NewOpenAIResponder(cfg OpenAIConfig, extra ...option.RequestOption) *OpenAIResponder {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}

	opts := []option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	opts = append(opts, extra...)

	return &OpenAIResponder{client: openai.NewClient(opts...), model: model}
}

func (r *OpenAIResponder) Reply(ctx context.Context, message string) (string, error) {
	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(message),
		},
		Model:       openai.ChatModel(r.model),
		Temperature: openai.Float(0.7),
		MaxTokens:   openai.Int(150),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyReply
	}
	return resp.Choices[0].Message.Content, nil
}
