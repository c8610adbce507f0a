package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

// OpenAI targets any chat-completions compatible endpoint, including the
// /v1 surface of a local Ollama.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
	log       *slog.Logger
}

func NewOpenAI(cfg Config, key string, log *slog.Logger) *OpenAI {
	if key == "" {
		// Local OpenAI-compatible servers accept any key.
		key = "local"
	}
	opts := []ooption.RequestOption{
		ooption.WithAPIKey(key),
		ooption.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, ooption.WithBaseURL(base))
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		log:       log,
	}
}

func (o *OpenAI) Provider() string { return ProviderOpenAI }
func (o *OpenAI) Model() string    { return o.model }

func (o *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		MaxTokens: openai.Int(int64(o.maxTokens)),
	}
	return callWithRetry(ctx, o.log, ProviderOpenAI, o.timeout, func(ctx context.Context) (string, error) {
		resp, err := o.client.Chat.Completions.New(ctx, params)
		if err != nil {
			var apiErr *openai.Error
			if errors.As(err, &apiErr) {
				return "", statusError(ProviderOpenAI, apiErr.StatusCode, err)
			}
			return "", transportError(ProviderOpenAI, err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("openai returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
}

// Healthy lists models, which every compatible server implements.
func (o *OpenAI) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	_, err := o.client.Models.List(ctx)
	return err == nil
}
