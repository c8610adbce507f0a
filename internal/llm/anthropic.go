package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int
	timeout   time.Duration
	log       *slog.Logger
}

func NewAnthropic(cfg Config, key string, log *slog.Logger) *Anthropic {
	opts := []aoption.RequestOption{
		aoption.WithAPIKey(key),
		aoption.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, aoption.WithBaseURL(base))
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		log:       log,
	}
}

func (a *Anthropic) Provider() string { return ProviderAnthropic }
func (a *Anthropic) Model() string    { return a.model }

func (a *Anthropic) Generate(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	return callWithRetry(ctx, a.log, ProviderAnthropic, a.timeout, func(ctx context.Context) (string, error) {
		msg, err := a.client.Messages.New(ctx, params)
		if err != nil {
			var apiErr *anthropic.Error
			if errors.As(err, &apiErr) {
				return "", statusError(ProviderAnthropic, apiErr.StatusCode, err)
			}
			return "", transportError(ProviderAnthropic, err)
		}
		var parts []string
		for _, block := range msg.Content {
			if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
				parts = append(parts, tb.Text)
			}
		}
		return strings.Join(parts, "\n"), nil
	})
}

func (a *Anthropic) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	return err == nil
}
