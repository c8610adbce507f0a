package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// Ollama calls a local Ollama daemon through its official client, without
// streaming.
type Ollama struct {
	client  *api.Client
	model   string
	timeout time.Duration
	log     *slog.Logger
}

func NewOllama(cfg Config, log *slog.Logger) (*Ollama, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultOllamaURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("ollama base url: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ollama{
		client:  api.NewClient(u, &http.Client{}),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		log:     log,
	}, nil
}

func (o *Ollama) Provider() string { return ProviderOllama }
func (o *Ollama) Model() string    { return o.model }

func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	stream := false
	req := &api.GenerateRequest{Model: o.model, Prompt: prompt, Stream: &stream}
	return callWithRetry(ctx, o.log, ProviderOllama, o.timeout, func(ctx context.Context) (string, error) {
		var (
			out strings.Builder
			got bool
		)
		err := o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
			got = true
			out.WriteString(resp.Response)
			return nil
		})
		if err != nil {
			return "", ollamaError(err)
		}
		if !got {
			// The body ended before a response line arrived.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("%w: ollama returned no response", ErrUnavailable)
		}
		return out.String(), nil
	})
}

// Healthy lists the installed models.
func (o *Ollama) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	_, err := o.client.List(ctx)
	return err == nil
}

// ollamaError maps client failures onto the same classes as the HTTP
// backends: statuses through statusError, everything else as transport.
func ollamaError(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		return statusError(ProviderOllama, se.StatusCode, errors.New(se.ErrorMessage))
	}
	return transportError(ProviderOllama, err)
}
