// Package llm talks to the downstream text-generation backend used for
// summarization: a local Ollama daemon, any OpenAI-compatible endpoint, or
// Anthropic.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ErrUnavailable means the backend could not be reached or refused to serve
// the request. Callers may queue the work and retry later.
var ErrUnavailable = errors.New("downstream unavailable")

const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	DefaultModel     = "mistral:7b-instruct-q4_0"
	DefaultOllamaURL = "http://localhost:11434"
	DefaultTimeout   = 30 * time.Second
	healthTimeout    = 5 * time.Second
	retryFactor      = 1.5
)

// Generator produces a completion for a single prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Healthy(ctx context.Context) bool
	Provider() string
	Model() string
}

type Config struct {
	Provider  string
	BaseURL   string
	Model     string
	APIKeyEnv string
	Timeout   time.Duration
	MaxTokens int
}

// New builds the configured backend.
func New(cfg Config, log *slog.Logger) (Generator, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", ProviderOllama:
		if cfg.Model == "" {
			cfg.Model = DefaultModel
		}
		return NewOllama(cfg, log)
	case ProviderOpenAI:
		if cfg.Model == "" {
			return nil, errors.New("openai provider requires downstream.model")
		}
		return NewOpenAI(cfg, apiKey(cfg.APIKeyEnv, "OPENAI_API_KEY"), log), nil
	case ProviderAnthropic:
		if cfg.Model == "" {
			return nil, errors.New("anthropic provider requires downstream.model")
		}
		key := apiKey(cfg.APIKeyEnv, "ANTHROPIC_API_KEY")
		if key == "" {
			return nil, errors.New("missing anthropic api key")
		}
		return NewAnthropic(cfg, key, log), nil
	default:
		return nil, fmt.Errorf("unsupported downstream provider %q", cfg.Provider)
	}
}

func apiKey(env, fallback string) string {
	if env == "" {
		env = fallback
	}
	return strings.TrimSpace(os.Getenv(env))
}

type attemptFunc func(ctx context.Context) (string, error)

// callWithRetry runs fn under timeout and retries it exactly once, with 1.5x
// the timeout, when the first attempt timed out. Any other failure is final.
func callWithRetry(ctx context.Context, log *slog.Logger, name string, timeout time.Duration, fn attemptFunc) (string, error) {
	out, err := attempt(ctx, timeout, fn)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if !isTimeout(err) {
		return "", err
	}
	log.Warn("downstream request timed out, retrying once", "backend", name, "timeout", timeout)
	out, err = attempt(ctx, time.Duration(float64(timeout)*retryFactor), fn)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	log.Error("downstream retry failed", "backend", name, "err", err)
	if errors.Is(err, ErrUnavailable) {
		return "", err
	}
	return "", fmt.Errorf("%w: %s request timed out after retry", ErrUnavailable, name)
}

func attempt(ctx context.Context, timeout time.Duration, fn attemptFunc) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// transportError classifies a failure that happened before any HTTP status
// was received.
func transportError(name string, err error) error {
	if isTimeout(err) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
}

// statusError maps a non-2xx status. Server-side and throttling statuses mean
// the backend is unavailable; other client errors are programming errors.
func statusError(name string, code int, err error) error {
	if code >= 500 || code == 429 || code == 408 {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, name, code)
	}
	if err != nil {
		return fmt.Errorf("%s returned %d: %w", name, code, err)
	}
	return fmt.Errorf("%s returned %d", name, code)
}
