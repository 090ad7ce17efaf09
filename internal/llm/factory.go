package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agenthands/readbuddy/internal/config"
	"github.com/agenthands/readbuddy/internal/logger"
	"github.com/agenthands/readbuddy/internal/metrics"
)

const healthTimeout = 5 * time.Second

// NewProvider builds the configured backend. Ollama, vLLM and other local
// servers all go through the OpenAI-compatible client.
func NewProvider(ctx context.Context, cfg config.LLMConfig, log *logger.Logger) (Provider, error) {
	if log == nil {
		log = logger.Nop()
	}
	provider := strings.ToLower(cfg.Provider)

	var p Provider
	switch provider {
	case "openai":
		p = NewOpenAIClient(provider, cfg.APIKey, cfg.Model, cfg.Endpoint)

	case "ollama", "vllm", "openai_compat":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = provider // ignored by local servers but required by the client
		}
		baseURL := compatBaseURL(cfg.Endpoint)
		log.Info("using OpenAI-compatible API", "provider", provider, "base_url", baseURL)
		p = NewOpenAIClient(provider, apiKey, cfg.Model, baseURL)

	case "claude":
		p = NewClaudeClient(cfg.APIKey, cfg.Model, cfg.Endpoint)

	case "gemini":
		c, err := NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		p = c

	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}

	return &Instrumented{
		Provider: p,
		Timeout:  cfg.Timeout(),
		Defaults: GenerateOptions{Temperature: float32(cfg.Temperature), MaxTokens: cfg.MaxTokens},
		Log:      log,
	}, nil
}

func compatBaseURL(endpoint string) string {
	base := strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}

// Instrumented applies the configured timeout and default sampling options,
// and counts requests.
type Instrumented struct {
	Provider
	Timeout  time.Duration
	Defaults GenerateOptions
	Log      *logger.Logger
}

func (p *Instrumented) Generate(ctx context.Context, system, user string, opts GenerateOptions) (Response, error) {
	if opts.Temperature == 0 {
		opts.Temperature = p.Defaults.Temperature
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = p.Defaults.MaxTokens
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.Provider.Generate(ctx, system, user, opts)
	if err != nil {
		metrics.LLMRequests.WithLabelValues(p.Name(), "error").Inc()
		if p.Log != nil {
			p.Log.Warn("llm request failed", "provider", p.Name(), "error", err)
		}
		return resp, err
	}
	metrics.LLMRequests.WithLabelValues(p.Name(), "ok").Inc()
	if p.Log != nil {
		p.Log.Debug("llm request", "provider", p.Name(), "tokens", resp.TokensUsed, "took", time.Since(start))
	}
	return resp, nil
}

func (p *Instrumented) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	ok := p.Provider.HealthCheck(ctx)
	if !ok && p.Log != nil {
		p.Log.Warn("llm provider not reachable", "provider", p.Name())
	}
	return ok
}
