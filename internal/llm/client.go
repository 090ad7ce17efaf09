package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrProviderUnavailable marks any failure to get a completion out of the
// model backend: connection refused, timeout, 5xx, bad credentials.
// Callers fall back (extraction) or report "offline" (chat).
var ErrProviderUnavailable = errors.New("llm provider unavailable")

type GenerateOptions struct {
	Temperature float32
	MaxTokens   int
}

type Response struct {
	Text       string
	Model      string
	TokensUsed int
}

type Provider interface {
	Generate(ctx context.Context, system, user string, opts GenerateOptions) (Response, error)
	HealthCheck(ctx context.Context) bool
	Name() string
}

func unavailable(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out: %v", ErrProviderUnavailable, provider, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, provider, err)
}

var errEmptyResponse = errors.New("empty response from model")
