package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
)

type ClaudeClient struct {
	client *anthropic.Client
	model  string
}

func NewClaudeClient(apiKey, model, baseURL string) *ClaudeClient {
	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	return &ClaudeClient{
		client: anthropic.NewClient(apiKey, opts...),
		model:  model,
	}
}

func (c *ClaudeClient) Name() string { return "claude" }

func (c *ClaudeClient) Generate(ctx context.Context, system, user string, opts GenerateOptions) (Response, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	req := anthropic.MessagesRequest{
		Model:  anthropic.Model(c.model),
		System: system,
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(user),
		},
		MaxTokens: maxTokens,
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		req.Temperature = &t
	}

	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		return Response{}, unavailable("claude", err)
	}

	var sb strings.Builder
	for _, part := range resp.Content {
		if part.Text != nil {
			sb.WriteString(*part.Text)
		}
	}
	if sb.Len() == 0 {
		return Response{}, fmt.Errorf("claude: %w", errEmptyResponse)
	}
	return Response{
		Text:       sb.String(),
		Model:      string(resp.Model),
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

// HealthCheck sends a one-token request; the Messages API has no cheaper probe.
func (c *ClaudeClient) HealthCheck(ctx context.Context) bool {
	_, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		Messages:  []anthropic.Message{anthropic.NewUserTextMessage("ping")},
		MaxTokens: 1,
	})
	return err == nil
}
