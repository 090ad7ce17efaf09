package llm

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to any OpenAI-compatible chat endpoint: OpenAI itself,
// vLLM, llama.cpp server, LM Studio and Ollama's /v1 API.
type OpenAIClient struct {
	client *openai.Client
	model  string
	name   string
}

func NewOpenAIClient(name, apiKey, model, baseURL string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(config),
		model:  model,
		name:   name,
	}
}

func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) Generate(ctx context.Context, system, user string, opts GenerateOptions) (Response, error) {
	var msgs []openai.ChatCompletionMessage
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return Response{}, unavailable(c.name, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%s: %w", c.name, errEmptyResponse)
	}
	return Response{
		Text:       resp.Choices[0].Message.Content,
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// HealthCheck lists models; every compatible server implements /models.
func (c *OpenAIClient) HealthCheck(ctx context.Context) bool {
	_, err := c.client.ListModels(ctx)
	return err == nil
}
