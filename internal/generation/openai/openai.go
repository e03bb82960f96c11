package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	oa "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/chatsql/chatsql/internal/generation"
	"github.com/chatsql/chatsql/internal/prompt"
)

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Provider talks to any OpenAI-compatible chat completions endpoint.
type Provider struct {
	client oa.Client
}

func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/") + "/"
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Provider{client: oa.NewClient(opts...)}, nil
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Complete(ctx context.Context, pr prompt.Prompt, cfg generation.ModelConfig) (string, error) {
	params := oa.ChatCompletionNewParams{
		Model: oa.ChatModel(cfg.Name),
		Messages: []oa.ChatCompletionMessageParamUnion{
			oa.SystemMessage(pr.System),
			oa.UserMessage(pr.User),
		},
		Temperature: oa.Float(cfg.Temperature),
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return resp.Choices[0].Message.Content, nil
}
