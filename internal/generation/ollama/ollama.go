package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	lcollama "github.com/tmc/langchaingo/llms/ollama"

	"github.com/chatsql/chatsql/internal/generation"
	"github.com/chatsql/chatsql/internal/prompt"
)

type Config struct {
	ServerURL  string
	Model      string
	HTTPClient *http.Client
}

// Provider runs prompts against a locally hosted Ollama model.
type Provider struct {
	llm *lcollama.LLM
}

func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	opts := []lcollama.Option{
		lcollama.WithServerURL(strings.TrimSpace(cfg.ServerURL)),
		lcollama.WithModel(strings.TrimSpace(cfg.Model)),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, lcollama.WithHTTPClient(cfg.HTTPClient))
	}
	llm, err := lcollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return &Provider{llm: llm}, nil
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) Complete(ctx context.Context, pr prompt.Prompt, cfg generation.ModelConfig) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, pr.System),
		llms.TextParts(llms.ChatMessageTypeHuman, pr.User),
	}
	callOpts := []llms.CallOption{llms.WithTemperature(cfg.Temperature)}
	if name := strings.TrimSpace(cfg.Name); name != "" {
		callOpts = append(callOpts, llms.WithModel(name))
	}
	resp, err := p.llm.GenerateContent(ctx, messages, callOpts...)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty ollama response")
	}
	return resp.Choices[0].Content, nil
}
