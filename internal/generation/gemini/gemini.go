package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/chatsql/chatsql/internal/generation"
	"github.com/chatsql/chatsql/internal/prompt"
)

type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// Provider calls the Gemini API through the genai SDK.
type Provider struct {
	client *genai.Client
}

func New(ctx context.Context, cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:     strings.TrimSpace(cfg.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Complete(ctx context.Context, pr prompt.Prompt, cfg generation.ModelConfig) (string, error) {
	temperature := float32(cfg.Temperature)
	resp, err := p.client.Models.GenerateContent(ctx, cfg.Name, genai.Text(pr.User), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(pr.System, genai.RoleUser),
		Temperature:       &temperature,
	})
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty generate content response")
	}
	return text, nil
}
