package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatsql/chatsql/internal/prompt"
)

type fakeProvider struct {
	reply string
	err   error
	wait  bool
	seen  prompt.Prompt
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, p prompt.Prompt, cfg ModelConfig) (string, error) {
	f.seen = p
	if f.wait {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, f.err
}

func TestClientGenerateParsesReply(t *testing.T) {
	provider := &fakeProvider{reply: "```sql\nSELECT 1;\n```"}
	client, err := NewClient(provider, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	candidate, err := client.Generate(context.Background(), prompt.Prompt{System: "s", User: "u"}, ModelConfig{Name: "m", ReadOnly: true})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if candidate.SQL != "SELECT 1" || candidate.Provider != "fake" || candidate.Model != "m" {
		t.Fatalf("unexpected candidate: %+v", candidate)
	}
	if provider.seen.User != "u" {
		t.Fatalf("provider saw prompt %+v", provider.seen)
	}
}

func TestClientGenerateMapsProviderFailureToUnavailable(t *testing.T) {
	client, _ := NewClient(&fakeProvider{err: errors.New("503 service unavailable")}, nil)
	_, err := client.Generate(context.Background(), prompt.Prompt{}, ModelConfig{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Generate() error = %v, want ErrUnavailable", err)
	}
	if errors.Is(err, ErrMalformed) {
		t.Fatal("unavailable error must not match ErrMalformed")
	}
}

func TestClientGenerateTimeoutIsUnavailable(t *testing.T) {
	client, _ := NewClient(&fakeProvider{wait: true}, nil)
	_, err := client.Generate(context.Background(), prompt.Prompt{}, ModelConfig{Timeout: 10 * time.Millisecond})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Generate() error = %v, want ErrUnavailable", err)
	}
}

func TestClientGenerateReturnsParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client, _ := NewClient(&fakeProvider{reply: "SELECT 1"}, nil)
	if _, err := client.Generate(ctx, prompt.Prompt{}, ModelConfig{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Generate() error = %v, want context.Canceled", err)
	}
}

func TestClientGenerateMalformedReply(t *testing.T) {
	client, _ := NewClient(&fakeProvider{reply: "Sorry, I can't help."}, nil)
	_, err := client.Generate(context.Background(), prompt.Prompt{}, ModelConfig{})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Generate() error = %v, want ErrMalformed", err)
	}
}
