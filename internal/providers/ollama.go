package providers

import (
	"context"
	"log/slog"
	"strings"
)

const (
	ollamaDefaultHost  = "http://localhost:11434"
	ollamaDefaultModel = "qwen3"
)

// OllamaProvider wraps OpenAIProvider against a local Ollama daemon's
// compatible endpoint. Small local models stream tool calls unreliably,
// so ChatStream falls back to non-streaming Chat when tools are present
// and synthesizes the chunk callbacks.
type OllamaProvider struct {
	*OpenAIProvider
}

func NewOllamaProvider(host, defaultModel string) *OllamaProvider {
	if host == "" {
		host = ollamaDefaultHost
	}
	if defaultModel == "" {
		defaultModel = ollamaDefaultModel
	}
	base := strings.TrimRight(host, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return &OllamaProvider{
		OpenAIProvider: NewOpenAIProvider("ollama", "", base, defaultModel),
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	if len(req.Tools) > 0 {
		slog.Debug("ollama: tools present, falling back to non-streaming chat")
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		if onChunk != nil {
			if resp.Thinking != "" {
				onChunk(StreamChunk{Thinking: resp.Thinking})
			}
			if resp.Content != "" {
				onChunk(StreamChunk{Content: resp.Content})
			}
			onChunk(StreamChunk{Done: true})
		}
		return resp, nil
	}
	return p.OpenAIProvider.ChatStream(ctx, req, onChunk)
}
