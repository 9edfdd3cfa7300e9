package llm

import (
	"context"
	"errors"
	"io"

	goopenai "github.com/sashabaranov/go-openai"
)

var errMissingKey = errors.New("API key is required")

// CompatibleConfig configures any OpenAI-compatible chat endpoint
// (vLLM, Ollama, DeepSeek, Azure OpenAI, ...).
type CompatibleConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// CompatibleProvider streams from an OpenAI-compatible endpoint.
type CompatibleProvider struct {
	client *goopenai.Client
	model  string
}

func NewCompatibleProvider(cfg CompatibleConfig) (*CompatibleProvider, error) {
	if cfg.BaseURL == "" {
		return nil, &Error{Provider: "openai-compatible", Op: "init", Err: errors.New("base URL is required")}
	}
	if cfg.Model == "" {
		return nil, &Error{Provider: "openai-compatible", Op: "init", Err: errors.New("model is required")}
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	return &CompatibleProvider{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

func (p *CompatibleProvider) Name() string { return "openai-compatible" }

func (p *CompatibleProvider) Stream(ctx context.Context, req *Request) (TokenStream, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyRequest
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: string(m.Role), Content: m.Text})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, &Error{Provider: p.Name(), Op: "create stream", Err: err}
	}
	return &compatibleStream{stream: stream}, nil
}

type compatibleStream struct {
	stream *goopenai.ChatCompletionStream
	token  string
	err    error
}

func (s *compatibleStream) Next() bool {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return false
		}
		if err != nil {
			s.err = &Error{Provider: "openai-compatible", Op: "stream", Err: err}
			return false
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			s.token = delta
			return true
		}
	}
}

func (s *compatibleStream) Token() string { return s.token }

func (s *compatibleStream) Err() error { return s.err }

func (s *compatibleStream) Close() error {
	s.stream.Close()
	return nil
}
