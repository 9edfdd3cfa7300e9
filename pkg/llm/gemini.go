package llm

import (
	"context"
	"iter"
	"strings"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// GeminiProvider streams from the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, &Error{Provider: "gemini", Op: "init", Err: errMissingKey}
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGoogleAI,
	})
	if err != nil {
		return nil, &Error{Provider: "gemini", Op: "init", Err: err}
	}
	return &GeminiProvider{client: client, model: cfg.Model}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Stream(ctx context.Context, req *Request) (TokenStream, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyRequest
	}
	seq := p.client.Models.GenerateContentStream(ctx, p.model, geminiContents(req.Messages), geminiRequestConfig(req))
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop}, nil
}

func geminiContents(msgs []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Text}},
		})
	}
	return contents
}

// geminiRequestConfig carries only the system instruction; sampling is
// left at the model defaults.
func geminiRequestConfig(req *Request) *genai.GenerateContentConfig {
	if req.System == "" {
		return nil
	}
	return &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		},
	}
}

func collectGeminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var builder strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil || part.Text == "" {
				continue
			}
			builder.WriteString(part.Text)
		}
	}
	return builder.String()
}

type geminiStream struct {
	next  func() (*genai.GenerateContentResponse, error, bool)
	stop  func()
	token string
	err   error
}

func (s *geminiStream) Next() bool {
	for {
		resp, err, ok := s.next()
		if !ok {
			return false
		}
		if err != nil {
			s.err = &Error{Provider: "gemini", Op: "stream", Err: err}
			return false
		}
		if text := collectGeminiText(resp); text != "" {
			s.token = text
			return true
		}
	}
}

func (s *geminiStream) Token() string { return s.token }

func (s *geminiStream) Err() error { return s.err }

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}
