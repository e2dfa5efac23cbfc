// Package openai implements the OpenAI chat surface as an API adapter.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/probelab/surveyor/pkg/surface"
)

func init() {
	surface.Register("openai", func(cfg surface.Config) (surface.Adapter, error) {
		return New(cfg)
	})
}

// Surface submits queries to the OpenAI chat completions API.
type Surface struct {
	client    openai.Client
	model     string
	transform string
}

// New creates the adapter. cfg.APIKey is required; cfg.Model defaults to
// gpt-4o; cfg.BaseURL overrides the API endpoint for compatible gateways.
func New(cfg surface.Config) (*Surface, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = string(openai.ChatModelGPT4o)
	}

	return &Surface{
		client:    openai.NewClient(opts...),
		model:     model,
		transform: cfg.PromptTransform,
	}, nil
}

// Submit sends the query as a single user message and returns the assistant
// text. The session's HTTP client is not used; the SDK owns its transport.
func (s *Surface) Submit(ctx context.Context, _ surface.Session, query string, timeout time.Duration) (*surface.Result, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessageParamUnion{}
	if s.transform != "" {
		messages = append(messages, openai.SystemMessage(s.transform))
	}
	messages = append(messages, openai.UserMessage(query))

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(s.model),
		Messages: messages,
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("OpenAI API status %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %v", surface.ErrTransport, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", surface.ErrEmptyResponse)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, fmt.Errorf("%w: blank completion", surface.ErrEmptyResponse)
	}

	return &surface.Result{
		Text:     text,
		Duration: time.Since(start),
	}, nil
}

// Name returns the surface identifier.
func (s *Surface) Name() string { return "openai" }

// Kind reports this is a stateless API adapter.
func (s *Surface) Kind() surface.Kind { return surface.KindAPI }
