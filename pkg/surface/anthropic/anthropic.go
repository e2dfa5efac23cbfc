// Package anthropic implements the Anthropic chat surface as an API adapter.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/probelab/surveyor/pkg/surface"
)

func init() {
	surface.Register("anthropic", func(cfg surface.Config) (surface.Adapter, error) {
		return New(cfg)
	})
}

const defaultMaxTokens = 4096

// Surface submits queries to the Anthropic messages API.
type Surface struct {
	client    anthropic.Client
	model     string
	transform string
}

// New creates the adapter. cfg.APIKey is required.
func New(cfg surface.Config) (*Surface, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}

	model := cfg.Model
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}

	return &Surface{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     model,
		transform: cfg.PromptTransform,
	}, nil
}

// Submit sends the query as a single user message and concatenates the text
// blocks of the reply.
func (s *Surface) Submit(ctx context.Context, _ surface.Session, query string, timeout time.Duration) (*surface.Result, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(query)),
		},
	}
	if s.transform != "" {
		params.System = []anthropic.TextBlockParam{{Text: s.transform}}
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("anthropic API status %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %v", surface.ErrTransport, err)
	}

	var parts []string
	for _, block := range resp.Content {
		if text := block.AsText(); text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return nil, fmt.Errorf("%w: no text blocks", surface.ErrEmptyResponse)
	}

	return &surface.Result{
		Text:     text,
		Duration: time.Since(start),
	}, nil
}

// Name returns the surface identifier.
func (s *Surface) Name() string { return "anthropic" }

// Kind reports this is a stateless API adapter.
func (s *Surface) Kind() surface.Kind { return surface.KindAPI }
