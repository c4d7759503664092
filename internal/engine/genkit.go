package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/parleyhq/parley/internal/log"
)

// GenkitModel is the production ModelClient. Tool descriptors are declared
// to the model as dynamic tools built from their stored JSON schemas;
// WithReturnToolRequests keeps execution on the engine's side.
type GenkitModel struct {
	g       *genkit.Genkit
	limiter *rate.Limiter
	logger  log.Logger
}

// NewGenkitModel creates a genkit-backed model client. limiter may be nil
// to disable proactive rate limiting.
func NewGenkitModel(g *genkit.Genkit, limiter *rate.Limiter, logger log.Logger) *GenkitModel {
	return &GenkitModel{g: g, limiter: limiter, logger: logger}
}

// Generate implements ModelClient.
func (m *GenkitModel) Generate(ctx context.Context, req *GenerateRequest, onChunk ChunkFunc) (*GenerateResult, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(req.Model),
		ai.WithMessages(req.Messages...),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(*req.Temperature)
	}
	if req.MaxOutputTokens != nil {
		cfg.MaxOutputTokens = int32(*req.MaxOutputTokens)
	}
	opts = append(opts, ai.WithConfig(cfg))

	if len(req.Tools) > 0 {
		refs, err := toolRefs(req.Tools)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ai.WithTools(refs...), ai.WithReturnToolRequests(true))
	}

	if onChunk != nil {
		opts = append(opts, ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
			for _, p := range chunk.Content {
				switch {
				case p.IsReasoning():
					if err := onChunk(p.Text, true); err != nil {
						return err
					}
				case p.IsText():
					if err := onChunk(p.Text, false); err != nil {
						return err
					}
				}
			}
			return nil
		}))
	}

	resp, err := genkit.Generate(ctx, m.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	result := &GenerateResult{
		Text:    resp.Text(),
		Message: resp.Message,
	}
	if resp.Usage != nil {
		result.Usage = Usage{
			InputTokens:     resp.Usage.InputTokens,
			OutputTokens:    resp.Usage.OutputTokens,
			ReasoningTokens: resp.Usage.ThoughtsTokens,
		}
	}
	for i, tr := range resp.ToolRequests() {
		args, err := json.Marshal(tr.Input)
		if err != nil {
			return nil, fmt.Errorf("marshal tool arguments for %q: %w", tr.Name, err)
		}
		ref := tr.Ref
		if ref == "" {
			// Some providers omit call ids; synthesize stable ones.
			ref = fmt.Sprintf("call_%d", i)
		}
		result.ToolRequests = append(result.ToolRequests, ToolCallRequest{
			Ref:  ref,
			Name: tr.Name,
			Args: args,
		})
	}

	return result, nil
}

// toolRefs converts descriptors into dynamic genkit tools. The tool
// function is a stub: with WithReturnToolRequests the model layer never
// executes tools, it only needs their declarations.
func toolRefs(tools []ToolDescriptor) ([]ai.ToolRef, error) {
	refs := make([]ai.ToolRef, 0, len(tools))
	for _, t := range tools {
		schema, err := parseInputSchema(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", t.Name, err)
		}
		refs = append(refs, ai.NewToolWithInputSchema(
			t.Name,
			t.Description,
			schema,
			func(_ *ai.ToolContext, _ any) (any, error) {
				return nil, errors.New("tool requests are executed by the engine, not the model layer")
			},
		))
	}
	return refs, nil
}

func parseInputSchema(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{"type": "object"}, nil
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}
	return schema, nil
}
