package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider calls Google's Gemini API through the genai SDK.
type GeminiProvider struct {
	name      string
	model     string
	maxTokens int
	client    *genai.Client
	logger    *slog.Logger
}

// NewGeminiProvider creates a Gemini provider. The client is built once and
// reused for every request.
func NewGeminiProvider(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: gemini API key is required", cfg.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("provider %s: create gemini client: %w", cfg.Name, err)
	}

	return &GeminiProvider{
		name:      cfg.Name,
		model:     firstNonEmpty(cfg.Model, "gemini-2.0-flash"),
		maxTokens: cfg.MaxTokens,
		client:    client,
		logger:    logger.With("provider", cfg.Name),
	}, nil
}

func (p *GeminiProvider) Name() string { return p.name }

// Complete implements Provider.
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if n := firstPositive(req.MaxTokens, p.maxTokens); n > 0 {
		cfg.MaxOutputTokens = int32(n)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(resp.Candidates) == 0 {
		return nil, &ProviderError{Provider: p.name, Kind: KindMalformed, Err: errors.New("no candidates in response")}
	}

	cand := resp.Candidates[0]
	out := &Response{
		Text:       strings.TrimSpace(resp.Text()),
		StopReason: stopFromFinishReason(string(cand.FinishReason)),
		Model:      firstNonEmpty(resp.ModelVersion, p.model),
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	for i, fc := range resp.FunctionCalls() {
		args := fc.Args
		if args == nil {
			args = map[string]any{}
		}
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", fc.Name, i)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: fc.Name, Arguments: args})
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}

	p.logger.Debug("generate content done",
		"model", out.Model,
		"finish_reason", string(cand.FinishReason),
		"tool_calls", len(out.ToolCalls),
	)
	return out, nil
}

func (p *GeminiProvider) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return statusError(p.name, apiErr.Code, apiErr.Status+" "+apiErr.Message, err)
	}
	return transportError(p.name, err)
}
