package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 2048

// AnthropicProvider calls the Anthropic Messages API through the official
// SDK.
type AnthropicProvider struct {
	name      string
	model     string
	maxTokens int
	client    anthropic.Client
	logger    *slog.Logger
}

// NewAnthropicProvider creates an Anthropic provider with SDK retries
// disabled.
func NewAnthropicProvider(cfg ProviderConfig, logger *slog.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: anthropic API key is required", cfg.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		name:      cfg.Name,
		model:     firstNonEmpty(cfg.Model, "claude-3-5-haiku-latest"),
		maxTokens: firstPositive(cfg.MaxTokens, anthropicDefaultMaxTokens),
		client:    anthropic.NewClient(opts...),
		logger:    logger.With("provider", cfg.Name),
	}, nil
}

func (p *AnthropicProvider) Name() string { return p.name }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(firstPositive(req.MaxTokens, p.maxTokens)),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: toAnthropicSchema(t.Parameters),
			},
		})
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}

	out := &Response{
		StopReason: stopFromFinishReason(string(msg.StopReason)),
		Model:      firstNonEmpty(string(msg.Model), p.model),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}

	var text []string
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			if s := strings.TrimSpace(b.Text); s != "" {
				text = append(text, s)
			}
		case anthropic.ToolUseBlock:
			args, err := decodeArguments(p.name, b.Name, string(b.Input))
			if err != nil {
				return nil, err
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	out.Text = strings.Join(text, "\n\n")
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}

	p.logger.Debug("message done",
		"model", out.Model,
		"stop_reason", string(msg.StopReason),
		"tool_calls", len(out.ToolCalls),
	)
	return out, nil
}

// toAnthropicMessages converts messages, merging consecutive same-role
// messages since the Messages API requires strict alternation.
func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var lastRole Role
	var buf []string

	flush := func() {
		if len(buf) == 0 {
			return
		}
		block := anthropic.NewTextBlock(strings.Join(buf, "\n\n"))
		if lastRole == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
		buf = nil
	}

	for _, m := range msgs {
		if m.Role != lastRole {
			flush()
			lastRole = m.Role
		}
		buf = append(buf, m.Content)
	}
	flush()
	return out
}

func toAnthropicSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	param := anthropic.ToolInputSchemaParam{Properties: schema["properties"]}
	if req, ok := schema["required"]; ok {
		raw, _ := json.Marshal(req)
		_ = json.Unmarshal(raw, &param.Required)
	}
	return param
}

func (p *AnthropicProvider) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return statusError(p.name, apiErr.StatusCode, apiErr.Error(), err)
	}
	return transportError(p.name, err)
}
