package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIProvider calls the OpenAI chat completions API through the official
// SDK.
type OpenAIProvider struct {
	name      string
	model     string
	maxTokens int
	client    openai.Client
	logger    *slog.Logger
}

// NewOpenAIProvider creates an OpenAI provider. SDK retries are disabled:
// failover to the next provider is the caller's job.
func NewOpenAIProvider(cfg ProviderConfig, logger *slog.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: openai API key is required", cfg.Name)
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

	return &OpenAIProvider{
		name:      cfg.Name,
		model:     firstNonEmpty(cfg.Model, "gpt-4o-mini"),
		maxTokens: cfg.MaxTokens,
		client:    openai.NewClient(opts...),
		logger:    logger.With("provider", cfg.Name),
	}, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: messages,
	}
	if n := firstPositive(req.MaxTokens, p.maxTokens); n > 0 {
		params.MaxTokens = openai.Int(int64(n))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, Kind: KindMalformed, Err: errors.New("no choices in response")}
	}

	choice := completion.Choices[0]
	out := &Response{
		Text:       strings.TrimSpace(choice.Message.Content),
		StopReason: stopFromFinishReason(string(choice.FinishReason)),
		Model:      firstNonEmpty(completion.Model, p.model),
		Usage: Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args, err := decodeArguments(p.name, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	}

	p.logger.Debug("chat completion done",
		"model", out.Model,
		"finish_reason", string(choice.FinishReason),
		"tool_calls", len(out.ToolCalls),
	)
	return out, nil
}

func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return statusError(p.name, apiErr.StatusCode, apiErr.Message+" "+apiErr.Code, err)
	}
	return transportError(p.name, err)
}
