package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// CompatProvider speaks the OpenAI-compatible chat completions protocol over
// plain HTTP. It covers Groq, DeepSeek, OpenRouter, Ollama and any proxy
// exposing /chat/completions.
type CompatProvider struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCompatProvider creates an OpenAI-compatible provider.
func NewCompatProvider(cfg ProviderConfig, logger *slog.Logger) (*CompatProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", cfg.Name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %s: model is required", cfg.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CompatProvider{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		// Deadlines come from the caller's context.
		httpClient: &http.Client{},
		logger:     logger.With("provider", cfg.Name),
	}, nil
}

func (p *CompatProvider) Name() string { return p.name }

type compatMessage struct {
	Role      string       `json:"role"`
	Content   string       `json:"content"`
	ToolCalls []compatCall `json:"tool_calls,omitempty"`
}

type compatTool struct {
	Type     string         `json:"type"`
	Function compatFunction `json:"function"`
}

type compatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type compatCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type compatRequest struct {
	Model     string          `json:"model"`
	Messages  []compatMessage `json:"messages"`
	Tools     []compatTool    `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type compatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string       `json:"content"`
			ToolCalls []compatCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete implements Provider.
func (p *CompatProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body := compatRequest{
		Model:     p.model,
		MaxTokens: firstPositive(req.MaxTokens, p.maxTokens),
	}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, compatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, compatMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, compatTool{
			Type:     "function",
			Function: compatFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	p.logger.Debug("sending chat completion",
		"model", p.model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
		"endpoint", endpoint,
	)

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(p.name, fmt.Errorf("reading response: %w", err))
	}
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("API error",
			"model", p.model,
			"status", resp.StatusCode,
			"body", truncate(bodyStr, 500),
		)
		return nil, statusError(p.name, resp.StatusCode, bodyStr, nil)
	}

	var chatResp compatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, &ProviderError{Provider: p.name, Kind: KindMalformed, Err: fmt.Errorf("parsing response: %w", err)}
	}
	if chatResp.Error != nil {
		return nil, statusError(p.name, resp.StatusCode, chatResp.Error.Message, nil)
	}
	if len(chatResp.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, Kind: KindMalformed, Err: fmt.Errorf("no choices in response")}
	}

	choice := chatResp.Choices[0]
	out := &Response{
		Text:       strings.TrimSpace(choice.Message.Content),
		StopReason: stopFromFinishReason(choice.FinishReason),
		Model:      firstNonEmpty(chatResp.Model, p.model),
		Usage: Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
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

	p.logger.Info("chat completion done",
		"model", out.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(out.ToolCalls),
	)
	return out, nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
