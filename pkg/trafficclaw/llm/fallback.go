package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultHistoryTurns    = 10
	DefaultProviderTimeout = 30 * time.Second
)

// Outcome of a single provider attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Attempt records one provider call made while serving a request.
type Attempt struct {
	Provider string
	Ordinal  int
	Outcome  Outcome
	Duration time.Duration
	Err      error
}

// Entry is one provider in the chain with its attempt timeout.
type Entry struct {
	Provider Provider
	Timeout  time.Duration
}

// Options configures a Client.
type Options struct {
	// Tools advertised to every provider.
	Tools []ToolSpec

	// HistoryTurns caps how many past turns are sent. Zero means
	// DefaultHistoryTurns; negative sends the whole history.
	HistoryTurns int

	// DefaultTimeout applies to entries without their own timeout.
	DefaultTimeout time.Duration

	MaxTokens  int
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Reply is the normalized result of ProcessMessage.
type Reply struct {
	Text         string
	ToolCalls    []ToolCall
	StopReason   StopReason
	ProviderUsed string
	Model        string
	Attempts     []Attempt
}

// Client tries providers strictly in order and returns the first success.
// It keeps no per-conversation state.
type Client struct {
	entries      []Entry
	tools        []ToolSpec
	historyTurns int
	maxTokens    int
	logger       *slog.Logger
	metrics      *metrics
}

// NewClient creates a fallback client over entries, highest priority first.
func NewClient(entries []Entry, opts Options) (*Client, error) {
	if len(entries) == 0 {
		return nil, errors.New("llm: at least one provider is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultProviderTimeout
	}
	if opts.HistoryTurns == 0 {
		opts.HistoryTurns = DefaultHistoryTurns
	}

	chain := make([]Entry, len(entries))
	for i, e := range entries {
		if e.Provider == nil {
			return nil, fmt.Errorf("llm: provider %d is nil", i)
		}
		if e.Timeout <= 0 {
			e.Timeout = opts.DefaultTimeout
		}
		chain[i] = e
	}

	return &Client{
		entries:      chain,
		tools:        opts.Tools,
		historyTurns: opts.HistoryTurns,
		maxTokens:    opts.MaxTokens,
		logger:       logger.With("component", "llm_fallback"),
		metrics:      newMetrics(opts.Registerer),
	}, nil
}

// Providers returns the provider names in priority order.
func (c *Client) Providers() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Provider.Name()
	}
	return names
}

// ProcessMessage sends message with the system prompt and the truncated
// history to each provider in turn. The first successful response is
// returned; later providers are not contacted. When every provider fails
// the error wraps ErrProviderExhausted.
func (c *Client) ProcessMessage(ctx context.Context, message, systemPrompt string, history []Turn) (*Reply, error) {
	req := Request{
		SystemPrompt: systemPrompt,
		Messages:     BuildMessages(history, message, c.historyTurns),
		Tools:        c.tools,
		MaxTokens:    c.maxTokens,
	}

	attempts := make([]Attempt, 0, len(c.entries))
	for i, e := range c.entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("process message: %w", err)
		}

		name := e.Provider.Name()
		resp, attempt := c.attempt(ctx, e, i+1, req)
		attempts = append(attempts, attempt)
		c.metrics.observe(attempt)

		if attempt.Outcome == OutcomeSuccess {
			c.logger.Info("provider answered",
				"provider", name,
				"ordinal", attempt.Ordinal,
				"duration_ms", attempt.Duration.Milliseconds(),
				"tool_calls", len(resp.ToolCalls),
			)
			return &Reply{
				Text:         resp.Text,
				ToolCalls:    resp.ToolCalls,
				StopReason:   resp.StopReason,
				ProviderUsed: name,
				Model:        resp.Model,
				Attempts:     attempts,
			}, nil
		}

		c.logger.Warn("provider failed, trying next",
			"provider", name,
			"ordinal", attempt.Ordinal,
			"outcome", attempt.Outcome,
			"error", attempt.Err,
		)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("process message: %w", err)
	}
	c.logger.Error("all providers failed", "attempts", len(attempts))
	return nil, &ExhaustedError{Attempts: attempts}
}

func (c *Client) attempt(ctx context.Context, e Entry, ordinal int, req Request) (resp *Response, a Attempt) {
	a = Attempt{Provider: e.Provider.Name(), Ordinal: ordinal}

	attemptCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		a.Duration = time.Since(start)
		if r := recover(); r != nil {
			resp = nil
			a.Outcome = OutcomeError
			a.Err = fmt.Errorf("provider panic: %v", r)
		}
	}()

	resp, err := e.Provider.Complete(attemptCtx, req)
	switch {
	case err != nil && (isTimeout(err) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded)):
		a.Outcome, a.Err = OutcomeTimeout, err
	case err != nil:
		a.Outcome, a.Err = OutcomeError, err
	case resp == nil:
		a.Outcome = OutcomeError
		a.Err = &ProviderError{Provider: a.Provider, Kind: KindMalformed, Err: errors.New("empty response")}
	default:
		a.Outcome = OutcomeSuccess
	}
	if a.Outcome != OutcomeSuccess {
		resp = nil
	}
	return resp, a
}
