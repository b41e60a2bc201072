package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
)

// DefaultToolTimeout bounds a tool execution when none is configured.
const DefaultToolTimeout = 30 * time.Second

// ToolError is the bounded error attached to a failed ToolResult.
type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Tool    string     `json:"tool"`
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Text    string     `json:"text,omitempty"`
	Error   *ToolError `json:"error,omitempty"`
}

// Message is the text to show the user for this result.
func (r ToolResult) Message() string {
	if r.Error != nil {
		return r.Error.Message
	}
	return r.Text
}

func okResult(data any, text string) (ToolResult, error) {
	return ToolResult{Success: true, Data: data, Text: text}, nil
}

// Handler executes one tool for an actor.
type Handler struct {
	validate func(params map[string]any) error
	run      func(ctx context.Context, actor string, params map[string]any) (ToolResult, error)
	timeout  time.Duration
}

// WithTimeout overrides the dispatcher timeout for this handler.
func (h Handler) WithTimeout(d time.Duration) Handler {
	h.timeout = d
	return h
}

// Typed builds a Handler that narrows the parameter bag into T before
// calling fn.
func Typed[T any](name tools.Name, fn func(ctx context.Context, actor string, req T) (ToolResult, error)) Handler {
	return Handler{
		validate: func(params map[string]any) error {
			_, err := tools.Bind[T](name, params)
			return err
		},
		run: func(ctx context.Context, actor string, params map[string]any) (ToolResult, error) {
			req, err := tools.Bind[T](name, params)
			if err != nil {
				return ToolResult{}, err
			}
			return fn(ctx, actor, req)
		},
	}
}

// Dispatcher routes tool calls to their handlers with a per-call timeout.
// It never applies the confirmation gate: callers decide whether a call
// runs now or goes through a confirmation first.
type Dispatcher struct {
	handlers map[tools.Name]Handler
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDispatcher checks that every catalog tool has a handler.
func NewDispatcher(handlers map[tools.Name]Handler, timeout time.Duration, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	for _, name := range tools.All() {
		if h, ok := handlers[name]; !ok || h.run == nil {
			return nil, fmt.Errorf("dispatcher: no handler for tool %s", name)
		}
	}
	return &Dispatcher{
		handlers: handlers,
		timeout:  timeout,
		logger:   logger.With("component", "dispatcher"),
	}, nil
}

// Validate checks call parameters without executing anything.
func (d *Dispatcher) Validate(call tools.Call) error {
	name, err := tools.Parse(call.Name)
	if err != nil {
		return err
	}
	h := d.handlers[name]
	if h.validate == nil {
		return nil
	}
	return h.validate(call.Parameters)
}

// ExecuteTool runs call for actor. It always returns a result; failures are
// reported through ToolResult.Error with a bounded kind.
func (d *Dispatcher) ExecuteTool(ctx context.Context, call tools.Call, actor string) ToolResult {
	name, err := tools.Parse(call.Name)
	if err != nil {
		d.logger.Warn("unknown tool called", "name", call.Name, "actor", actor)
		return ToolResult{Tool: call.Name, Error: describeError(err)}
	}

	h := d.handlers[name]
	timeout := d.timeout
	if h.timeout > 0 {
		timeout = h.timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := d.run(execCtx, h, actor, call.Parameters)
	duration := time.Since(start)
	result.Tool = call.Name

	if err != nil {
		result.Success = false
		result.Data = nil
		result.Text = ""
		result.Error = describeError(err)
		d.logger.Warn("tool execution failed",
			"name", call.Name,
			"actor", actor,
			"kind", result.Error.Kind,
			"error", err,
			"duration_ms", duration.Milliseconds(),
		)
		return result
	}

	d.logger.Info("tool executed",
		"name", call.Name,
		"actor", actor,
		"success", result.Success,
		"duration_ms", duration.Milliseconds(),
	)
	return result
}

func (d *Dispatcher) run(ctx context.Context, h Handler, actor string, params map[string]any) (result ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.run(ctx, actor, params)
}
