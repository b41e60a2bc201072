// Package llm talks to language-model providers. Each provider adapter turns
// a provider-neutral Request into its own wire format and normalizes the
// answer into a Response; Client chains adapters in priority order.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Role of a message in the conversation sent to a provider.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversational message.
type Message struct {
	Role    Role
	Content string
}

// Turn is one past exchange: what the user said and what the assistant
// answered.
type Turn struct {
	User      string
	Assistant string
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is the provider-neutral input to a completion.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
	MaxTokens    int
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// StopReason is the normalized reason a provider stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// Usage holds token accounting reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is a normalized provider answer.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
	Model      string
	Usage      Usage
}

// Provider is one language-model backend. Implementations hold only
// credentials and configuration and are safe for concurrent use.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// BuildMessages flattens history into provider messages, keeping only the
// last maxTurns turns, and appends the current user message.
func BuildMessages(history []Turn, message string, maxTurns int) []Message {
	if maxTurns >= 0 && len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}
	msgs := make([]Message, 0, len(history)*2+1)
	for _, t := range history {
		if t.User != "" {
			msgs = append(msgs, Message{Role: RoleUser, Content: t.User})
		}
		if t.Assistant != "" {
			msgs = append(msgs, Message{Role: RoleAssistant, Content: t.Assistant})
		}
	}
	return append(msgs, Message{Role: RoleUser, Content: message})
}

// decodeArguments parses the JSON-encoded arguments of a tool call.
func decodeArguments(provider, tool, raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, &ProviderError{
			Provider: provider,
			Kind:     KindMalformed,
			Err:      fmt.Errorf("tool %s: arguments are not a JSON object: %w", tool, err),
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func stopFromFinishReason(reason string) StopReason {
	switch strings.ToLower(reason) {
	case "stop", "end_turn", "stop_sequence":
		return StopEndTurn
	case "tool_calls", "function_call", "tool_use":
		return StopToolUse
	case "length", "max_tokens":
		return StopMaxTokens
	default:
		return StopOther
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
