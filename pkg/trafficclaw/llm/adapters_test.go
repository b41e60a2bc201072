package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   ErrorKind
	}{
		{429, "", KindRateLimit},
		{401, "invalid api key", KindAuth},
		{403, "", KindAuth},
		{402, "", KindBilling},
		{400, "insufficient_quota", KindBilling},
		{400, "This model's maximum context length is 8192", KindContext},
		{529, "", KindOverloaded},
		{503, "server overloaded", KindOverloaded},
		{504, "", KindTimeout},
		{500, "", KindRetryable},
		{400, "bad json", KindBadRequest},
		{418, "", KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			if got := classifyAPIError(tt.status, tt.body); got != tt.want {
				t.Errorf("classifyAPIError(%d, %q) = %s, want %s", tt.status, tt.body, got, tt.want)
			}
		})
	}
}

func TestTransportErrorTimeout(t *testing.T) {
	err := transportError("x", context.DeadlineExceeded)
	if err.Kind != KindTimeout {
		t.Errorf("Kind = %s, want timeout", err.Kind)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("transport error does not unwrap to the cause")
	}
}

func TestCompatProviderComplete(t *testing.T) {
	var got compatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer k" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "llama-3.3-70b",
			"choices": [{
				"message": {
					"content": "Vou agendar.",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "schedule_meeting", "arguments": "{\"cliente\":\"Ana\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5}
		}`))
	}))
	defer srv.Close()

	p, err := NewCompatProvider(ProviderConfig{Name: "groq", BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "llama-3.3-70b"}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	resp, err := p.Complete(context.Background(), Request{
		SystemPrompt: "sys",
		Messages:     []Message{{Role: RoleUser, Content: "marca com a Ana"}},
		Tools:        []ToolSpec{{Name: "schedule_meeting", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("request messages = %+v", got.Messages)
	}
	if len(got.Tools) != 1 || got.Tools[0].Type != "function" {
		t.Errorf("request tools = %+v", got.Tools)
	}
	if resp.Text != "Vou agendar." {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.StopReason != StopToolUse {
		t.Errorf("StopReason = %q, want tool_use", resp.StopReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["cliente"] != "Ana" {
		t.Errorf("ToolCalls = %+v", resp.ToolCalls)
	}
}

func TestCompatProviderErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind ErrorKind
	}{
		{"rate limit", 429, `{"error":{"message":"slow down"}}`, KindRateLimit},
		{"auth", 401, `{"error":{"message":"invalid key"}}`, KindAuth},
		{"garbage", 200, `not json`, KindMalformed},
		{"no choices", 200, `{"choices":[]}`, KindMalformed},
		{"bad arguments", 200, `{"choices":[{"message":{"tool_calls":[{"id":"1","function":{"name":"x","arguments":"{oops"}}]}}]}`, KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, err := NewCompatProvider(ProviderConfig{Name: "x", BaseURL: srv.URL, Model: "m"}, quietLogger())
			if err != nil {
				t.Fatal(err)
			}
			_, err = p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "oi"}}})
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ProviderError", err)
			}
			if pe.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", pe.Kind, tt.wantKind)
			}
		})
	}
}

func TestOpenAIProviderComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{"id": "call_9", "type": "function", "function": {"name": "list_clients", "arguments": "{}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
		}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(ProviderConfig{Name: "openai", APIKey: "k", BaseURL: srv.URL, Model: "gpt-4o-mini"}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Complete(context.Background(), Request{
		SystemPrompt: "sys",
		Messages:     []Message{{Role: RoleUser, Content: "quem são meus clientes?"}},
		Tools:        []ToolSpec{{Name: "list_clients", Description: "d", Parameters: map[string]any{"type": "object", "properties": map[string]any{}}}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "list_clients" || resp.ToolCalls[0].ID != "call_9" {
		t.Errorf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.StopReason != StopToolUse {
		t.Errorf("StopReason = %q", resp.StopReason)
	}
}

func TestOpenAIProviderRateLimit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(ProviderConfig{Name: "openai", APIKey: "k", BaseURL: srv.URL}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "oi"}}})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindRateLimit {
		t.Fatalf("error = %v, want rate_limit ProviderError", err)
	}
	if calls != 1 {
		t.Errorf("server hit %d times, want 1 (no SDK retries)", calls)
	}
}

func TestAnthropicProviderComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["system"]; !ok {
			t.Error("system prompt not sent")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-haiku-latest",
			"content": [
				{"type": "text", "text": "Preparando a cobrança."},
				{"type": "tool_use", "id": "toolu_1", "name": "batch_charge", "input": {"limite": 20}}
			],
			"stop_reason": "tool_use",
			"stop_sequence": null,
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`))
	}))
	defer srv.Close()

	p, err := NewAnthropicProvider(ProviderConfig{Name: "anthropic", APIKey: "k", BaseURL: srv.URL}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Complete(context.Background(), Request{
		SystemPrompt: "sys",
		Messages: []Message{
			{Role: RoleUser, Content: "cobra os atrasados"},
		},
		Tools: []ToolSpec{{Name: "batch_charge", Parameters: map[string]any{"type": "object", "properties": map[string]any{}}}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "Preparando a cobrança." {
		t.Errorf("Text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["limite"] != float64(20) {
		t.Errorf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.Usage.PromptTokens != 12 {
		t.Errorf("PromptTokens = %d", resp.Usage.PromptTokens)
	}
}

func TestGeminiProviderComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "models/gemini-2.5-flash:generateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["systemInstruction"]; !ok {
			t.Error("system instruction not sent")
		}
		tools, _ := body["tools"].([]any)
		if len(tools) != 1 {
			t.Errorf("tools = %v", body["tools"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{
				"content": {
					"role": "model",
					"parts": [
						{"text": "Vou listar e agendar."},
						{"functionCall": {"name": "list_clients", "args": {}}},
						{"functionCall": {"id": "fc-2", "name": "schedule_meeting", "args": {"cliente": "Ana"}}}
					]
				},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 4},
			"modelVersion": "gemini-2.5-flash-001"
		}`))
	}))
	defer srv.Close()

	p, err := NewGeminiProvider(context.Background(), ProviderConfig{Name: "gemini", APIKey: "k", BaseURL: srv.URL, Model: "gemini-2.5-flash"}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Complete(context.Background(), Request{
		SystemPrompt: "sys",
		Messages:     []Message{{Role: RoleUser, Content: "marca com a Ana"}},
		Tools: []ToolSpec{
			{Name: "list_clients", Parameters: map[string]any{"type": "object", "properties": map[string]any{}}},
			{Name: "schedule_meeting", Parameters: map[string]any{"type": "object", "properties": map[string]any{}}},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if resp.Text != "Vou listar e agendar." {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.StopReason != StopToolUse {
		t.Errorf("StopReason = %q, want tool_use", resp.StopReason)
	}
	want := []ToolCall{
		{ID: "list_clients-0", Name: "list_clients", Arguments: map[string]any{}},
		{ID: "fc-2", Name: "schedule_meeting", Arguments: map[string]any{"cliente": "Ana"}},
	}
	if diff := cmp.Diff(want, resp.ToolCalls); diff != "" {
		t.Errorf("ToolCalls mismatch (-want +got):\n%s", diff)
	}
	if resp.Model != "gemini-2.5-flash-001" {
		t.Errorf("Model = %q", resp.Model)
	}
	if resp.Usage.PromptTokens != 9 || resp.Usage.CompletionTokens != 4 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestGeminiProviderErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind ErrorKind
	}{
		{"rate limit", 429, `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`, KindRateLimit},
		{"auth", 403, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`, KindAuth},
		{"no candidates", 200, `{"candidates":[]}`, KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, err := NewGeminiProvider(context.Background(), ProviderConfig{Name: "gemini", APIKey: "k", BaseURL: srv.URL}, quietLogger())
			if err != nil {
				t.Fatal(err)
			}
			_, err = p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "oi"}}})
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ProviderError", err)
			}
			if pe.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", pe.Kind, tt.wantKind)
			}
		})
	}
}

func TestNewGeminiProviderRequiresKey(t *testing.T) {
	if _, err := NewGeminiProvider(context.Background(), ProviderConfig{Name: "gemini"}, quietLogger()); err == nil {
		t.Fatal("NewGeminiProvider() error = nil, want error")
	}
}

func TestToAnthropicMessagesMergesRoles(t *testing.T) {
	msgs := toAnthropicMessages([]Message{
		{Role: RoleUser, Content: "a"},
		{Role: RoleUser, Content: "b"},
		{Role: RoleAssistant, Content: "c"},
		{Role: RoleUser, Content: "d"},
	})
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
}

func TestBuildMessagesUnlimited(t *testing.T) {
	history := []Turn{{User: "u1", Assistant: "a1"}, {User: "u2"}}
	msgs := BuildMessages(history, "now", -1)
	if len(msgs) != 4 {
		t.Errorf("len = %d, want 4", len(msgs))
	}
}

func TestNewProviderUnknownType(t *testing.T) {
	if _, err := NewProvider(context.Background(), ProviderConfig{Name: "x", Type: "carrier-pigeon"}, nil); err == nil {
		t.Fatal("NewProvider() error = nil, want error")
	}
}
