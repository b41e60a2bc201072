package copilot

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
)

func TestNewDispatcherRequiresEveryTool(t *testing.T) {
	h := newHarness(t)
	handlers := h.actions.Handlers()
	delete(handlers, tools.CreateTask)

	if _, err := NewDispatcher(handlers, time.Second, nil); err == nil {
		t.Fatal("expected error for missing handler")
	}
}

func TestExecuteToolUnknown(t *testing.T) {
	h := newHarness(t)

	for _, name := range []string{"delete_everything", "", "LIST_CLIENTS"} {
		t.Run(name, func(t *testing.T) {
			res := h.dispatcher.ExecuteTool(context.Background(), tools.Call{Name: name}, testActor)
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.Error == nil || res.Error.Kind != KindToolNotFound {
				t.Fatalf("error = %+v, want tool_not_found", res.Error)
			}
			if res.Error.Message != UserMessage(KindToolNotFound) {
				t.Errorf("message = %q", res.Error.Message)
			}
		})
	}
}

func TestExecuteToolReadOnly(t *testing.T) {
	h := newHarness(t)
	h.store.addClient(testActor, business.Client{Name: "Ana Souza", Phone: "5511999990001"})
	h.store.addClient("owner-2", business.Client{Name: "Ana Lima"})

	res := h.dispatcher.ExecuteTool(context.Background(), tools.Call{
		Name:       string(tools.ListClients),
		Parameters: map[string]any{"busca": "ana"},
	}, testActor)

	if !res.Success {
		t.Fatalf("expected success, got %+v", res.Error)
	}
	if !strings.Contains(res.Text, "Ana Souza") || strings.Contains(res.Text, "Ana Lima") {
		t.Errorf("text = %q", res.Text)
	}
}

func TestExecuteToolInvalidParameters(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		call  tools.Call
		field string
	}{
		{
			name:  "missing title",
			call:  tools.Call{Name: string(tools.CreateTask), Parameters: map[string]any{"titulo": "  "}},
			field: "titulo",
		},
		{
			name: "bad date",
			call: tools.Call{Name: string(tools.CreateCharge), Parameters: map[string]any{
				"cliente": "Ana", "valor": 100.0, "vencimento": "10/03/2026",
			}},
			field: "vencimento",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.dispatcher.ExecuteTool(context.Background(), tt.call, testActor)
			if res.Success || res.Error == nil {
				t.Fatalf("expected failure, got %+v", res)
			}
			if res.Error.Kind != KindInvalidParameters {
				t.Errorf("kind = %s, want invalid_parameters", res.Error.Kind)
			}
			if !strings.Contains(res.Error.Message, tt.field) {
				t.Errorf("message %q does not name %s", res.Error.Message, tt.field)
			}
		})
	}
	if h.store.writeCount() != 0 {
		t.Errorf("invalid calls wrote %d records", h.store.writeCount())
	}
}

func TestExecuteToolErrorKinds(t *testing.T) {
	h := newHarness(t)
	other := h.store.addClient("owner-2", business.Client{Name: "Bruno"})

	tests := []struct {
		name string
		call tools.Call
		want ErrorKind
	}{
		{
			name: "unknown client name",
			call: tools.Call{Name: string(tools.CreateTask), Parameters: map[string]any{"titulo": "x", "cliente": "Zé"}},
			want: KindNotFound,
		},
		{
			name: "client of another owner",
			call: tools.Call{Name: string(tools.CreateTask), Parameters: map[string]any{"titulo": "x", "cliente_id": other.ID}},
			want: KindPermissionDenied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.dispatcher.ExecuteTool(context.Background(), tt.call, testActor)
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.Error.Kind != tt.want {
				t.Errorf("kind = %s, want %s", res.Error.Kind, tt.want)
			}
			if strings.Contains(res.Error.Message, "permission denied") {
				t.Errorf("raw error leaked to user: %q", res.Error.Message)
			}
		})
	}
}

func TestExecuteToolPanicAndTimeout(t *testing.T) {
	h := newHarness(t)
	handlers := maps.Clone(h.actions.Handlers())
	handlers[tools.ListClients] = Typed(tools.ListClients, func(context.Context, string, tools.ListClientsRequest) (ToolResult, error) {
		panic("boom")
	})
	handlers[tools.ListMeetings] = Typed(tools.ListMeetings, func(ctx context.Context, _ string, _ tools.ListMeetingsRequest) (ToolResult, error) {
		<-ctx.Done()
		return ToolResult{}, ctx.Err()
	}).WithTimeout(10 * time.Millisecond)

	d, err := NewDispatcher(handlers, time.Second, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	res := d.ExecuteTool(context.Background(), tools.Call{Name: string(tools.ListClients)}, testActor)
	if res.Success || res.Error.Kind != KindUnknown {
		t.Errorf("panic result = %+v", res)
	}

	res = d.ExecuteTool(context.Background(), tools.Call{Name: string(tools.ListMeetings)}, testActor)
	if res.Success || res.Error.Kind != KindTimeout {
		t.Errorf("timeout result = %+v", res)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{&tools.UnknownToolError{Name: "x"}, KindToolNotFound},
		{&tools.ValidationError{Field: "valor"}, KindInvalidParameters},
		{fmt.Errorf("get: %w", business.ErrNotFound), KindNotFound},
		{fmt.Errorf("get: %w", business.ErrPermissionDenied), KindPermissionDenied},
		{fmt.Errorf("insert: %w", business.ErrConflict), KindConflict},
		{fmt.Errorf("resolve: %w", ErrAmbiguousClient), KindConflict},
		{fmt.Errorf("send: %w", context.DeadlineExceeded), KindTimeout},
		{errors.New("UNIQUE constraint failed: meetings.id"), KindConflict},
		{errors.New("dial tcp: i/o timeout"), KindTimeout},
		{errors.New("something odd"), KindUnknown},
		{&UserError{Kind: KindNotFound, Message: "x", Err: ErrEmptyBatch}, KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
