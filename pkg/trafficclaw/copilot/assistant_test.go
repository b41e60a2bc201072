package copilot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
)

func newTestAssistant(t *testing.T, model *fakeCompleter) (*Assistant, *harness, *memoryHistory) {
	t.Helper()
	h := newHarness(t)
	hist := &memoryHistory{}
	a := NewAssistant(model, h.store, h.dispatcher, h.confirmations, AssistantOptions{
		Name:     "Teste",
		Location: testLoc,
		History:  hist,
		Logger:   discardLogger(),
	})
	a.now = func() time.Time { return testNow }
	return a, h, hist
}

func TestProcessTurnRoutesToolCalls(t *testing.T) {
	model := &fakeCompleter{reply: &llm.Reply{
		Text: "Vou verificar.",
		ToolCalls: []llm.ToolCall{
			{ID: "1", Name: string(tools.ListClients), Arguments: map[string]any{}},
			{ID: "2", Name: string(tools.CreateTask), Arguments: map[string]any{"titulo": "Relatório semanal"}},
			{ID: "3", Name: "apagar_tudo", Arguments: map[string]any{}},
		},
		ProviderUsed: "primary",
	}}
	a, h, _ := newTestAssistant(t, model)
	h.store.addClient(testActor, business.Client{Name: "Ana Souza", Phone: "5511999990001"})

	res, err := a.ProcessTurn(context.Background(), testActor, "oi", nil, nil)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if res.ProviderUsed != "primary" {
		t.Errorf("provider = %q", res.ProviderUsed)
	}
	if len(res.Results) != 2 {
		t.Fatalf("results = %+v", res.Results)
	}
	if !res.Results[0].Success {
		t.Errorf("list_clients failed: %+v", res.Results[0].Error)
	}
	if res.Results[1].Error == nil || res.Results[1].Error.Kind != KindToolNotFound {
		t.Errorf("unknown tool result = %+v", res.Results[1])
	}

	if res.PendingConfirmation == nil || res.PendingConfirmation.Type != tools.ConfirmTask {
		t.Fatalf("pending = %+v", res.PendingConfirmation)
	}
	if len(h.store.tasks) != 0 {
		t.Error("gated tool ran before confirmation")
	}

	for _, want := range []string{"Vou verificar.", "Ana Souza", UserMessage(KindToolNotFound), "/confirmar " + res.PendingConfirmation.ShortID()} {
		if !strings.Contains(res.AssistantText, want) {
			t.Errorf("reply missing %q:\n%s", want, res.AssistantText)
		}
	}

	if len(model.prompts) != 1 || !strings.Contains(model.prompts[0], "Ana Souza") {
		t.Errorf("system prompt did not carry the business context")
	}
}

func TestProcessTurnUsesGivenSnapshot(t *testing.T) {
	model := &fakeCompleter{reply: &llm.Reply{Text: "ok", ProviderUsed: "p"}}
	a, _, _ := newTestAssistant(t, model)

	snap := &business.Snapshot{Clients: []business.Client{{ID: "x", Name: "Cliente Externo"}}}
	history := []llm.Turn{{User: "a", Assistant: "b"}}
	if _, err := a.ProcessTurn(context.Background(), testActor, "oi", snap, history); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(model.prompts[0], "Cliente Externo") {
		t.Error("snapshot not used")
	}
	if len(model.history[0]) != 1 {
		t.Errorf("history = %v", model.history[0])
	}
}

func TestProcessTurnProviderExhausted(t *testing.T) {
	model := &fakeCompleter{err: fmt.Errorf("turn: %w", llm.ErrProviderExhausted)}
	a, _, hist := newTestAssistant(t, model)

	res, err := a.Chat(context.Background(), testActor, "oi")
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if res.AssistantText != providerDownMessage {
		t.Errorf("text = %q", res.AssistantText)
	}
	if len(hist.entries[testActor]) != 0 {
		t.Error("apology saved to history")
	}
}

func TestProcessTurnOtherErrors(t *testing.T) {
	model := &fakeCompleter{err: context.Canceled}
	a, _, _ := newTestAssistant(t, model)

	if _, err := a.ProcessTurn(context.Background(), testActor, "oi", nil, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestProcessTurnPreviewFailure(t *testing.T) {
	model := &fakeCompleter{reply: &llm.Reply{
		ToolCalls:    []llm.ToolCall{{Name: string(tools.CreateTask), Arguments: map[string]any{"titulo": "x", "cliente": "Ninguém"}}},
		ProviderUsed: "p",
	}}
	a, _, _ := newTestAssistant(t, model)

	res, err := a.ProcessTurn(context.Background(), testActor, "oi", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.PendingConfirmation != nil {
		t.Error("confirmation created for an unknown client")
	}
	if !strings.Contains(res.AssistantText, "Ninguém") {
		t.Errorf("text = %q", res.AssistantText)
	}
}

func TestChatKeepsHistory(t *testing.T) {
	model := &fakeCompleter{reply: &llm.Reply{Text: "resposta", ProviderUsed: "p"}}
	a, _, hist := newTestAssistant(t, model)
	ctx := context.Background()

	for i := range 3 {
		if _, err := a.Chat(ctx, testActor, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(hist.entries[testActor]); got != 3 {
		t.Fatalf("history entries = %d", got)
	}
	if got := len(model.history[2]); got != 2 {
		t.Errorf("third turn saw %d past turns, want 2", got)
	}
	if model.history[2][0].User != "msg 0" {
		t.Errorf("history order = %+v", model.history[2])
	}
}

func TestResolveConfirmation(t *testing.T) {
	a, h, _ := newTestAssistant(t, &fakeCompleter{})
	ctx := context.Background()

	rec, err := h.confirmations.Propose(ctx, testActor, taskCall("Briefing"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.ResolveConfirmation(ctx, testActor, rec.ID, "talvez", nil); ClassifyError(err) != KindInvalidParameters {
		t.Errorf("bad decision error = %v", err)
	}

	res, err := a.ResolveConfirmation(ctx, testActor, rec.ID, DecisionConfirm, nil)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if res.Record.Status != StatusCompleted || res.Result == nil || !res.Result.Success {
		t.Fatalf("resolution = %+v", res)
	}
	if !strings.Contains(res.AssistantText, "Briefing") {
		t.Errorf("text = %q", res.AssistantText)
	}

	_, err = a.ResolveConfirmation(ctx, testActor, rec.ID, DecisionCancel, nil)
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("cancel after confirm = %v", err)
	}
	if got := ReplyForError(err); !strings.Contains(got, "concluída") {
		t.Errorf("ReplyForError = %q", got)
	}

	other, _ := h.confirmations.Propose(ctx, testActor, taskCall("Outra"))
	res, err = a.ResolveConfirmation(ctx, testActor, other.ID, DecisionCancel, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Status != StatusCancelled || res.Result != nil {
		t.Errorf("cancel resolution = %+v", res)
	}
	if len(h.store.tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(h.store.tasks))
	}
}

func TestParseDecision(t *testing.T) {
	tests := map[string]Decision{
		"confirm": DecisionConfirm, "Confirmar": DecisionConfirm, "sim": DecisionConfirm,
		"cancel": DecisionCancel, "cancelar": DecisionCancel, "não": DecisionCancel,
	}
	for in, want := range tests {
		got, err := ParseDecision(in)
		if err != nil || got != want {
			t.Errorf("ParseDecision(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDecision("talvez"); err == nil {
		t.Error("expected error")
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	due := time.Date(2026, 3, 12, 0, 0, 0, 0, testLoc)
	snap := &business.Snapshot{
		Clients:   []business.Client{{ID: "c1", Name: "Ana Souza", Company: "Loja A"}},
		OpenTasks: []business.Task{{Title: "Relatório", DueDate: &due}},
	}
	got := BuildSystemPrompt("Teste", snap, testNow, testLoc)
	for _, want := range []string{"Você é Teste", "10/03/2026", "terça-feira", "Ana Souza [id c1]", "(sem telefone)", "Relatório (até 12/03/2026)"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}
