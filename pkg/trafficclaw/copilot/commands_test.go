package copilot

import (
	"context"
	"strings"
	"testing"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
)

func TestHandleIncomingCommands(t *testing.T) {
	a, h, hist := newTestAssistant(t, &fakeCompleter{reply: &llm.Reply{Text: "olá", ProviderUsed: "p"}})
	ctx := context.Background()

	reply := func(text string) string {
		t.Helper()
		got, err := a.HandleIncoming(ctx, testActor, text)
		if err != nil {
			t.Fatalf("HandleIncoming(%q): %v", text, err)
		}
		return got
	}

	if got := reply("   "); got != "" {
		t.Errorf("blank message reply = %q", got)
	}
	if got := reply("bom dia"); got != "olá" {
		t.Errorf("chat reply = %q", got)
	}
	if got := reply("/pendentes"); got != "Nenhuma ação aguardando confirmação." {
		t.Errorf("/pendentes = %q", got)
	}
	if got := reply("/confirmar"); !strings.Contains(got, "/pendentes") {
		t.Errorf("/confirmar with nothing pending = %q", got)
	}

	first, _ := h.confirmations.Propose(ctx, testActor, taskCall("Primeira"))
	second, _ := h.confirmations.Propose(ctx, testActor, taskCall("Segunda"))

	got := reply("/pendentes")
	if !strings.HasPrefix(got, "2 ação(ões)") || !strings.Contains(got, first.ShortID()) || !strings.Contains(got, second.ShortID()) {
		t.Errorf("/pendentes = %q", got)
	}

	// Without a code the latest record is resolved.
	if got := reply("/sim"); !strings.Contains(got, "Segunda") {
		t.Errorf("/sim = %q", got)
	}
	if got := reply("/cancelar " + first.ShortID()); got != "Ok, ação cancelada. Nada foi feito." {
		t.Errorf("/cancelar = %q", got)
	}
	if got := reply("/confirmar " + first.ShortID()); !strings.Contains(got, "cancelada") {
		t.Errorf("confirm after cancel = %q", got)
	}
	if got := reply("/confirmar deadbeef"); !strings.Contains(got, "Não encontrei") {
		t.Errorf("unknown code = %q", got)
	}
	if len(h.store.tasks) != 1 || h.store.tasks[0].Title != "Segunda" {
		t.Errorf("tasks = %+v", h.store.tasks)
	}

	if got := reply("/AJUDA"); got != helpText {
		t.Errorf("/ajuda = %q", got)
	}
	if got := reply("/voar"); !strings.HasPrefix(got, "Comando desconhecido.") {
		t.Errorf("unknown command = %q", got)
	}

	if len(hist.entries[testActor]) != 1 {
		t.Fatalf("history = %d entries", len(hist.entries[testActor]))
	}
	if got := reply("/limpar"); got != "Histórico apagado." {
		t.Errorf("/limpar = %q", got)
	}
	if len(hist.entries[testActor]) != 0 {
		t.Error("history not cleared")
	}
}

func TestHandleIncomingSelect(t *testing.T) {
	a, h, _ := newTestAssistant(t, &fakeCompleter{})
	ctx := context.Background()
	var ids []string
	for _, name := range []string{"Ana Souza", "Ana Lima"} {
		ids = append(ids, h.store.addClient(testActor, business.Client{Name: name}).ID)
	}

	rec, err := h.confirmations.Propose(ctx, testActor, tools.Call{
		Name:       string(tools.ScheduleMeeting),
		Parameters: map[string]any{"cliente": "Ana", "titulo": "Kickoff", "data_hora": "2026-03-12 14:00"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := renderProposal(rec); !strings.Contains(got, "/escolher "+rec.ShortID()) {
		t.Errorf("proposal = %q", got)
	}

	got, err := a.HandleIncoming(ctx, testActor, "/escolher")
	if err != nil || !strings.HasPrefix(got, "Use /escolher") {
		t.Errorf("/escolher without args = %q, %v", got, err)
	}

	got, err = a.HandleIncoming(ctx, testActor, "/escolher 9")
	if err != nil {
		t.Fatal(err)
	}
	if got == "" || strings.Contains(got, "Kickoff") {
		t.Errorf("out of range choice = %q", got)
	}

	got, err = a.HandleIncoming(ctx, testActor, "/escolher "+rec.ShortID()+" 2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "Kickoff") || !strings.Contains(got, "Ana Lima") {
		t.Errorf("/escolher = %q", got)
	}
	if len(h.store.meetings) != 1 || h.store.meetings[0].ClientID != ids[1] {
		t.Errorf("meetings = %+v", h.store.meetings)
	}
}

func TestPhoneOf(t *testing.T) {
	tests := map[string]string{
		"5511999990001@s.whatsapp.net":    "5511999990001",
		"5511999990001:12@s.whatsapp.net": "5511999990001",
		"5511999990001":                   "5511999990001",
	}
	for in, want := range tests {
		if got := phoneOf(in); got != want {
			t.Errorf("phoneOf(%q) = %q, want %q", in, got, want)
		}
	}
}
