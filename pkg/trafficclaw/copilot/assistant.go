package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
)

// providerDownMessage is the only reply given when every provider failed.
const providerDownMessage = "Desculpe, não consegui falar com nenhum dos modelos agora. Tente novamente em alguns minutos."

// Completer is the model side of a turn. *llm.Client implements it.
type Completer interface {
	ProcessMessage(ctx context.Context, message, systemPrompt string, history []llm.Turn) (*llm.Reply, error)
}

// AssistantOptions configures an Assistant.
type AssistantOptions struct {
	Name     string
	Location *time.Location

	// History persists conversations for Chat. Nil disables history.
	History      HistoryStore
	HistoryTurns int

	Logger *slog.Logger
}

// Assistant runs conversation turns: it asks the model, routes tool calls
// to execution or to the confirmation gate, and renders the reply.
type Assistant struct {
	model         Completer
	contexts      business.ContextProvider
	exec          Executor
	confirmations *Confirmations

	name         string
	loc          *time.Location
	history      HistoryStore
	historyTurns int
	now          func() time.Time
	logger       *slog.Logger
}

// NewAssistant creates an assistant. contexts may be nil when callers
// always pass the snapshot to ProcessTurn.
func NewAssistant(model Completer, contexts business.ContextProvider, exec Executor, confirmations *Confirmations, opts AssistantOptions) *Assistant {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	name := opts.Name
	if name == "" {
		name = "TrafficClaw"
	}
	turns := opts.HistoryTurns
	if turns == 0 {
		turns = llm.DefaultHistoryTurns
	}
	return &Assistant{
		model:         model,
		contexts:      contexts,
		exec:          exec,
		confirmations: confirmations,
		name:          name,
		loc:           loc,
		history:       opts.History,
		historyTurns:  turns,
		now:           time.Now,
		logger:        logger.With("component", "assistant"),
	}
}

// Confirmations returns the confirmation state machine.
func (a *Assistant) Confirmations() *Confirmations { return a.confirmations }

// TurnResult is the outcome of one user message.
type TurnResult struct {
	AssistantText string `json:"assistantText"`

	// PendingConfirmation is the last confirmation proposed in the turn.
	PendingConfirmation *Record `json:"pendingConfirmation,omitempty"`

	Confirmations []Record     `json:"confirmations,omitempty"`
	Results       []ToolResult `json:"results,omitempty"`
	ProviderUsed  string       `json:"providerUsed,omitempty"`
}

// ProcessTurn handles one user message. snap is the business context for
// the system prompt; when nil it is loaded from the context provider.
// Failing providers are not an error: the result carries a fixed apology.
func (a *Assistant) ProcessTurn(ctx context.Context, actor, message string, snap *business.Snapshot, history []llm.Turn) (*TurnResult, error) {
	if snap == nil && a.contexts != nil {
		s, err := a.contexts.Snapshot(ctx, actor)
		if err != nil {
			a.logger.Warn("failed to load business context", "actor", actor, "err", err)
		} else {
			snap = s
		}
	}

	prompt := BuildSystemPrompt(a.name, snap, a.now(), a.loc)
	reply, err := a.model.ProcessMessage(ctx, message, prompt, history)
	if errors.Is(err, llm.ErrProviderExhausted) {
		a.logger.Error("all providers failed", "actor", actor, "err", err)
		return &TurnResult{AssistantText: providerDownMessage}, nil
	}
	if err != nil {
		return nil, err
	}

	out := &TurnResult{ProviderUsed: reply.ProviderUsed}
	var parts []string
	if text := strings.TrimSpace(reply.Text); text != "" {
		parts = append(parts, text)
	}

	for _, tc := range reply.ToolCalls {
		call := tools.Call{ID: tc.ID, Name: tc.Name, Parameters: tc.Arguments}

		if !tools.RequiresConfirmation(call.Name) {
			// Unknown names land here too and come back as tool_not_found.
			res := a.exec.ExecuteTool(ctx, call, actor)
			out.Results = append(out.Results, res)
			if msg := res.Message(); msg != "" {
				parts = append(parts, msg)
			}
			continue
		}

		rec, err := a.confirmations.Propose(ctx, actor, call)
		if err != nil {
			a.logger.Warn("failed to prepare confirmation", "actor", actor, "tool", call.Name, "err", err)
			te := describeError(err)
			out.Results = append(out.Results, ToolResult{Tool: call.Name, Error: te})
			parts = append(parts, te.Message)
			continue
		}
		out.Confirmations = append(out.Confirmations, *rec)
		out.PendingConfirmation = &out.Confirmations[len(out.Confirmations)-1]
		parts = append(parts, renderProposal(rec))
	}

	if len(parts) == 0 {
		parts = append(parts, "Não entendi. Pode reformular?")
	}
	out.AssistantText = strings.Join(parts, "\n\n")

	a.logger.Info("turn processed",
		"actor", actor,
		"provider", reply.ProviderUsed,
		"tool_calls", len(reply.ToolCalls),
		"confirmations", len(out.Confirmations))
	return out, nil
}

// Chat runs a turn with the actor's stored history and saves the exchange.
func (a *Assistant) Chat(ctx context.Context, actor, message string) (*TurnResult, error) {
	var turns []llm.Turn
	if a.history != nil {
		entries, err := a.history.Recent(ctx, actor, a.historyTurns)
		if err != nil {
			a.logger.Warn("failed to load history", "actor", actor, "err", err)
		}
		turns = toTurns(entries)
	}

	res, err := a.ProcessTurn(ctx, actor, message, nil, turns)
	if err != nil {
		return nil, err
	}

	if a.history != nil && res.ProviderUsed != "" {
		entry := ConversationEntry{UserMessage: message, AssistantResponse: res.AssistantText, Timestamp: a.now()}
		if err := a.history.Append(context.WithoutCancel(ctx), actor, entry); err != nil {
			a.logger.Warn("failed to save history", "actor", actor, "err", err)
		}
	}
	return res, nil
}

// ClearHistory forgets the actor's conversation.
func (a *Assistant) ClearHistory(ctx context.Context, actor string) error {
	if a.history == nil {
		return nil
	}
	return a.history.Clear(ctx, actor)
}

// Decision is the owner's answer to a confirmation.
type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionCancel  Decision = "cancel"
)

// ParseDecision accepts the English and Portuguese spellings.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "confirm", "confirmar", "sim":
		return DecisionConfirm, nil
	case "cancel", "cancelar", "nao", "não":
		return DecisionCancel, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Resolution is the outcome of ResolveConfirmation.
type Resolution struct {
	Record        *Record     `json:"confirmation"`
	Result        *ToolResult `json:"result,omitempty"`
	AssistantText string      `json:"assistantText"`
}

// ResolveConfirmation applies the owner's decision to a pending record.
// edits are only used when confirming. Errors are returned as is; use
// ReplyForError to turn them into a message.
func (a *Assistant) ResolveConfirmation(ctx context.Context, actor, id string, decision Decision, edits map[string]any) (*Resolution, error) {
	var (
		rec *Record
		err error
	)
	switch decision {
	case DecisionConfirm:
		rec, err = a.confirmations.Confirm(ctx, actor, id, edits)
	case DecisionCancel:
		rec, err = a.confirmations.Cancel(ctx, actor, id)
	default:
		return nil, &UserError{Kind: KindInvalidParameters, Message: fmt.Sprintf("Decisão \"%s\" inválida. Use confirmar ou cancelar.", decision)}
	}
	if err != nil {
		return nil, err
	}
	return &Resolution{Record: rec, Result: rec.Result, AssistantText: renderResolution(rec)}, nil
}

// Propose opens a confirmation for call without a model turn and returns
// the text asking the owner to decide. Scheduled jobs start batches this way.
func (a *Assistant) Propose(ctx context.Context, actor string, call tools.Call) (*Record, string, error) {
	rec, err := a.confirmations.Propose(ctx, actor, call)
	if err != nil {
		return nil, "", err
	}
	return rec, renderProposal(rec), nil
}

// SelectClient resolves a client_select record with a candidate.
func (a *Assistant) SelectClient(ctx context.Context, actor, id, choice string) (*Resolution, error) {
	rec, err := a.confirmations.Select(ctx, actor, id, choice)
	if err != nil {
		return nil, err
	}
	return &Resolution{Record: rec, Result: rec.Result, AssistantText: renderResolution(rec)}, nil
}

var statusNames = map[Status]string{
	StatusPending:   "aguardando confirmação",
	StatusConfirmed: "confirmada",
	StatusCancelled: "cancelada",
	StatusExecuting: "em execução",
	StatusCompleted: "concluída",
	StatusFailed:    "concluída com falha",
}

// ReplyForError renders a confirmation or execution error for the owner.
// Unexpected errors get the generic text; their detail stays in the log.
func ReplyForError(err error) string {
	var se *StateError
	var ue *UserError
	switch {
	case errors.As(err, &se):
		return fmt.Sprintf("Essa confirmação já está %s. Nada foi feito.", statusNames[se.Current])
	case errors.Is(err, ErrConfirmationNotFound):
		return "Não encontrei essa confirmação. Use /pendentes para ver as que estão abertas."
	case errors.As(err, &ue):
		return ue.Message
	}
	return describeError(err).Message
}

func renderProposal(rec *Record) string {
	var b strings.Builder
	b.WriteString(rec.Summary)
	if rec.Type == tools.ConfirmClientSelect {
		fmt.Fprintf(&b, "\n\nResponda /escolher %s <número>.", rec.ShortID())
		return b.String()
	}
	fmt.Fprintf(&b, "\n\nResponda /confirmar %s para executar ou /cancelar %s para descartar.", rec.ShortID(), rec.ShortID())
	return b.String()
}

func renderResolution(rec *Record) string {
	switch rec.Status {
	case StatusCancelled:
		return "Ok, ação cancelada. Nada foi feito."
	case StatusCompleted, StatusFailed:
		if rec.Result != nil {
			if msg := rec.Result.Message(); msg != "" {
				return msg
			}
		}
		if rec.Status == StatusCompleted {
			return "Pronto."
		}
		return UserMessage(KindUnknown)
	}
	return "Confirmação " + statusNames[rec.Status] + "."
}
