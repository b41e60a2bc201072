package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
)

// Status is the lifecycle state of a confirmation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// transitions lists every allowed move. Anything else is a state conflict.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusExecuting},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

var (
	// ErrConfirmationNotFound is returned for unknown confirmation ids.
	ErrConfirmationNotFound = errors.New("confirmation not found")

	// ErrStateConflict is matched by every *StateError.
	ErrStateConflict = errors.New("confirmation state conflict")
)

// StateError reports a transition attempted from the wrong state.
type StateError struct {
	ID      string
	Current Status
	Target  Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("confirmation %s: cannot move from %s to %s", e.ID, e.Current, e.Target)
}

func (e *StateError) Is(target error) bool { return target == ErrStateConflict }

// Record is a deferred action awaiting, or past, the owner's decision.
type Record struct {
	ID            string                 `json:"id"`
	ActorID       string                 `json:"actorId"`
	Type          tools.ConfirmationType `json:"type"`
	Status        Status                 `json:"status"`
	Summary       string                 `json:"summary"`
	Payload       map[string]any         `json:"payload"`
	ToolToExecute tools.Call             `json:"toolToExecute"`
	Result        *ToolResult            `json:"result,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	ResolvedAt    *time.Time             `json:"resolvedAt,omitempty"`
}

// ShortID is the id prefix shown in chat replies.
func (r *Record) ShortID() string {
	if len(r.ID) > 8 {
		return r.ID[:8]
	}
	return r.ID
}

// Change carries the fields written together with a transition.
type Change struct {
	Call       *tools.Call
	Result     *ToolResult
	ResolvedAt *time.Time
}

// ConfirmationStore persists confirmation records. Transition must be
// atomic: it applies only when the stored status still equals from, and
// otherwise returns a *StateError holding the current status.
type ConfirmationStore interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, actor string, status Status) ([]Record, error)
	Transition(ctx context.Context, id string, from, to Status, change Change) error
}

// Previewer builds the preview of a gated call.
type Previewer interface {
	Preview(ctx context.Context, actor string, call tools.Call) (*Preview, error)
}

// Executor runs tool calls.
type Executor interface {
	Validate(call tools.Call) error
	ExecuteTool(ctx context.Context, call tools.Call, actor string) ToolResult
}

// Confirmations drives records through their lifecycle. A record's action
// runs at most once: the pending -> confirmed move is a compare-and-set in
// the store, so of two racing confirms only one reaches execution.
type Confirmations struct {
	store    ConfirmationStore
	previews Previewer
	exec     Executor
	now      func() time.Time
	logger   *slog.Logger
}

// NewConfirmations creates the state machine.
func NewConfirmations(store ConfirmationStore, previews Previewer, exec Executor, logger *slog.Logger) *Confirmations {
	if logger == nil {
		logger = slog.Default()
	}
	return &Confirmations{
		store:    store,
		previews: previews,
		exec:     exec,
		now:      time.Now,
		logger:   logger.With("component", "confirmations"),
	}
}

// Propose records a pending confirmation for call. Nothing is executed.
func (m *Confirmations) Propose(ctx context.Context, actor string, call tools.Call) (*Record, error) {
	preview, err := m.previews.Preview(ctx, actor, call)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:            uuid.New().String(),
		ActorID:       actor,
		Type:          preview.Type,
		Status:        StatusPending,
		Summary:       preview.Summary,
		Payload:       preview.Payload,
		ToolToExecute: tools.Call{ID: call.ID, Name: call.Name, Parameters: preview.Parameters},
		CreatedAt:     m.now(),
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("save confirmation: %w", err)
	}

	m.logger.Info("confirmation proposed",
		"id", rec.ID,
		"actor", actor,
		"type", rec.Type,
		"tool", call.Name)
	return rec, nil
}

// Get returns a record of actor by id or by an unambiguous id prefix.
func (m *Confirmations) Get(ctx context.Context, actor, id string) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrConfirmationNotFound
	}

	rec, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrConfirmationNotFound) && len(id) < 36 {
		rec, err = m.byPrefix(ctx, actor, id)
	}
	if err != nil {
		return nil, err
	}
	if rec.ActorID != actor {
		return nil, &UserError{Kind: KindPermissionDenied, Message: UserMessage(KindPermissionDenied)}
	}
	return rec, nil
}

func (m *Confirmations) byPrefix(ctx context.Context, actor, prefix string) (*Record, error) {
	recs, err := m.store.List(ctx, actor, "")
	if err != nil {
		return nil, err
	}
	var found *Record
	for i := range recs {
		if strings.HasPrefix(recs[i].ID, prefix) {
			if found != nil {
				return nil, &UserError{Kind: KindConflict, Message: "Mais de uma confirmação começa com esse código. Use o código completo."}
			}
			found = &recs[i]
		}
	}
	if found == nil {
		return nil, ErrConfirmationNotFound
	}
	return found, nil
}

// List returns the records of actor with the given status, oldest first.
// An empty status lists every record.
func (m *Confirmations) List(ctx context.Context, actor string, status Status) ([]Record, error) {
	return m.store.List(ctx, actor, status)
}

// ListPending returns the pending records of actor, oldest first.
func (m *Confirmations) ListPending(ctx context.Context, actor string) ([]Record, error) {
	return m.store.List(ctx, actor, StatusPending)
}

// LatestPending returns the most recent pending record of actor.
func (m *Confirmations) LatestPending(ctx context.Context, actor string) (*Record, error) {
	recs, err := m.ListPending(ctx, actor)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrConfirmationNotFound
	}
	return &recs[len(recs)-1], nil
}

// Cancel moves a pending record to cancelled.
func (m *Confirmations) Cancel(ctx context.Context, actor, id string) (*Record, error) {
	rec, err := m.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if err := m.store.Transition(ctx, rec.ID, StatusPending, StatusCancelled, Change{ResolvedAt: &now}); err != nil {
		return nil, err
	}
	rec.Status = StatusCancelled
	rec.ResolvedAt = &now
	m.logger.Info("confirmation cancelled", "id", rec.ID, "actor", actor)
	return rec, nil
}

// Confirm approves a pending record and runs its action. edits are
// shallow-merged over the stored parameters (a nil value removes the key)
// and validated before any state changes. Pinned batch targets cannot be
// edited; editing a batch filter resolves the targets again at execution.
// The returned record carries the final status and the tool result.
func (m *Confirmations) Confirm(ctx context.Context, actor, id string, edits map[string]any) (*Record, error) {
	rec, err := m.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPending {
		return nil, &StateError{ID: rec.ID, Current: rec.Status, Target: StatusConfirmed}
	}
	if _, ok := edits[tools.PinnedTargetsKey]; ok {
		return nil, &UserError{Kind: KindInvalidParameters, Message: "Os destinatários do lote não podem ser editados. Ajuste os filtros ou peça uma nova prévia."}
	}
	if rec.Type == tools.ConfirmClientSelect {
		chosen, _ := edits["cliente_id"].(string)
		if chosen == "" {
			return nil, &UserError{Kind: KindInvalidParameters, Message: "Escolha um dos clientes listados antes de confirmar."}
		}
		if _, ok := candidateIndex(rec, chosen); !ok {
			return nil, &UserError{Kind: KindInvalidParameters, Message: "Esse cliente não está entre as opções listadas."}
		}
	}
	return m.execute(ctx, rec, edits)
}

// Select resolves a client_select record with the chosen candidate, given
// as its 1-based position or its id, and runs the deferred action.
func (m *Confirmations) Select(ctx context.Context, actor, id, choice string) (*Record, error) {
	rec, err := m.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if rec.Type != tools.ConfirmClientSelect {
		return nil, &UserError{Kind: KindInvalidParameters, Message: "Essa confirmação não é uma escolha de cliente."}
	}

	choice = strings.TrimSpace(choice)
	clientID, ok := candidateByChoice(rec, choice)
	if !ok {
		return nil, &UserError{Kind: KindInvalidParameters, Message: fmt.Sprintf("Opção \"%s\" inválida.", choice)}
	}
	return m.Confirm(ctx, actor, rec.ID, map[string]any{"cliente_id": clientID})
}

func (m *Confirmations) execute(ctx context.Context, rec *Record, edits map[string]any) (*Record, error) {
	call := rec.ToolToExecute
	call.Parameters = mergeParams(call.Parameters, edits)
	if err := m.exec.Validate(call); err != nil {
		return nil, err
	}

	if err := m.store.Transition(ctx, rec.ID, StatusPending, StatusConfirmed, Change{Call: &call}); err != nil {
		return nil, err
	}
	rec.Status = StatusConfirmed
	rec.ToolToExecute = call

	// From here on the action runs to completion even if the caller goes
	// away.
	ctx = context.WithoutCancel(ctx)
	if err := m.store.Transition(ctx, rec.ID, StatusConfirmed, StatusExecuting, Change{}); err != nil {
		return nil, err
	}
	rec.Status = StatusExecuting

	result := m.exec.ExecuteTool(ctx, call, rec.ActorID)

	final := StatusCompleted
	if !result.Success {
		final = StatusFailed
	}
	now := m.now()
	if err := m.store.Transition(ctx, rec.ID, StatusExecuting, final, Change{Result: &result, ResolvedAt: &now}); err != nil {
		return nil, err
	}
	rec.Status = final
	rec.Result = &result
	rec.ResolvedAt = &now

	m.logger.Info("confirmation resolved",
		"id", rec.ID,
		"actor", rec.ActorID,
		"tool", call.Name,
		"status", final)
	return rec, nil
}

// ExpireStale cancels pending records older than ttl and returns how many
// were cancelled.
func (m *Confirmations) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	recs, err := m.store.List(ctx, "", StatusPending)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-ttl)
	expired := 0
	for _, rec := range recs {
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		now := m.now()
		err := m.store.Transition(ctx, rec.ID, StatusPending, StatusCancelled, Change{ResolvedAt: &now})
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		m.logger.Info("stale confirmations cancelled", "count", expired, "ttl", ttl)
	}
	return expired, nil
}

// batchScopeFields select who a batch goes to. Editing any of them drops
// the pinned targets so the batch is resolved again under the new filters.
var batchScopeFields = []string{"dias_atraso", "limite"}

// mergeParams overlays edits on base without touching either map. Changing
// the client name drops the id resolved at preview time, so the new name
// is resolved again.
func mergeParams(base, edits map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = map[string]any{}
	}
	if _, renamed := edits["cliente"]; renamed {
		if _, hasID := edits["cliente_id"]; !hasID {
			delete(out, "cliente_id")
		}
	}
	for _, f := range batchScopeFields {
		if _, ok := edits[f]; ok {
			delete(out, tools.PinnedTargetsKey)
			break
		}
	}
	for k, v := range edits {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func candidates(rec *Record) []map[string]any {
	raw, _ := rec.Payload["candidatos"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, c := range raw {
		if m, ok := c.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func candidateIndex(rec *Record, clientID string) (int, bool) {
	for i, c := range candidates(rec) {
		if id, _ := c["id"].(string); id == clientID {
			return i, true
		}
	}
	return 0, false
}

func candidateByChoice(rec *Record, choice string) (string, bool) {
	list := candidates(rec)
	if n, err := strconv.Atoi(choice); err == nil {
		if n < 1 || n > len(list) {
			return "", false
		}
		id, _ := list[n-1]["id"].(string)
		return id, id != ""
	}
	if _, ok := candidateIndex(rec, choice); ok {
		return choice, true
	}
	return "", false
}
