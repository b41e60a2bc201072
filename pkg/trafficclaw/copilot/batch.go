package copilot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Batch kinds, used as template keys and metric labels.
const (
	batchCharge   = "charge"
	batchReminder = "reminder"
)

var defaultTemplates = map[string]map[string]string{
	batchCharge: {
		tools.VariantFriendly: "Oi {nome}, tudo bem? Passando para lembrar que o pagamento de {valor} venceu em {vencimento} ({dias} dias). Se já pagou, pode desconsiderar. Obrigado!",
		tools.VariantFormal:   "Prezado(a) {nome}, consta em aberto o valor de {valor}, vencido em {vencimento} ({dias} dias de atraso). Solicitamos a regularização. Atenciosamente.",
		tools.VariantUrgent:   "{nome}, o pagamento de {valor} está com {dias} dias de atraso (vencimento em {vencimento}). Precisamos regularizar hoje para não pausar as campanhas.",
	},
	batchReminder: {
		tools.VariantFriendly: "Oi {nome}! Lembrando da nossa reunião \"{titulo}\" amanhã, {data} às {hora}. Até lá!",
		tools.VariantFormal:   "Prezado(a) {nome}, confirmamos a reunião \"{titulo}\" em {data} às {hora}. Atenciosamente.",
		tools.VariantUrgent:   "{nome}, nossa reunião \"{titulo}\" é amanhã ({data}) às {hora}. Por favor, confirme sua presença.",
	},
}

// templateSet holds the batch texts by kind and variant.
type templateSet map[string]map[string]string

func newTemplateSet(overrides map[string]map[string]string) templateSet {
	set := templateSet{}
	for kind, variants := range defaultTemplates {
		set[kind] = map[string]string{}
		for v, text := range variants {
			set[kind][v] = text
		}
	}
	for kind, variants := range overrides {
		if set[kind] == nil {
			set[kind] = map[string]string{}
		}
		for v, text := range variants {
			if strings.TrimSpace(text) != "" {
				set[kind][v] = text
			}
		}
	}
	return set
}

// pick returns the custom text when set, else the variant template,
// falling back to the friendly one.
func (s templateSet) pick(kind, variant, custom string) string {
	if strings.TrimSpace(custom) != "" {
		return custom
	}
	if text, ok := s[kind][variant]; ok {
		return text
	}
	return s[kind][tools.VariantFriendly]
}

// renderTarget fills the {placeholders} of tpl with the target's fields.
func renderTarget(tpl string, t tools.BatchTarget) string {
	valor := t.Valor
	if d, err := decimal.NewFromString(t.Valor); err == nil {
		valor = business.FormatBRL(d)
	}
	vencimento := t.Vencimento
	if d, err := time.Parse(tools.DateLayout, t.Vencimento); err == nil {
		vencimento = business.FormatDate(d)
	}
	return strings.NewReplacer(
		"{nome}", firstName(t.Nome),
		"{valor}", valor,
		"{vencimento}", vencimento,
		"{dias}", strconv.Itoa(t.Dias),
		"{data}", t.Data,
		"{hora}", t.Hora,
		"{titulo}", t.Titulo,
	).Replace(tpl)
}

func firstName(name string) string {
	if f := strings.Fields(name); len(f) > 0 {
		return f[0]
	}
	return name
}

// BatchItemResult is the outcome of one batch target.
type BatchItemResult struct {
	TargetID string    `json:"targetId"`
	Name     string    `json:"nome,omitempty"`
	Success  bool      `json:"success"`
	Kind     ErrorKind `json:"kind,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// BatchActionResult aggregates a batch. PerItem follows the target order.
type BatchActionResult struct {
	TotalProcessed int               `json:"totalProcessed"`
	SuccessCount   int               `json:"successCount"`
	FailedCount    int               `json:"failedCount"`
	PerItem        []BatchItemResult `json:"perItem"`
	Summary        string            `json:"summary"`
}

// Success reports whether at least one item went through.
func (r *BatchActionResult) Success() bool {
	return r.SuccessCount > 0
}

func (r *BatchActionResult) toolResult() ToolResult {
	res := ToolResult{Success: r.Success(), Data: r, Text: r.Summary}
	if !res.Success {
		kind := KindUnknown
		for _, it := range r.PerItem {
			if !it.Success && it.Kind != "" {
				kind = it.Kind
				break
			}
		}
		res.Error = &ToolError{Kind: kind, Message: r.Summary}
	}
	return res
}

// ErrEmptyBatch is returned when a batch resolves to no eligible target.
var ErrEmptyBatch = errors.New("batch has no eligible target")

func emptyBatch(msg string) error {
	return &UserError{Kind: KindNotFound, Message: msg, Err: ErrEmptyBatch}
}

// chargeTargets resolves the clients a charge batch goes to: overdue for at
// least dias_atraso days, with a phone, capped at limite after the phone
// filter. skipped counts overdue clients without a phone.
func (a *Actions) chargeTargets(ctx context.Context, actor string, req tools.BatchChargeRequest) (targets []tools.BatchTarget, skipped int, err error) {
	days := req.DiasAtraso
	if days <= 0 {
		days = 1
	}
	limit := req.Limite
	if limit <= 0 {
		limit = a.defaultLimit
	}

	accounts, err := a.store.OverdueAccounts(ctx, actor, days, a.now())
	if err != nil {
		return nil, 0, err
	}
	for _, acc := range accounts {
		phone := business.NormalizePhone(acc.Client.Phone)
		if phone == "" {
			skipped++
			continue
		}
		if len(targets) == limit {
			continue
		}
		targets = append(targets, tools.BatchTarget{
			ID:         acc.Client.ID,
			ClienteID:  acc.Client.ID,
			Nome:       acc.Client.Name,
			Telefone:   phone,
			Valor:      acc.Total.StringFixed(2),
			Vencimento: acc.OldestDue.In(a.loc).Format(tools.DateLayout),
			Dias:       acc.DaysOverdue,
		})
	}
	if len(targets) == 0 {
		return nil, skipped, emptyBatch(fmt.Sprintf(
			"Nenhum cliente com pagamento atrasado há %d dia(s) ou mais e telefone cadastrado.", days))
	}
	return targets, skipped, nil
}

// reminderTargets resolves tomorrow's meetings whose client has a phone.
func (a *Actions) reminderTargets(ctx context.Context, actor string) (targets []tools.BatchTarget, skipped int, err error) {
	tomorrow := a.today().AddDate(0, 0, 1)
	meetings, err := a.store.ListMeetings(ctx, actor, tomorrow, tomorrow.AddDate(0, 0, 1))
	if err != nil {
		return nil, 0, err
	}
	for _, m := range meetings {
		if m.Status != "" && m.Status != business.MeetingScheduled {
			continue
		}
		phone := business.NormalizePhone(m.Phone)
		if phone == "" {
			skipped++
			continue
		}
		at := m.StartsAt.In(a.loc)
		targets = append(targets, tools.BatchTarget{
			ID:        m.ID,
			ClienteID: m.ClientID,
			Nome:      m.ClientName,
			Telefone:  phone,
			Data:      business.FormatDate(at),
			Hora:      business.FormatTime(at),
			Titulo:    m.Title,
		})
	}
	if len(targets) == 0 {
		return nil, skipped, emptyBatch("Nenhuma reunião amanhã com telefone cadastrado.")
	}
	return targets, skipped, nil
}

// ExecuteBatchCharge sends one charge message per target. Targets fixed at
// preview time are used as is; otherwise they are resolved now. Per-item
// failures never abort the batch.
func (a *Actions) ExecuteBatchCharge(ctx context.Context, actor string, req tools.BatchChargeRequest) (*BatchActionResult, error) {
	targets := req.Targets
	if len(targets) == 0 {
		var err error
		if targets, _, err = a.chargeTargets(ctx, actor, req); err != nil {
			return nil, err
		}
	}
	tpl := a.templates.pick(batchCharge, req.Variante, req.Mensagem)
	res := a.runBatch(ctx, actor, batchCharge, messageCharge, targets, tpl)
	res.Summary = fmt.Sprintf("Cobrança em lote: %d de %d mensagens enviadas, %d falha(s).",
		res.SuccessCount, res.TotalProcessed, res.FailedCount)
	return res, nil
}

// ExecuteMeetingReminders sends one reminder per meeting tomorrow.
func (a *Actions) ExecuteMeetingReminders(ctx context.Context, actor string, req tools.BatchMeetingReminderRequest) (*BatchActionResult, error) {
	targets := req.Targets
	if len(targets) == 0 {
		var err error
		if targets, _, err = a.reminderTargets(ctx, actor); err != nil {
			return nil, err
		}
	}
	tpl := a.templates.pick(batchReminder, req.Variante, req.Mensagem)
	res := a.runBatch(ctx, actor, batchReminder, messageReminder, targets, tpl)
	res.Summary = fmt.Sprintf("Lembretes: %d de %d enviados, %d falha(s).",
		res.SuccessCount, res.TotalProcessed, res.FailedCount)
	return res, nil
}

func (a *Actions) runBatch(ctx context.Context, actor, kind, logKind string, targets []tools.BatchTarget, tpl string) *BatchActionResult {
	res := &BatchActionResult{PerItem: make([]BatchItemResult, 0, len(targets))}

	for _, t := range targets {
		item := BatchItemResult{TargetID: t.ID, Name: t.Nome}
		err := a.runItem(ctx, actor, logKind, t, tpl)
		if err != nil {
			item.Kind = ClassifyError(err)
			item.Error = describeError(err).Message
			res.FailedCount++
			a.metrics.items.WithLabelValues(kind, "failed").Inc()
			a.logger.Warn("batch item failed", "batch", kind, "target", t.ID, "error", err)
		} else {
			item.Success = true
			res.SuccessCount++
			a.metrics.items.WithLabelValues(kind, "success").Inc()
		}
		res.PerItem = append(res.PerItem, item)
		res.TotalProcessed++
	}

	a.logger.Info("batch finished",
		"batch", kind,
		"actor", actor,
		"total", res.TotalProcessed,
		"success", res.SuccessCount,
		"failed", res.FailedCount)
	return res
}

func (a *Actions) runItem(ctx context.Context, actor, logKind string, t tools.BatchTarget, tpl string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("batch item panicked", "target", t.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("batch item panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.send(ctx, actor, t.ClienteID, t.Telefone, renderTarget(tpl, t), logKind)
}

type batchMetrics struct {
	items *prometheus.CounterVec
}

func newBatchMetrics(reg prometheus.Registerer) *batchMetrics {
	m := &batchMetrics{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trafficclaw",
			Name:      "batch_items_total",
			Help:      "Batch items processed by outcome.",
		}, []string{"batch", "outcome"}),
	}
	if reg != nil {
		if err := reg.Register(m.items); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					m.items = existing
				}
			}
		}
	}
	return m
}
